package bot

import "strings"

// Command is a parsed chat command: "/message@ollabot llama3 hi there"
// becomes {Name: "message", Target: "ollabot", Args: "llama3 hi there"}.
type Command struct {
	Name   string
	Target string
	Args   string
}

// ParseCommand recognizes text starting with prefix. A Telegram style
// "@botname" suffix on the command word is split off into Target.
func ParseCommand(text, prefix string) (Command, bool) {
	text = strings.TrimSpace(text)
	rest, ok := strings.CutPrefix(text, prefix)
	if !ok || rest == "" {
		return Command{}, false
	}
	name, args, _ := strings.Cut(rest, " ")
	if i := strings.IndexAny(name, "\n\t"); i >= 0 {
		args = name[i:] + " " + args
		name = name[:i]
	}
	name, target, _ := strings.Cut(name, "@")
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Target: target, Args: strings.TrimSpace(args)}, true
}

// MessageArgs splits "message" arguments into the model name and the user
// input. Both must be present.
func MessageArgs(args string) (model, input string, ok bool) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", "", false
	}
	model = fields[0]
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args), model))
	return model, input, true
}
