package context

import "strings"

// Role tags of conversation turns kept in a channel buffer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn before it is flattened into a buffer line.
type Message struct {
	Role    string
	Content string
}

// Line renders the turn as "<ROLE>: <content>\n".
func (m Message) Line() string {
	return strings.ToUpper(m.Role) + ": " + m.Content + "\n"
}
