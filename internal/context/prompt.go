package context

import "strings"

// DefaultSystemPrompt is the preamble placed at the top of every prompt.
const DefaultSystemPrompt = "You are a helpful assistant. " +
	"Follow instructions carefully, stay consistent with prior context, " +
	"and respond clearly.\n\n"

const (
	contextHeader  = "--- CONTEXT (previous conversation) ---\n"
	newInputHeader = "--- NEW USER INPUT ---\n"
	assistantCue   = "ASSISTANT:"
)

// PromptBuilder combines the system preamble, a channel's buffer and the new
// user input into a single completion prompt.
type PromptBuilder struct {
	System  string
	History History
}

// NewPromptBuilder returns a builder reading buffers from history. An empty
// system falls back to DefaultSystemPrompt.
func NewPromptBuilder(system string, history History) *PromptBuilder {
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &PromptBuilder{System: system, History: history}
}

// Build renders: system + context section + new input section + "ASSISTANT:".
func (b *PromptBuilder) Build(channelID int64, userInput string) string {
	memory := b.History.Get(channelID)

	var sb strings.Builder
	sb.Grow(len(b.System) + len(contextHeader) + len(memory) + len(newInputHeader) + len(userInput) + 32)
	sb.WriteString(b.System)
	sb.WriteString(contextHeader)
	sb.WriteString(memory)
	sb.WriteString("\n")
	sb.WriteString(newInputHeader)
	sb.WriteString(Message{Role: RoleUser, Content: userInput}.Line())
	sb.WriteString(assistantCue)
	return sb.String()
}
