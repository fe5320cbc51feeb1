package context

// DefaultMaxContextChars bounds every channel buffer when no explicit limit is configured.
const DefaultMaxContextChars = 2048

// History is the per-channel rolling buffer used by the exchange flow.
type History interface {
	Append(channelID int64, role, text string)
	Get(channelID int64) string
	Reset(channelID int64)
}

// Assembler turns a channel's buffer and a new user input into a single prompt.
type Assembler interface {
	Build(channelID int64, userInput string) string
}
