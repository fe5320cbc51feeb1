package commander

import "context"

// Commander is the chat platform abstraction used by the bot: it yields
// inbound updates and delivers outbound text.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(chatID int64, text string) error
}

// Update represents an incoming chat update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a chat message. Chat.ID is the channel identifier that
// keys the context buffer.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the author of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Author returns a printable author name for logs.
func (m *Message) Author() string {
	if m == nil || m.From == nil {
		return ""
	}
	if m.From.Username != "" {
		return m.From.Username
	}
	return "user"
}
