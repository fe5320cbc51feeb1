package context

import "sync"

// Store owns one rolling text buffer per channel. Buffers are created lazily,
// never deleted, and live only as long as the process.
type Store struct {
	mu      sync.Mutex
	trimmer TailTrimmer
	buffers map[int64]string
}

// NewStore creates a store whose buffers never exceed maxChars characters.
// A non-positive maxChars falls back to DefaultMaxContextChars.
func NewStore(maxChars int) *Store {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}
	return &Store{
		trimmer: TailTrimmer{MaxChars: maxChars},
		buffers: map[int64]string{},
	}
}

// MaxChars returns the per-channel buffer cap.
func (s *Store) MaxChars() int {
	return s.trimmer.MaxChars
}

// Append adds a role-tagged line to the channel buffer and trims the front
// so the buffer stays within MaxChars.
func (s *Store) Append(channelID int64, role, text string) {
	line := Message{Role: role, Content: text}.Line()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[channelID] = s.trimmer.Trim(s.buffers[channelID] + line)
}

// Get returns the channel buffer, or "" when the channel has none.
func (s *Store) Get(channelID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[channelID]
}

// Reset empties the channel buffer.
func (s *Store) Reset(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[channelID] = ""
}
