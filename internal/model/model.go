package model

import "context"

// Stream is a finite, single-use sequence of generated text fragments.
//
//	for s.Next() {
//		reply += s.Fragment()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Generator is the model provider abstraction used by the bot.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (Stream, error)
}

// Collect drains s and returns the concatenated fragments in arrival order.
// The stream is closed before returning.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var out []byte
	for s.Next() {
		out = append(out, s.Fragment()...)
	}
	return string(out), s.Err()
}
