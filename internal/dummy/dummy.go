package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
	"github.com/stupiduntilnot/ollabot/internal/model"
)

// ChatID is the channel every scripted update arrives on.
const ChatID int64 = 1

type action struct {
	kind string
	arg  string
}

var argKinds = []string{"err", "sleep", "msg", "msgb64"}

// parseScript reads a comma separated action list such as
// "msg:/reset,sleep:50,err:command_source_api". The last action repeats
// once the script is exhausted.
func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
next:
	for _, p := range parts {
		token := strings.TrimSpace(p)
		switch token {
		case "":
			continue
		case "ok", "empty", "hang":
			actions = append(actions, action{kind: token})
			continue
		}
		for _, kind := range argKinds {
			if arg, ok := strings.CutPrefix(token, kind+":"); ok {
				actions = append(actions, action{kind: kind, arg: arg})
				continue next
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(arg string) {
	ms, _ := strconv.Atoi(arg)
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// SentMessage is one outbound message recorded by Commander.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Commander replays scripted inbound messages and records outbound ones.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []SentMessage
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	var text string
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		sleepMillis(a.arg)
		return nil, nil
	case "msg":
		text = a.arg
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		text = string(raw)
	default:
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateID++
	if offset > c.updateID {
		c.updateID = offset
	}
	return []cmdpkg.Update{
		{
			UpdateID: c.updateID,
			Message: &cmdpkg.Message{
				MessageID: c.updateID,
				Chat:      cmdpkg.Chat{ID: ChatID},
				Text:      &text,
				Date:      time.Now().Unix(),
			},
		},
	}, nil
}

func (c *Commander) SendMessage(chatID int64, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		sleepMillis(a.arg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// Sent returns a copy of every message delivered so far.
func (c *Commander) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Generator streams scripted replies. Each call to Generate consumes one
// action: "ok", "msg:<text>", "msgb64:<b64>", "empty" (no fragments),
// "sleep:<ms>", "err:<class>" or "hang" (blocks until ctx is done).
type Generator struct {
	mu      sync.Mutex
	script  *scriptRunner
	prompts []string
}

func NewGenerator(script string) (*Generator, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Generator{script: runner}, nil
}

func (g *Generator) Generate(ctx context.Context, modelName, prompt string) (model.Stream, error) {
	g.mu.Lock()
	a := g.script.next()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "empty":
		return &stream{ctx: ctx}, nil
	case "hang":
		return &stream{ctx: ctx, hang: true}, nil
	case "sleep":
		sleepMillis(a.arg)
		return newStream(ctx, "dummy-after-sleep"), nil
	case "msg":
		return newStream(ctx, a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return newStream(ctx, string(raw)), nil
	default:
		return newStream(ctx, "dummy-ok"), nil
	}
}

// Prompts returns every prompt passed to Generate, in call order.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// stream yields the reply word by word, keeping separators, so the
// concatenation equals the scripted text.
type stream struct {
	ctx       context.Context
	fragments []string
	current   string
	hang      bool
	err       error
}

func newStream(ctx context.Context, text string) *stream {
	return &stream{ctx: ctx, fragments: strings.SplitAfter(text, " ")}
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.hang {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if len(s.fragments) == 0 {
		return false
	}
	s.current, s.fragments = s.fragments[0], s.fragments[1:]
	return true
}

func (s *stream) Fragment() string { return s.current }
func (s *stream) Err() error       { return s.err }
func (s *stream) Close() error     { return nil }

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
