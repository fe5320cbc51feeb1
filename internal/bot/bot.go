package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
	ctxpkg "github.com/stupiduntilnot/ollabot/internal/context"
	"github.com/stupiduntilnot/ollabot/internal/control"
	"github.com/stupiduntilnot/ollabot/internal/db"
	modelpkg "github.com/stupiduntilnot/ollabot/internal/model"
	"github.com/stupiduntilnot/ollabot/internal/ollama"
)

// User-visible replies.
const (
	BusyNotice      = "⏳ Busy with another request, try again after the current one finishes."
	ResetNotice     = "🧹 Context reset for this channel."
	EmptyNotice     = "⚠️ No response from Ollama."
	sendingNotice   = "Sending to Ollama model `%s`..."
	statusNotice    = "Error: Ollama returned status %d"
	transportNotice = "⚠️ Failed to reach Ollama: %v"
	deliveryNotice  = "⚠️ Failed to deliver the full reply (%d of %d parts sent): %v"
	usageText       = "Usage:\n" +
		"%[1]smessage <model> <text> - ask a local Ollama model\n" +
		"%[1]sreset - forget this channel's context"
)

// Options wires a Bot to its collaborators.
type Options struct {
	Commander cmdpkg.Commander
	Generator modelpkg.Generator
	History   ctxpkg.History
	Prompts   ctxpkg.Assembler
	Gate      *control.Gate
	Circuit   *control.CircuitBreaker
	Events    *db.EventLog
	Logger    *slog.Logger

	// BotUsername is the bot's own handle. Commands addressed to another
	// bot ("/message@otherbot") are ignored when it is set.
	BotUsername string

	// ProcessEventID parents every event this bot records.
	ProcessEventID int64

	ChunkLimit    int
	CommandPrefix string

	PollTimeout          int
	Sleep                time.Duration
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
}

// Bot dispatches chat commands and runs model exchanges. At most one
// exchange is in flight; commands arriving meanwhile are turned away.
type Bot struct {
	commander cmdpkg.Commander
	generator modelpkg.Generator
	history   ctxpkg.History
	prompts   ctxpkg.Assembler
	gate      *control.Gate
	circuit   *control.CircuitBreaker
	events    *db.EventLog
	logger    *slog.Logger

	processEventID int64
	chunkLimit     int
	prefix         string
	username       string

	pollTimeout   int
	sleep         time.Duration
	dropPending   bool
	pendingWindow int64
	pendingMax    int

	wg sync.WaitGroup
}

// New creates a Bot. History, Prompts and Gate get in-memory defaults when
// left nil.
func New(opts Options) *Bot {
	b := &Bot{
		commander:      opts.Commander,
		generator:      opts.Generator,
		history:        opts.History,
		prompts:        opts.Prompts,
		gate:           opts.Gate,
		circuit:        opts.Circuit,
		events:         opts.Events,
		logger:         opts.Logger,
		processEventID: opts.ProcessEventID,
		chunkLimit:     opts.ChunkLimit,
		prefix:         opts.CommandPrefix,
		username:       strings.TrimPrefix(opts.BotUsername, "@"),
		pollTimeout:    opts.PollTimeout,
		sleep:          opts.Sleep,
		dropPending:    opts.DropPending,
		pendingWindow:  opts.PendingWindowSeconds,
		pendingMax:     opts.PendingMaxMessages,
	}
	if b.history == nil {
		b.history = ctxpkg.NewStore(ctxpkg.DefaultMaxContextChars)
	}
	if b.prompts == nil {
		b.prompts = ctxpkg.NewPromptBuilder("", b.history)
	}
	if b.gate == nil {
		b.gate = control.NewGate()
	}
	if b.circuit == nil {
		b.circuit = control.NewCircuitBreaker(0, 0)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	if b.chunkLimit <= 0 {
		b.chunkLimit = 2000
	}
	if b.prefix == "" {
		b.prefix = "/"
	}
	if b.sleep <= 0 {
		b.sleep = time.Second
	}
	return b
}

// HandleUpdate dispatches one inbound update. A message command that wins
// the gate continues on its own goroutine; everything else completes before
// HandleUpdate returns.
func (b *Bot) HandleUpdate(ctx context.Context, update cmdpkg.Update) {
	msg := update.Message
	if msg == nil || msg.Text == nil || *msg.Text == "" {
		return
	}
	cmd, ok := ParseCommand(*msg.Text, b.prefix)
	if !ok {
		return
	}
	chatID := msg.Chat.ID
	if !b.addressedToMe(cmd) {
		b.logger.Debug("command_for_other_bot", "chat_id", chatID, "target", cmd.Target)
		return
	}

	switch cmd.Name {
	case "message":
		modelName, input, ok := MessageArgs(cmd.Args)
		if !ok {
			b.reply(chatID, fmt.Sprintf(usageText, b.prefix))
			return
		}
		release, ok := b.acquire(chatID, msg.Author())
		if !ok {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer release()
			b.exchange(ctx, chatID, msg.Author(), modelName, input)
		}()
	case "reset":
		b.history.Reset(chatID)
		b.events.Log(b.processEventID, db.EventContextReset, map[string]any{"chat_id": chatID})
		b.logger.Info("context_reset", "chat_id", chatID)
		b.reply(chatID, ResetNotice)
	case "help", "start":
		b.reply(chatID, fmt.Sprintf(usageText, b.prefix))
	default:
		b.logger.Debug("unknown_command", "chat_id", chatID, "command", cmd.Name)
	}
}

// acquire takes the exchange gate for chatID. When another exchange holds
// it, the busy notice is sent and ok is false.
func (b *Bot) acquire(chatID int64, author string) (release func(), ok bool) {
	release, ok = b.gate.TryAcquire()
	if !ok {
		b.reply(chatID, BusyNotice)
		b.events.Log(b.processEventID, db.EventExchangeRejected, map[string]any{"chat_id": chatID})
		b.logger.Debug("exchange_rejected_busy", "chat_id", chatID, "author", author)
	}
	return release, ok
}

func (b *Bot) addressedToMe(cmd Command) bool {
	return cmd.Target == "" || b.username == "" || strings.EqualFold(cmd.Target, b.username)
}

// Wait blocks until every exchange started by HandleUpdate has finished.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// exchange must run with the gate held.
func (b *Bot) exchange(ctx context.Context, chatID int64, author, modelName, input string) {
	exchangeID := uuid.NewString()
	logger := b.logger.With("exchange_id", exchangeID, "chat_id", chatID)
	eventID := b.events.Log(b.processEventID, db.EventExchangeStarted, map[string]any{
		"exchange_id": exchangeID,
		"chat_id":     chatID,
		"model":       modelName,
		"input_chars": utf8.RuneCountInString(input),
	})
	logger.Info("exchange_started", "model", modelName, "author", author)

	b.history.Append(chatID, ctxpkg.RoleUser, input)
	prompt := b.prompts.Build(chatID, input)
	b.events.Log(eventID, db.EventPromptBuilt, map[string]any{
		"prompt_chars":  utf8.RuneCountInString(prompt),
		"context_chars": utf8.RuneCountInString(b.history.Get(chatID)),
	})

	b.reply(chatID, fmt.Sprintf(sendingNotice, modelName))

	started := time.Now()
	reply, stats, err := b.generate(ctx, modelName, prompt)
	latencyMs := time.Since(started).Milliseconds()
	if err != nil {
		class, notice := describeError(err)
		b.events.Log(eventID, db.EventExchangeFailed, map[string]any{
			"error_class": class,
			"error":       truncate(err.Error(), 500),
			"latency_ms":  latencyMs,
		})
		logger.Warn("exchange_failed", "error_class", class, "error", err.Error())
		b.reply(chatID, notice)
		return
	}
	b.events.Log(eventID, db.EventStreamCompleted, map[string]any{
		"latency_ms":    latencyMs,
		"reply_chars":   utf8.RuneCountInString(reply),
		"skipped_lines": stats.skipped,
		"done":          stats.done,
	})

	if reply == "" {
		b.events.Log(eventID, db.EventExchangeEmpty, nil)
		logger.Info("exchange_empty_reply")
		b.reply(chatID, EmptyNotice)
		return
	}

	b.history.Append(chatID, ctxpkg.RoleAssistant, reply)

	chunks := ChunkMessage(reply, b.chunkLimit)
	sent := 0
	var sendErr error
	for _, part := range chunks {
		if sendErr = b.commander.SendMessage(chatID, part); sendErr != nil {
			break
		}
		sent++
	}
	payload := map[string]any{
		"chunks":      len(chunks),
		"chunks_sent": sent,
	}
	if sendErr != nil {
		payload["error"] = truncate(sendErr.Error(), 500)
		logger.Warn("reply_send_failed", "chunk", sent, "error", sendErr.Error())
		b.reply(chatID, fmt.Sprintf(deliveryNotice, sent, len(chunks), sendErr))
	}
	b.events.Log(eventID, db.EventReplySent, payload)
	logger.Info("exchange_completed", "latency_ms", latencyMs, "chunks", sent)
}

// streamStats carries what a provider stream reports beyond its text.
// Providers without these counters leave the zero value.
type streamStats struct {
	skipped int
	done    bool
}

func (b *Bot) generate(ctx context.Context, modelName, prompt string) (string, streamStats, error) {
	var stats streamStats
	stream, err := b.generator.Generate(ctx, modelName, prompt)
	if err != nil {
		return "", stats, err
	}
	reply, err := modelpkg.Collect(stream)
	if counter, ok := stream.(interface{ Skipped() int }); ok {
		stats.skipped = counter.Skipped()
	}
	if finisher, ok := stream.(interface{ Done() bool }); ok {
		stats.done = finisher.Done()
	}
	if err != nil {
		return "", stats, err
	}
	return reply, stats, nil
}

// describeError maps a generation failure to an error class and the text
// shown in the chat.
func describeError(err error) (class, notice string) {
	var statusErr *ollama.StatusError
	if errors.As(err, &statusErr) {
		return "status", fmt.Sprintf(statusNotice, statusErr.StatusCode)
	}
	var transportErr *ollama.TransportError
	if errors.As(err, &transportErr) {
		return "transport", fmt.Sprintf(transportNotice, transportErr.Err)
	}
	return "transport", fmt.Sprintf(transportNotice, err)
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.commander.SendMessage(chatID, text); err != nil {
		b.logger.Warn("send_message_failed", "chat_id", chatID, "error", err.Error())
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
