package bot

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
	ctxpkg "github.com/stupiduntilnot/ollabot/internal/context"
	"github.com/stupiduntilnot/ollabot/internal/control"
	"github.com/stupiduntilnot/ollabot/internal/db"
	"github.com/stupiduntilnot/ollabot/internal/dummy"
	"github.com/stupiduntilnot/ollabot/internal/model"
	"github.com/stupiduntilnot/ollabot/internal/ollama"
)

func testEventDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/bot.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func eventTypes(t *testing.T, database *sql.DB) []string {
	t.Helper()
	rows, err := database.Query(`SELECT event_type FROM events ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			t.Fatal(err)
		}
		out = append(out, et)
	}
	return out
}

func newTestBot(t *testing.T, gen model.Generator) (*Bot, *dummy.Commander, *ctxpkg.Store) {
	t.Helper()
	commander, err := dummy.NewCommander("ok", "ok")
	if err != nil {
		t.Fatal(err)
	}
	store := ctxpkg.NewStore(2048)
	b := New(Options{
		Commander:  commander,
		Generator:  gen,
		History:    store,
		Prompts:    ctxpkg.NewPromptBuilder("", store),
		ChunkLimit: 2000,
	})
	return b, commander, store
}

func texts(sent []dummy.SentMessage) []string {
	out := make([]string, 0, len(sent))
	for _, s := range sent {
		out = append(out, s.Text)
	}
	return out
}

// runExchange runs one exchange on the test goroutine, going through the
// same gate as HandleUpdate.
func runExchange(ctx context.Context, b *Bot, chatID int64, modelName, input string) bool {
	release, ok := b.acquire(chatID, "")
	if !ok {
		return false
	}
	defer release()
	b.exchange(ctx, chatID, "", modelName, input)
	return true
}

func gateHeld(g *control.Gate) bool {
	release, ok := g.TryAcquire()
	if ok {
		release()
	}
	return !ok
}

func textUpdate(chatID int64, text string) cmdpkg.Update {
	return cmdpkg.Update{UpdateID: 1, Message: &cmdpkg.Message{Chat: cmdpkg.Chat{ID: chatID}, Text: &text}}
}

func TestExchange_RecordsBothTurns(t *testing.T) {
	gen, err := dummy.NewGenerator("msg:hello there")
	if err != nil {
		t.Fatal(err)
	}
	b, commander, store := newTestBot(t, gen)

	if !runExchange(context.Background(), b, 42, "llama3", "hi") {
		t.Fatal("expected exchange to run")
	}

	if got := store.Get(42); got != "USER: hi\nASSISTANT: hello there\n" {
		t.Fatalf("unexpected buffer: %q", got)
	}
	sent := texts(commander.Sent())
	if len(sent) != 2 || sent[0] != "Sending to Ollama model `llama3`..." || sent[1] != "hello there" {
		t.Fatalf("unexpected sent messages: %q", sent)
	}

	prompts := gen.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(prompts))
	}
	wantPrompt := ctxpkg.DefaultSystemPrompt +
		"--- CONTEXT (previous conversation) ---\nUSER: hi\n\n" +
		"--- NEW USER INPUT ---\nUSER: hi\nASSISTANT:"
	if prompts[0] != wantPrompt {
		t.Fatalf("unexpected prompt:\n%q\nwant:\n%q", prompts[0], wantPrompt)
	}
}

func TestExchange_ChunksLongReply(t *testing.T) {
	long := strings.Repeat("x", 4500)
	gen, _ := dummy.NewGenerator("msg:" + long)
	b, commander, _ := newTestBot(t, gen)

	runExchange(context.Background(), b, 1, "m", "write a lot")

	sent := texts(commander.Sent())
	if len(sent) != 4 {
		t.Fatalf("expected notice + 3 chunks, got %d messages", len(sent))
	}
	if len(sent[1]) != 2000 || len(sent[2]) != 2000 || len(sent[3]) != 500 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(sent[1]), len(sent[2]), len(sent[3]))
	}
	if strings.Join(sent[1:], "") != long {
		t.Fatal("chunks do not reassemble the reply")
	}
}

func TestExchange_EmptyReply(t *testing.T) {
	gen, _ := dummy.NewGenerator("empty")
	b, commander, store := newTestBot(t, gen)

	runExchange(context.Background(), b, 1, "m", "hi")

	sent := texts(commander.Sent())
	if sent[len(sent)-1] != EmptyNotice {
		t.Fatalf("expected empty notice, got %q", sent)
	}
	if got := store.Get(1); got != "USER: hi\n" {
		t.Fatalf("expected only the user turn, got %q", got)
	}
}

func TestExchange_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	b, commander, store := newTestBot(t, ollama.NewClient(server.URL, 0, nil))
	runExchange(context.Background(), b, 1, "m", "hi")

	sent := texts(commander.Sent())
	if sent[len(sent)-1] != "Error: Ollama returned status 500" {
		t.Fatalf("unexpected notice: %q", sent)
	}
	if got := store.Get(1); got != "USER: hi\n" {
		t.Fatalf("expected only the user turn, got %q", got)
	}
}

func TestExchange_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	b, commander, store := newTestBot(t, ollama.NewClient(url, 0, nil))
	runExchange(context.Background(), b, 1, "m", "hi")

	sent := texts(commander.Sent())
	last := sent[len(sent)-1]
	if !strings.HasPrefix(last, "⚠️ Failed to reach Ollama: ") {
		t.Fatalf("unexpected notice: %q", last)
	}
	if got := store.Get(1); got != "USER: hi\n" {
		t.Fatalf("expected only the user turn, got %q", got)
	}
	if _, ok := b.gate.TryAcquire(); !ok {
		t.Fatal("expected gate released after transport failure")
	}
}

func TestExchange_SkipsMalformedFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"Hi"}`+"\n")
		io.WriteString(w, `garbage`+"\n")
		io.WriteString(w, `{"response":" there","done":true}`+"\n")
	}))
	defer server.Close()

	database := testEventDB(t)
	b, commander, store := newTestBot(t, ollama.NewClient(server.URL, 0, nil))
	b.events = db.NewEventLog(database, nil)

	runExchange(context.Background(), b, 9, "m", "hello")

	sent := texts(commander.Sent())
	if sent[len(sent)-1] != "Hi there" {
		t.Fatalf("unexpected reply: %q", sent)
	}
	if got := store.Get(9); got != "USER: hello\nASSISTANT: Hi there\n" {
		t.Fatalf("unexpected buffer: %q", got)
	}

	var skipped int
	err := database.QueryRow(
		`SELECT json_extract(payload, '$.skipped_lines') FROM events WHERE event_type = ?`,
		db.EventStreamCompleted,
	).Scan(&skipped)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped line recorded, got %d", skipped)
	}

	var done bool
	err = database.QueryRow(
		`SELECT json_extract(payload, '$.done') FROM events WHERE event_type = ?`,
		db.EventStreamCompleted,
	).Scan(&done)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected final done object recorded")
	}
}

func TestExchange_ChunkSendFailureIsReported(t *testing.T) {
	gen, _ := dummy.NewGenerator("msg:" + strings.Repeat("x", 4500))
	commander, err := dummy.NewCommander("ok", "ok,ok,err:send,ok")
	if err != nil {
		t.Fatal(err)
	}
	database := testEventDB(t)
	store := ctxpkg.NewStore(2048)
	b := New(Options{
		Commander:  commander,
		Generator:  gen,
		History:    store,
		Events:     db.NewEventLog(database, nil),
		ChunkLimit: 2000,
	})

	runExchange(context.Background(), b, 1, "m", "write a lot")

	sent := texts(commander.Sent())
	if len(sent) != 3 {
		t.Fatalf("expected notice, one chunk and a failure notice, got %d: %q", len(sent), sent)
	}
	if len(sent[1]) != 2000 {
		t.Fatalf("expected first chunk delivered, got %d chars", len(sent[1]))
	}
	want := "⚠️ Failed to deliver the full reply (1 of 3 parts sent): dummy commander send error class=send"
	if sent[2] != want {
		t.Fatalf("unexpected failure notice:\n%q\nwant:\n%q", sent[2], want)
	}

	var sendErr string
	var chunksSent int
	err = database.QueryRow(
		`SELECT json_extract(payload, '$.error'), json_extract(payload, '$.chunks_sent')
		 FROM events WHERE event_type = ?`,
		db.EventReplySent,
	).Scan(&sendErr, &chunksSent)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sendErr, "class=send") || chunksSent != 1 {
		t.Fatalf("unexpected reply.sent payload: error=%q chunks_sent=%d", sendErr, chunksSent)
	}
}

func TestExchange_LogsEvents(t *testing.T) {
	database := testEventDB(t)
	gen, _ := dummy.NewGenerator("msg:ok,err:provider_api")
	b, _, _ := newTestBot(t, gen)
	b.events = db.NewEventLog(database, nil)

	runExchange(context.Background(), b, 1, "m", "first")
	runExchange(context.Background(), b, 1, "m", "second")

	got := strings.Join(eventTypes(t, database), ",")
	want := strings.Join([]string{
		db.EventExchangeStarted, db.EventPromptBuilt, db.EventStreamCompleted, db.EventReplySent,
		db.EventExchangeStarted, db.EventPromptBuilt, db.EventExchangeFailed,
	}, ",")
	if got != want {
		t.Fatalf("unexpected events:\n%s\nwant:\n%s", got, want)
	}
}

// blockingGenerator holds every Generate call until release is closed.
type blockingGenerator struct {
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	delegated *dummy.Generator
}

func (g *blockingGenerator) Generate(ctx context.Context, modelName, prompt string) (model.Stream, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.delegated.Generate(ctx, modelName, prompt)
}

func TestHandleUpdate_BusyRejectsSecondMessage(t *testing.T) {
	delegated, _ := dummy.NewGenerator("msg:done")
	gen := &blockingGenerator{
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		delegated: delegated,
	}
	database := testEventDB(t)
	b, commander, store := newTestBot(t, gen)
	b.events = db.NewEventLog(database, nil)

	b.HandleUpdate(context.Background(), textUpdate(1, "/message m first"))
	select {
	case <-gen.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first exchange never reached the generator")
	}

	b.HandleUpdate(context.Background(), textUpdate(2, "/message m second"))
	if got := store.Get(2); got != "" {
		t.Fatalf("busy rejection must not touch the store, got %q", got)
	}
	if !gateHeld(b.gate) {
		t.Fatal("expected gate held by first exchange")
	}

	close(gen.release)
	b.Wait()

	var busy []dummy.SentMessage
	for _, s := range commander.Sent() {
		if s.Text == BusyNotice {
			busy = append(busy, s)
		}
	}
	if len(busy) != 1 || busy[0].ChatID != 2 {
		t.Fatalf("expected one busy notice to chat 2, got %+v", busy)
	}
	if got := store.Get(1); got != "USER: first\nASSISTANT: done\n" {
		t.Fatalf("unexpected buffer for chat 1: %q", got)
	}
	if gateHeld(b.gate) {
		t.Fatal("expected gate released after exchange")
	}

	types := eventTypes(t, database)
	found := false
	for _, et := range types {
		if et == db.EventExchangeRejected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s event, got %v", db.EventExchangeRejected, types)
	}
}

func TestExchange_BusyGateHeldElsewhere(t *testing.T) {
	gen, _ := dummy.NewGenerator("msg:never")
	gate := control.NewGate()
	commander, _ := dummy.NewCommander("ok", "ok")
	store := ctxpkg.NewStore(2048)
	b := New(Options{Commander: commander, Generator: gen, History: store, Gate: gate})

	release, _ := gate.TryAcquire()
	defer release()

	if runExchange(context.Background(), b, 3, "m", "hi") {
		t.Fatal("expected exchange to be rejected")
	}
	if store.Get(3) != "" || len(gen.Prompts()) != 0 {
		t.Fatal("rejected exchange must not touch the store or the model")
	}
	if sent := texts(commander.Sent()); len(sent) != 1 || sent[0] != BusyNotice {
		t.Fatalf("unexpected sent messages: %q", sent)
	}
}

func TestExchange_CancelReleasesGate(t *testing.T) {
	gen, _ := dummy.NewGenerator("hang")
	b, commander, store := newTestBot(t, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	runExchange(ctx, b, 1, "m", "hi")

	if gateHeld(b.gate) {
		t.Fatal("expected gate released after cancellation")
	}
	sent := texts(commander.Sent())
	if !strings.HasPrefix(sent[len(sent)-1], "⚠️ Failed to reach Ollama: ") {
		t.Fatalf("unexpected notice: %q", sent)
	}
	if got := store.Get(1); got != "USER: hi\n" {
		t.Fatalf("expected only the user turn, got %q", got)
	}
}

func TestHandleUpdate_Reset(t *testing.T) {
	gen, _ := dummy.NewGenerator("ok")
	b, commander, store := newTestBot(t, gen)
	store.Append(5, ctxpkg.RoleUser, "remember me")

	b.HandleUpdate(context.Background(), textUpdate(5, "/reset"))
	b.HandleUpdate(context.Background(), textUpdate(5, "/reset@ollabot"))

	if got := store.Get(5); got != "" {
		t.Fatalf("expected empty buffer, got %q", got)
	}
	sent := texts(commander.Sent())
	if len(sent) != 2 || sent[0] != ResetNotice || sent[1] != ResetNotice {
		t.Fatalf("unexpected replies: %q", sent)
	}
}

func TestHandleUpdate_IgnoresCommandsForOtherBots(t *testing.T) {
	gen, _ := dummy.NewGenerator("msg:hello")
	commander, _ := dummy.NewCommander("ok", "ok")
	store := ctxpkg.NewStore(2048)
	b := New(Options{Commander: commander, Generator: gen, History: store, BotUsername: "@OllaBot"})
	store.Append(4, ctxpkg.RoleUser, "keep me")

	b.HandleUpdate(context.Background(), textUpdate(4, "/message@someotherbot m hi"))
	b.HandleUpdate(context.Background(), textUpdate(4, "/reset@someotherbot"))
	b.Wait()
	if sent := commander.Sent(); len(sent) != 0 {
		t.Fatalf("expected no replies to another bot's commands, got %+v", sent)
	}
	if len(gen.Prompts()) != 0 || store.Get(4) != "USER: keep me\n" {
		t.Fatal("another bot's commands must not run here")
	}

	b.HandleUpdate(context.Background(), textUpdate(4, "/reset@ollabot"))
	b.HandleUpdate(context.Background(), textUpdate(4, "/message m hi"))
	b.Wait()
	if len(gen.Prompts()) != 1 {
		t.Fatalf("expected own and untargeted commands to run, got %d exchanges", len(gen.Prompts()))
	}
	if got := store.Get(4); got != "USER: hi\nASSISTANT: hello\n" {
		t.Fatalf("unexpected buffer: %q", got)
	}
}

func TestHandleUpdate_UsageAndIgnoredText(t *testing.T) {
	gen, _ := dummy.NewGenerator("ok")
	b, commander, store := newTestBot(t, gen)

	b.HandleUpdate(context.Background(), textUpdate(1, "just chatting"))
	b.HandleUpdate(context.Background(), textUpdate(1, "/unknown thing"))
	b.HandleUpdate(context.Background(), cmdpkg.Update{UpdateID: 2})
	if sent := commander.Sent(); len(sent) != 0 {
		t.Fatalf("expected no replies, got %+v", sent)
	}

	b.HandleUpdate(context.Background(), textUpdate(1, "/message llama3"))
	b.Wait()
	sent := texts(commander.Sent())
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "Usage:") || !strings.Contains(sent[0], "/message <model> <text>") {
		t.Fatalf("expected usage reply, got %q", sent)
	}
	if store.Get(1) != "" || len(gen.Prompts()) != 0 {
		t.Fatal("usage reply must not start an exchange")
	}
	if gateHeld(b.gate) {
		t.Fatal("usage reply must not hold the gate")
	}
}
