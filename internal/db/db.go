package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Process-level events.
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// Exchange events.
const (
	EventExchangeStarted  = "exchange.started"
	EventExchangeRejected = "exchange.rejected_busy"
	EventPromptBuilt      = "prompt.built"
	EventStreamCompleted  = "stream.completed"
	EventReplySent        = "reply.sent"
	EventExchangeFailed   = "exchange.failed"
	EventExchangeEmpty    = "exchange.empty"
	EventContextReset     = "context.reset"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing event database without write access.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("event db %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog is the bot's audit trail. A nil *EventLog or one without a
// database accepts every call and records nothing. Write failures are
// logged, never returned: the audit trail must not break an exchange.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventLog wraps an initialized database. database may be nil.
func NewEventLog(database *sql.DB, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventLog{db: database, logger: logger}
}

// Log records an event under parent (0 for a root event) and returns its id,
// or 0 when nothing was recorded.
func (l *EventLog) Log(parent int64, eventType string, payload map[string]any) int64 {
	if l == nil || l.db == nil {
		return 0
	}
	var parentID *int64
	if parent > 0 {
		parentID = &parent
	}
	id, err := LogEvent(l.db, parentID, eventType, payload)
	if err != nil {
		l.logger.Warn("event_log_write_failed", "event_type", eventType, "error", err.Error())
		return 0
	}
	return id
}
