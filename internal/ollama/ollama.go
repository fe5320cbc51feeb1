package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stupiduntilnot/ollabot/internal/model"
)

// DefaultURL is the generate endpoint of a local Ollama server.
const DefaultURL = "http://localhost:11434/api/generate"

const maxLineBytes = 1 << 20

// Client is a minimal streaming client for Ollama's /api/generate.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an Ollama client. A zero timeout means the stream may run
// indefinitely; otherwise the whole exchange, body included, is bounded.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// StatusError reports a response status other than 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama non-success status=%d body=%s", e.StatusCode, e.Body)
}

// TransportError reports a connection-level failure: the request could not be
// sent, or the response body broke off mid-stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ollama request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Generate issues one streaming generate request. The returned stream must be
// closed by the caller.
func (c *Client) Generate(ctx context.Context, modelName, prompt string) (model.Stream, error) {
	payload, err := json.Marshal(generateRequest{Model: modelName, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	c.logger.Debug("ollama_post", "status", resp.StatusCode, "model", modelName)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 400)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
		logger:  c.logger,
	}, nil
}

// Stream reads newline-delimited JSON objects and yields their "response"
// strings. Blank lines are ignored; lines that are not JSON objects are
// skipped and counted.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  *slog.Logger

	fragment string
	err      error
	skipped  int
	done     bool
	closed   bool
}

// Next advances to the next fragment. It returns false at end of stream or
// on a transport error, which Err then reports.
func (s *Stream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed gjson.Result
		if gjson.ValidBytes(line) {
			parsed = gjson.ParseBytes(line)
		}
		if !parsed.IsObject() {
			s.skipped++
			s.logger.Debug("ollama_fragment_skipped", "line", truncate(string(line), 200))
			continue
		}
		if msg := parsed.Get("error"); msg.Exists() {
			s.logger.Warn("ollama_stream_error", "error", msg.String())
		}
		s.fragment = ""
		if r := parsed.Get("response"); r.Type == gjson.String {
			s.fragment = r.Str
		}
		if parsed.Get("done").Bool() {
			s.done = true
		}
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = &TransportError{Err: err}
	}
	return false
}

// Fragment returns the text produced by the last successful Next.
func (s *Stream) Fragment() string {
	return s.fragment
}

// Err returns the transport error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Skipped returns the number of malformed lines dropped so far.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Done reports whether the server has sent its final "done" object.
func (s *Stream) Done() bool {
	return s.done
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	s.cancel()
	return err
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
