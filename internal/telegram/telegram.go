package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
)

// DefaultAPIBase is the public Bot API host.
const DefaultAPIBase = "https://api.telegram.org"

// MaxMessageChars is the Bot API limit for one sendMessage text, counted in
// UTF-16 code units.
const MaxMessageChars = 4096

// MaxChunkRunes is the largest rune count that always fits MaxMessageChars:
// a rune takes at most two UTF-16 code units.
const MaxChunkRunes = MaxMessageChars / 2

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// BotAPIBase joins the API host and bot token into a client base URL.
func BotAPIBase(host, token string) string {
	if host == "" {
		host = DefaultAPIBase
	}
	return strings.TrimRight(host, "/") + "/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// GetUpdates calls the getUpdates API. Only plain messages are requested.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram failed to create getUpdates request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram failed to read getUpdates response: %w", err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("telegram failed to parse getUpdates response: %w", err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok status=%d description=%s", resp.StatusCode, tgResp.Description)
	}

	var updates []Update
	if err := json.Unmarshal(tgResp.Result, &updates); err != nil {
		return nil, fmt.Errorf("telegram failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (cmdpkg.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return cmdpkg.User{}, fmt.Errorf("telegram failed to create getMe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cmdpkg.User{}, fmt.Errorf("telegram getMe request failed: %w", err)
	}
	defer resp.Body.Close()

	var tgResp Response
	if err := json.NewDecoder(resp.Body).Decode(&tgResp); err != nil {
		return cmdpkg.User{}, fmt.Errorf("telegram failed to parse getMe response: %w", err)
	}
	if !tgResp.OK {
		return cmdpkg.User{}, fmt.Errorf("telegram getMe not ok status=%d description=%s", resp.StatusCode, tgResp.Description)
	}
	var me cmdpkg.User
	if err := json.Unmarshal(tgResp.Result, &me); err != nil {
		return cmdpkg.User{}, fmt.Errorf("telegram failed to parse getMe result: %w", err)
	}
	return me, nil
}

// SendMessage sends a text message to the given chat. Text beyond the
// platform limit is cut; callers split long replies beforehand.
func (c *Client) SendMessage(chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: truncate(text, MaxMessageChars)})
	if err != nil {
		return fmt.Errorf("telegram failed to marshal sendMessage: %w", err)
	}

	resp, err := c.httpClient.Post(c.apiBase+"/sendMessage", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram sendMessage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		var tgResp Response
		_ = json.Unmarshal(body, &tgResp)
		return fmt.Errorf("telegram sendMessage status=%d description=%s", resp.StatusCode, tgResp.Description)
	}
	return nil
}

// truncate cuts s to at most maxUnits UTF-16 code units without splitting
// a surrogate pair.
func truncate(s string, maxUnits int) string {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > maxUnits {
			return s[:i]
		}
		units += n
	}
	return s
}
