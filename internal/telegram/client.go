package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bobd/bob/internal/httpkit"
)

// DefaultBaseURL is the production Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// LongPollTimeout is the getUpdates long-poll window.
const LongPollTimeout = 30 * time.Second

// ErrNotModified marks an editMessageText call whose content matched
// what the chat already shows. Callers swallow it.
var ErrNotModified = errors.New("message is not modified")

// APIError is a Bot API-level failure (ok=false).
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client talks to the Bot API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewClient creates a Bot API client. The HTTP client carries no
// overall timeout — getUpdates long-polls — so every call must pass a
// bounded context.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    httpkit.NewClient(httpkit.WithTimeout(0)),
		baseURL: DefaultBaseURL,
		token:   token,
		logger:  logger,
	}
}

// WithBaseURL overrides the API endpoint (tests).
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// call POSTs a JSON body to a Bot API method and decodes the result
// into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}
		rd = bytes.NewReader(b)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return fmt.Errorf("telegram %s: read: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !parsed.OK {
		apiErr := &APIError{Method: method, Code: parsed.ErrorCode, Description: parsed.Description}
		if strings.Contains(strings.ToLower(parsed.Description), "message is not modified") {
			return fmt.Errorf("%w: %s", ErrNotModified, apiErr)
		}
		return apiErr
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetMe fetches the bot identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for new updates and returns them together with
// the next offset to persist.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, int64, error) {
	secs := int(LongPollTimeout.Seconds())
	body := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message", "edited_message", "callback_query"},
	}
	if offset > 0 {
		body["offset"] = offset
	}

	ctx, cancel := context.WithTimeout(ctx, LongPollTimeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// SendOptions carries the optional sendMessage fields.
type SendOptions struct {
	ThreadID       int64
	ReplyTo        int64
	Entities       []Entity
	ReplyMarkup    any
	DisablePreview bool
}

type sendMessageRequest struct {
	ChatID                int64    `json:"chat_id"`
	Text                  string   `json:"text"`
	MessageThreadID       int64    `json:"message_thread_id,omitempty"`
	ReplyToMessageID      int64    `json:"reply_to_message_id,omitempty"`
	Entities              []Entity `json:"entities,omitempty"`
	ReplyMarkup           any      `json:"reply_markup,omitempty"`
	DisableWebPagePreview bool     `json:"disable_web_page_preview,omitempty"`
}

// SendMessage delivers text. Pre-computed entities override any parse
// mode; when the API rejects the entity spans ("can't parse entities")
// the send is retried once as plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		MessageThreadID:       opts.ThreadID,
		ReplyToMessageID:      opts.ReplyTo,
		Entities:              opts.Entities,
		ReplyMarkup:           opts.ReplyMarkup,
		DisableWebPagePreview: opts.DisablePreview,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var msg Message
	err := c.call(ctx, "sendMessage", req, &msg)
	if err != nil && len(req.Entities) > 0 && isEntityError(err) {
		c.logger.Debug("telegram: entity rejection, retrying without entities", "error", err)
		req.Entities = nil
		err = c.call(ctx, "sendMessage", req, &msg)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

type editMessageRequest struct {
	ChatID    int64    `json:"chat_id"`
	MessageID int64    `json:"message_id"`
	Text      string   `json:"text"`
	Entities  []Entity `json:"entities,omitempty"`
}

// EditMessageText replaces a sent message's text. Returns
// ErrNotModified (wrapped) when the content is already current.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, entities []Entity) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	req := editMessageRequest{ChatID: chatID, MessageID: messageID, Text: text, Entities: entities}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.call(ctx, "editMessageText", req, nil)
	if err != nil && len(req.Entities) > 0 && isEntityError(err) {
		req.Entities = nil
		err = c.call(ctx, "editMessageText", req, nil)
	}
	return err
}

// EditMessageReplyMarkup swaps a message's inline keyboard.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, markup any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.call(ctx, "editMessageReplyMarkup", map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": markup,
	}, nil)
}

// SendChatAction pings a chat action ("typing").
func (c *Client) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	body := map[string]any{"chat_id": chatID, "action": action}
	if threadID != 0 {
		body["message_thread_id"] = threadID
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.call(ctx, "sendChatAction", body, nil)
}

// SetMessageReaction reacts to a message with a single emoji.
func (c *Client) SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   []ReactionEmoji{{Type: "emoji", Emoji: emoji}},
	}, nil)
}

// AnswerCallbackQuery acknowledges an inline-keyboard press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	body := map[string]any{"callback_query_id": id}
	if text != "" {
		body["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", body, nil)
}

// SetMyCommands registers the bot's command list.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// GetFile resolves a file id to a download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DownloadFile fetches a file's bytes via the file-download URL.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download: http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// isEntityError matches the API's entity-parse rejections.
func isEntityError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	return strings.Contains(desc, "parse entities") || strings.Contains(desc, "entity")
}
