package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bobd/bob/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicEngine calls the Anthropic Messages API directly with SSE
// streaming. It is stateless — no resume token — so every turn carries
// its own context in the prompt.
type AnthropicEngine struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicEngine creates the API engine.
func NewAnthropicEngine(apiKey, model string, logger *slog.Logger) *AnthropicEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	// LLM responses can take significant time before sending headers
	// (thinking, long prompts). Use a custom transport with a generous
	// response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return &AnthropicEngine{
		apiKey: apiKey,
		model:  model,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		logger: logger,
	}
}

// ID implements Engine.
func (e *AnthropicEngine) ID() string { return "api" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

// Run implements Engine.
func (e *AnthropicEngine) Run(ctx context.Context, req Request) (*Result, error) {
	prompt := promptWithImages(req.Prompt, req.Images)
	body := anthropicRequest{
		Model:     e.model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	text, err := e.consumeStream(resp.Body, req.OnDelta)
	if err != nil {
		return nil, err
	}
	return &Result{FinalText: strings.TrimSpace(text)}, nil
}

func (e *AnthropicEngine) consumeStream(body io.Reader, onDelta func(string)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}
		if event.Type == "content_block_delta" && event.Delta != nil && event.Delta.Type == "text_delta" {
			content.WriteString(event.Delta.Text)
			if onDelta != nil {
				onDelta(event.Delta.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return content.String(), nil
}
