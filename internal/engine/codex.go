package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CodexEngine drives the codex CLI in exec mode with JSON event
// output. Thread ids become resume tokens.
type CodexEngine struct {
	// Binary is the executable name or path (default "codex").
	Binary string
	// Yolo passes --dangerously-bypass-approvals-and-sandbox.
	Yolo   bool
	Logger *slog.Logger
}

// ID implements Engine.
func (e *CodexEngine) ID() string { return "codex" }

// Run implements Engine.
func (e *CodexEngine) Run(ctx context.Context, req Request) (*Result, error) {
	binary := e.Binary
	if binary == "" {
		binary = "codex"
	}

	args := []string{"exec", "--json"}
	if e.Yolo {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	if req.ResumeToken != "" {
		args = append(args, "resume", req.ResumeToken)
	}
	args = append(args, promptWithImages(req.Prompt, req.Images))

	cmd := exec.CommandContext(ctx, binary, args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	result := &Result{}
	var finalText strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		if ev.ThreadID != "" {
			result.SessionToken = ev.ThreadID
		}

		item := ev.Item
		if item == nil && ev.Msg != nil {
			item = ev.Msg
		}
		if item == nil {
			continue
		}

		switch item.Type {
		case "agent_message", "agent_message_delta":
			text := item.Text
			if text == "" {
				text = item.Message
			}
			if text == "" {
				continue
			}
			if item.Type == "agent_message" {
				finalText.Reset()
			}
			finalText.WriteString(text)
			if req.OnDelta != nil {
				req.OnDelta(text)
			}

		case "command_execution", "exec_command_begin":
			result.Actions = append(result.Actions, Action{
				Type:   ActionBash,
				Name:   "command",
				Detail: truncate(item.Command, 200),
			})

		case "file_change", "patch_apply_begin":
			result.Actions = append(result.Actions, Action{
				Type:   ActionEdit,
				Name:   "patch",
				Detail: truncate(item.Path, 200),
			})

		case "mcp_tool_call":
			result.Actions = append(result.Actions, Action{
				Type: ActionTool,
				Name: item.Tool,
			})
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", binary, err, truncate(stderr.String(), 512))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read %s stream: %w", binary, scanErr)
	}

	result.FinalText = strings.TrimSpace(finalText.String())
	return result, nil
}

// codexEvent tolerates both the item-based and msg-based wire shapes
// the CLI has shipped.
type codexEvent struct {
	Type     string     `json:"type,omitempty"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *codexItem `json:"item,omitempty"`
	Msg      *codexItem `json:"msg,omitempty"`
}

type codexItem struct {
	Type    string `json:"type,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Tool    string `json:"tool,omitempty"`
}
