package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubBinary writes an executable shell script that prints the given
// stdout and exits 0.
func stubBinary(t *testing.T, stdout string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub")
	script := "#!/bin/sh\ncat <<'STREAM'\n" + stdout + "\nSTREAM\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestClaudeEngine_ParsesStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"world"}]}}`,
		`{"type":"result","result":"Hello world","session_id":"sess-1"}`,
	}, "\n")

	e := &ClaudeEngine{Binary: stubBinary(t, stream)}

	var deltas []string
	res, err := e.Run(context.Background(), Request{
		Prompt:  "hi",
		OnDelta: func(s string) { deltas = append(deltas, s) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "Hello world" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.SessionToken != "sess-1" {
		t.Errorf("SessionToken = %q", res.SessionToken)
	}
	if strings.Join(deltas, "") != "Hello world" {
		t.Errorf("deltas = %v", deltas)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("actions = %+v", res.Actions)
	}
	if a := res.Actions[0]; a.Type != ActionBash || a.Detail != "ls -la" {
		t.Errorf("action = %+v", a)
	}
}

func TestClaudeEngine_MalformedLinesSkipped(t *testing.T) {
	stream := strings.Join([]string{
		`not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}`,
	}, "\n")

	e := &ClaudeEngine{Binary: stubBinary(t, stream)}
	res, err := e.Run(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "ok" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
}

func TestClaudeEngine_FailureSurfacesStderr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho bad credentials >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	e := &ClaudeEngine{Binary: path}
	_, err := e.Run(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("error = %v", err)
	}
}

func TestToolActionClassification(t *testing.T) {
	tests := []struct {
		name   string
		input  map[string]any
		typ    string
		detail string
	}{
		{"Bash", map[string]any{"command": "go vet"}, ActionBash, "go vet"},
		{"Read", map[string]any{"file_path": "/tmp/a"}, ActionRead, "/tmp/a"},
		{"Write", map[string]any{"file_path": "/tmp/b"}, ActionWrite, "/tmp/b"},
		{"Edit", map[string]any{"file_path": "/tmp/c"}, ActionEdit, "/tmp/c"},
		{"WebSearch", map[string]any{"query": "x"}, ActionTool, `{"query":"x"}`},
	}
	for _, tt := range tests {
		a := toolAction(tt.name, tt.input)
		if a.Type != tt.typ {
			t.Errorf("%s: type = %s, want %s", tt.name, a.Type, tt.typ)
		}
		if a.Detail != tt.detail {
			t.Errorf("%s: detail = %q, want %q", tt.name, a.Detail, tt.detail)
		}
	}
}

func TestPromptWithImages(t *testing.T) {
	got := promptWithImages("look at this", []string{"/tmp/img.jpg"})
	if !strings.Contains(got, "look at this") || !strings.Contains(got, "/tmp/img.jpg") {
		t.Errorf("prompt = %q", got)
	}
	if promptWithImages("plain", nil) != "plain" {
		t.Error("image-less prompt altered")
	}
}
