package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// memoryInjection loads the user's standing memory files for prompt
// context. Missing files are simply absent.
func (d *Daemon) memoryInjection() string {
	var b strings.Builder
	for _, name := range []string{"USER.md", "MEMORY.md"} {
		data, err := os.ReadFile(filepath.Join(d.layout.MemoryDir(), name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", name, text)
	}
	return b.String()
}

// appendConversation mirrors a turn into the daily conversation file
// (memory/conversations/YYYY/MM-DD-<engine>.md). Failures are logged,
// never fatal — the file is a convenience record.
func (d *Daemon) appendConversation(engineID, role, text string) {
	now := time.Now()
	path := d.layout.ConversationFile(now.Format("2006"), now.Format("01-02"), engineID)
	if err := appendMarkdown(path, fmt.Sprintf("**%s** (%s):\n\n%s\n", role, now.Format("15:04"), text)); err != nil {
		d.logger.Warn("conversation file append failed", "path", path, "error", err)
	}
}

// appendJournal adds a scheduled-job note to the daily journal file.
func (d *Daemon) appendJournal(text string) {
	now := time.Now()
	path := d.layout.JournalFile(now.Format("2006"), now.Format("01-02"))
	if err := appendMarkdown(path, fmt.Sprintf("- %s %s\n", now.Format("15:04"), text)); err != nil {
		d.logger.Warn("journal append failed", "path", path, "error", err)
	}
}

func appendMarkdown(path, entry string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(entry + "\n")
	return err
}
