package daemon

import (
	"encoding/json"
	"os"
	"time"

	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/sessions"
)

// lastExit is the persisted crash marker.
type lastExit struct {
	ExitCode  int    `json:"exitCode"`
	Timestamp int64  `json:"timestamp"`
	Stderr    string `json:"stderr,omitempty"`
}

// interrupt-ish exit codes that do not count as crashes.
func cleanExit(code int) bool {
	switch code {
	case 0, 130, 143: // clean, SIGINT, SIGTERM
		return true
	}
	return false
}

// checkCrashMarker reads last_exit.json; a non-clean prior exit
// synthesizes a daemon_crashed event for the first allow-listed chat
// so the next heartbeat can tell the user. The marker is cleared
// either way.
func (d *Daemon) checkCrashMarker() {
	data, err := os.ReadFile(d.layout.LastExitFile())
	if err != nil {
		return
	}
	var marker lastExit
	if err := json.Unmarshal(data, &marker); err != nil {
		_ = os.Remove(d.layout.LastExitFile())
		return
	}

	if !cleanExit(marker.ExitCode) && len(d.cfg.Telegram.Allowlist) > 0 {
		stderr := marker.Stderr
		if len(stderr) > 500 {
			stderr = stderr[:500] + "…"
		}
		if _, err := d.events.Add(events.AddInput{
			ChatID: d.cfg.Telegram.Allowlist[0],
			Kind:   "daemon_crashed",
			Payload: map[string]any{
				"exit_code": marker.ExitCode,
				"stderr":    stderr,
				"crashed_at": time.UnixMilli(marker.Timestamp).
					Format(time.RFC3339),
			},
		}); err != nil {
			d.logger.Warn("crash event enqueue failed", "error", err)
		} else {
			d.logger.Info("synthesized crash event", "exit_code", marker.ExitCode)
		}
	}
	_ = os.Remove(d.layout.LastExitFile())
}

// writeExitMarker records how the daemon went down. Clean shutdowns
// write exit code 0; error exits write 1 with the error text so the
// next start can synthesize a daemon_crashed event. A hard kill writes
// nothing, which reads the same as a clean exit — best effort.
func (d *Daemon) writeExitMarker(runErr error) {
	marker := lastExit{ExitCode: 0, Timestamp: time.Now().UnixMilli()}
	if runErr != nil {
		marker.ExitCode = 1
		marker.Stderr = runErr.Error()
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return
	}
	if err := sessions.WriteFileAtomic(d.layout.LastExitFile(), data); err != nil {
		d.logger.Warn("exit marker write failed", "error", err)
	}
}
