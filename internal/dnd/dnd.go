// Package dnd implements the do-not-disturb gate: a scheduled daily
// window (with overnight wrap) in the user's time zone, plus an ad-hoc
// override persisted to disk. The scheduler consults it before any
// user-visible job runs; non-urgent work is pushed to the window's end.
package dnd

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/bobd/bob/internal/sessions"
)

// Reason constants for an active verdict.
const (
	// ReasonAdhoc means an explicit "do not disturb until" override.
	ReasonAdhoc = "adhoc"
	// ReasonScheduled means the daily window is active.
	ReasonScheduled = "scheduled"
)

// Status is the result of an IsActive check.
type Status struct {
	Active bool
	Reason string
	// EndsAt is when the gate opens again. Zero when inactive.
	EndsAt time.Time
}

// Window is the scheduled daily quiet period, in minutes after
// midnight wall-clock. Start > End means the window wraps past
// midnight (e.g. 22:00–08:00).
type Window struct {
	Enabled bool
	Start   int
	End     int
}

// adhocState is the persisted override shape ({adhoc: null} when clear).
type adhocState struct {
	Adhoc *Adhoc `json:"adhoc"`
}

// Adhoc is an explicit override.
type Adhoc struct {
	// Until is epoch milliseconds.
	Until  int64  `json:"until"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates DND state. Safe for concurrent use.
type Engine struct {
	window   Window
	location *time.Location
	path     string

	mu sync.Mutex
}

// New creates an engine. location must not be nil; path is the ad-hoc
// state file (dnd-state.json).
func New(window Window, location *time.Location, path string) *Engine {
	if location == nil {
		location = time.Local
	}
	return &Engine{window: window, location: location, path: path}
}

// IsActive evaluates the gate at the given instant. The ad-hoc
// override wins over the scheduled window; an expired override is
// cleared lazily on read.
func (e *Engine) IsActive(now time.Time) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if adhoc := e.readAdhoc(); adhoc != nil {
		until := time.UnixMilli(adhoc.Until)
		if until.After(now) {
			return Status{Active: true, Reason: ReasonAdhoc, EndsAt: until}
		}
		e.clearAdhoc()
	}

	if !e.window.Enabled {
		return Status{}
	}

	local := now.In(e.location)
	m := local.Hour()*60 + local.Minute()
	start, end := e.window.Start, e.window.End

	var active bool
	if start <= end {
		active = m >= start && m < end
	} else {
		// Overnight wrap: 22:00–08:00 is active late evening OR early morning.
		active = m >= start || m < end
	}
	if !active {
		return Status{}
	}

	return Status{Active: true, Reason: ReasonScheduled, EndsAt: e.nextEnd(local)}
}

// SetAdhoc persists an override lasting d from now.
func (e *Engine) SetAdhoc(d time.Duration, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeAdhoc(&Adhoc{
		Until:  time.Now().Add(d).UnixMilli(),
		Reason: reason,
	})
}

// ClearAdhoc removes the override.
func (e *Engine) ClearAdhoc() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeAdhoc(nil)
}

// nextEnd returns the next wall-clock occurrence of the window's end
// in the configured zone after now. time.Date normalizes through DST
// transitions, so a 02:30 end on a spring-forward day lands on the
// zone's actual next 02:30-or-later instant.
func (e *Engine) nextEnd(now time.Time) time.Time {
	endH, endM := e.window.End/60, e.window.End%60
	end := time.Date(now.Year(), now.Month(), now.Day(), endH, endM, 0, 0, e.location)
	if !end.After(now) {
		end = time.Date(now.Year(), now.Month(), now.Day()+1, endH, endM, 0, 0, e.location)
	}
	return end
}

// readAdhoc loads the override from disk. Caller holds e.mu. A missing
// or malformed file reads as "no override".
func (e *Engine) readAdhoc() *Adhoc {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil
	}
	var st adhocState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return st.Adhoc
}

func (e *Engine) clearAdhoc() {
	_ = e.writeAdhoc(nil)
}

// writeAdhoc persists the override via temp file + rename. Caller
// holds e.mu.
func (e *Engine) writeAdhoc(a *Adhoc) error {
	data, err := json.Marshal(adhocState{Adhoc: a})
	if err != nil {
		return err
	}
	return sessions.WriteFileAtomic(e.path, data)
}
