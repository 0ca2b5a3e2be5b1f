// Package scheduler hosts the daemon's single logical worker: a
// long-lived loop that drains due jobs and pending events, sleeping
// adaptively between ticks and waking early on signals from peer
// processes, a file-change hint on the jobs database, or in-process
// bus traffic.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bobd/bob/internal/bus"
	"github.com/bobd/bob/internal/dnd"
	"github.com/bobd/bob/internal/events"
	"github.com/bobd/bob/internal/jobs"
	"github.com/bobd/bob/internal/schedule"
)

// Config tunes the loop.
type Config struct {
	// MaxSleep caps the adaptive sleep between ticks.
	MaxSleep time.Duration
	// Debounce collapses wakeup bursts (batch CLI writes).
	Debounce time.Duration
	// ClaimLimit bounds each ClaimDue batch.
	ClaimLimit int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxSleep:   60 * time.Second,
		Debounce:   200 * time.Millisecond,
		ClaimLimit: 10,
	}
}

// Loop is the scheduler worker. Exactly one tick body executes at a
// time; wake triggers while a tick runs collapse into one follow-up
// tick.
type Loop struct {
	logger    *slog.Logger
	jobStore  *jobs.Store
	evStore   *events.Store
	dndEngine *dnd.Engine
	executor  Executor
	heartbeat *Heartbeat
	signals   *bus.Bus
	cfg       Config

	jobsDBPath string
	pidPath    string

	mu      sync.Mutex
	running bool
	stopped bool

	wakeCh chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New creates a loop. heartbeat and dndEngine may be nil.
func New(logger *slog.Logger, jobStore *jobs.Store, evStore *events.Store, dndEngine *dnd.Engine, executor Executor, heartbeat *Heartbeat, signals *bus.Bus, jobsDBPath, pidPath string, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultConfig().MaxSleep
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultConfig().ClaimLimit
	}
	return &Loop{
		logger:     logger,
		jobStore:   jobStore,
		evStore:    evStore,
		dndEngine:  dndEngine,
		executor:   executor,
		heartbeat:  heartbeat,
		signals:    signals,
		cfg:        cfg,
		jobsDBPath: jobsDBPath,
		pidPath:    pidPath,
		wakeCh:     make(chan struct{}, 1),
	}
}

// Run drives the loop until ctx is cancelled. In-flight jobs finish;
// the watcher and timers are closed and the PID file removed on the
// way out.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	l.running = true
	l.mu.Unlock()

	if err := l.writePIDFile(); err != nil {
		// Best-effort: CLI wakeups degrade to the file-watch hint.
		l.logger.Warn("scheduler: pid file write failed", "path", l.pidPath, "error", err)
	}
	defer os.Remove(l.pidPath)

	// SIGUSR1 from peer CLI processes after add/event.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	// File-change hint on the jobs database. Best-effort: SQLite
	// writes from CLI processes touch the file even when signalling
	// fails.
	var watchEvents chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(l.jobsDBPath); werr != nil {
			l.logger.Debug("scheduler: jobs db watch unavailable", "error", werr)
		}
		watchEvents = make(chan fsnotify.Event, 4)
		go func() {
			for ev := range watcher.Events {
				select {
				case watchEvents <- ev:
				default:
				}
			}
		}()
		defer watcher.Close()
	}

	var busCh <-chan bus.Signal
	if l.signals != nil {
		busCh = l.signals.Subscribe(16)
		defer l.signals.Unsubscribe(busCh)
	}

	l.logger.Info("scheduler started", "pid", os.Getpid())

	for {
		l.tick(ctx)

		sleep := l.nextSleep()
		timer := time.NewTimer(sleep)

	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				l.mu.Lock()
				l.stopped = true
				l.mu.Unlock()
				l.logger.Info("scheduler stopped")
				return nil

			case <-timer.C:
				break wait

			case <-sigCh:
				l.triggerWake("signal")

			case ev := <-watchEvents:
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					l.triggerWake("file")
				}

			case sig := <-busCh:
				if sig.Kind == bus.KindWake || sig.Kind == bus.KindEventEnqueued {
					l.triggerWake(sig.Source)
				}

			case <-l.wakeCh:
				timer.Stop()
				break wait
			}
		}
	}
}

// tick drains the heartbeat and every due job once.
func (l *Loop) tick(ctx context.Context) {
	if l.heartbeat != nil {
		if err := l.heartbeat.RunOnce(ctx); err != nil {
			l.logger.Error("heartbeat failed", "error", err)
		}
	}

	ran := map[int64]bool{}
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := l.jobStore.ClaimDue(jobs.ClaimOptions{Now: time.Now(), Limit: l.cfg.ClaimLimit})
		if err != nil {
			l.logger.Error("claim due jobs failed", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		fresh := false
		for _, job := range claimed {
			if ran[job.ID] {
				// Failed earlier this tick: hand it back for the next tick.
				if werr := l.jobStore.UpdateAfterRun(jobs.UpdateAfterRunInput{
					ID: job.ID, LastRunAt: job.LastRunAt, NextRunAt: job.NextRunAt, Enabled: true,
				}); werr != nil {
					l.logger.Error("retry writeback failed", "job", job.ID, "error", werr)
				}
				continue
			}
			ran[job.ID] = true
			fresh = true
			l.runJob(ctx, job)
		}
		if !fresh {
			return
		}
	}
}

// runJob applies the DND gate, executes, and writes the job's next
// state back. A failing run does not advance the next-run pointer, so
// the next tick retries.
func (l *Loop) runJob(ctx context.Context, job *jobs.Job) {
	now := time.Now()

	if status := l.deferFor(job, now); status != nil {
		l.logger.Info("job deferred by dnd",
			"job", job.ID, "reason", status.Reason, "until", status.EndsAt)
		endsAt := status.EndsAt
		if err := l.jobStore.UpdateAfterRun(jobs.UpdateAfterRunInput{
			ID:        job.ID,
			LastRunAt: job.LastRunAt,
			NextRunAt: &endsAt,
			Enabled:   true,
		}); err != nil {
			l.logger.Error("defer writeback failed", "job", job.ID, "error", err)
		}
		l.signals.Publish(bus.Signal{
			Source: bus.SourceScheduler,
			Kind:   bus.KindJobDeferred,
			Data:   map[string]any{"job_id": job.ID, "until": endsAt},
		})
		return
	}

	l.signals.Publish(bus.Signal{
		Source: bus.SourceScheduler,
		Kind:   bus.KindJobFired,
		Data:   map[string]any{"job_id": job.ID, "job_type": string(job.JobType)},
	})

	start := time.Now()
	err := l.executor.Execute(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Error("job execution failed",
			"job", job.ID, "type", job.JobType, "error", err, "duration", elapsed)
		// Keep the prior schedule so the next tick retries. One-shot
		// jobs were flipped off inside the claim and must come back.
		if werr := l.jobStore.UpdateAfterRun(jobs.UpdateAfterRunInput{
			ID:        job.ID,
			LastRunAt: job.LastRunAt,
			NextRunAt: job.NextRunAt,
			Enabled:   true,
		}); werr != nil {
			l.logger.Error("failure writeback failed", "job", job.ID, "error", werr)
		}
		l.publishJobComplete(job, false, elapsed)
		return
	}

	update := jobs.UpdateAfterRunInput{ID: job.ID, LastRunAt: &now}
	if job.ScheduleKind == schedule.KindAt {
		update.Enabled = false
	} else {
		next, nerr := schedule.NextRun(job.ScheduleKind, job.ScheduleSpec, now)
		if nerr != nil {
			l.logger.Error("next run computation failed", "job", job.ID, "error", nerr)
			update.Enabled = false
		} else {
			update.NextRunAt = &next
			update.Enabled = true
		}
	}
	if werr := l.jobStore.UpdateAfterRun(update); werr != nil {
		l.logger.Error("writeback failed", "job", job.ID, "error", werr)
	}
	l.publishJobComplete(job, true, elapsed)
}

// deferFor returns the DND status when the job must wait, nil when it
// may run. Only user-visible job types are gated, and an urgent
// payload flag overrides the gate.
func (l *Loop) deferFor(job *jobs.Job, now time.Time) *dnd.Status {
	if l.dndEngine == nil || job.IsSystem() || job.JobType == jobs.TypeScript {
		return nil
	}
	if job.PayloadBool("urgent") {
		return nil
	}
	status := l.dndEngine.IsActive(now)
	if !status.Active {
		return nil
	}
	return &status
}

func (l *Loop) publishJobComplete(job *jobs.Job, ok bool, elapsed time.Duration) {
	l.signals.Publish(bus.Signal{
		Source: bus.SourceScheduler,
		Kind:   bus.KindJobComplete,
		Data: map[string]any{
			"job_id":      job.ID,
			"job_type":    string(job.JobType),
			"ok":          ok,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

// nextSleep computes the adaptive sleep: the gap to the next due job,
// capped at MaxSleep, with a debounce-sized floor when events are
// still pending so the next tick comes around immediately.
func (l *Loop) nextSleep() time.Duration {
	sleep := l.cfg.MaxSleep

	if next, err := l.jobStore.NextRunAt(); err == nil && next != nil {
		until := time.Until(*next)
		if until < 0 {
			until = 0
		}
		if until < sleep {
			sleep = until
		}
	}

	if pending, err := l.evStore.CountPending(time.Now(), 0); err == nil && pending > 0 {
		if l.cfg.Debounce < sleep {
			sleep = l.cfg.Debounce
		}
	}
	return sleep
}

// triggerWake debounces a wake trigger into one wakeCh send. Three
// independent trigger sources (signal, file hint, bus) share this
// gate.
func (l *Loop) triggerWake(reason string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()
	if l.debounceTimer != nil {
		return
	}
	l.debounceTimer = time.AfterFunc(l.cfg.Debounce, func() {
		l.debounceMu.Lock()
		l.debounceTimer = nil
		l.debounceMu.Unlock()
		select {
		case l.wakeCh <- struct{}{}:
		default:
		}
	})
	l.logger.Debug("scheduler wake", "reason", reason)
}

// writePIDFile records the scheduler's PID so peer CLI processes can
// signal it.
func (l *Loop) writePIDFile() error {
	return os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// SignalRunning sends SIGUSR1 to the PID recorded in pidPath.
// Best-effort: a missing or stale file is not an error for callers.
func SignalRunning(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGUSR1) == nil
}
