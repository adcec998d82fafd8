// Package sched fires the recurring jobs: daily subscriber summaries,
// the daily channel broadcast and the periodic stat cache warm. One
// goroutine owns the timeline; jobs run in their own goroutines but a
// per-job mutex keeps a slow run from overlapping the next fire.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
)

// Bot carries summaries onto the mesh.
type Bot interface {
	SendDM(to mesh.NodeID, text string)
	Broadcast(text string)
}

// Stats computes the summaries.
type Stats interface {
	DayStat(ctx context.Context, day time.Time) (stats.DayStat, error)
	Today(ctx context.Context) (stats.DayStat, error)
	Warm(ctx context.Context) error
}

// Subs enumerates subscribers and renders their variant.
type Subs interface {
	List(ctx context.Context, variant string) ([]store.Subscription, error)
	Format(variant string, day stats.DayStat) string
}

// Config sets the fire times. Hours and minutes are UTC.
type Config struct {
	DMHour   int
	DMMinute int

	BroadcastEnabled bool
	BroadcastHour    int
	BroadcastMinute  int

	WarmInterval time.Duration

	// BroadcastAttempts and BroadcastRetryDelay shape the broadcast
	// retry loop.
	BroadcastAttempts   int
	BroadcastRetryDelay time.Duration
}

// DefaultConfig matches the documented defaults: DMs at 09:00 UTC,
// broadcast disabled (09:05 when on), cache warm every minute.
func DefaultConfig() Config {
	return Config{
		DMHour:              9,
		DMMinute:            0,
		BroadcastHour:       9,
		BroadcastMinute:     5,
		WarmInterval:        time.Minute,
		BroadcastAttempts:   3,
		BroadcastRetryDelay: 10 * time.Second,
	}
}

// JobStatus is one job's record for the health endpoint.
type JobStatus struct {
	Name      string     `json:"name"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	LastError string     `json:"last_error,omitempty"`
}

// job is one recurring unit of work. next computes the fire after the
// given instant; run does the work.
type job struct {
	name string
	next func(after time.Time) time.Time
	run  func(ctx context.Context) error

	mu       sync.Mutex // held while running
	statusMu sync.Mutex
	status   JobStatus
}

func (j *job) setNext(t time.Time) {
	j.statusMu.Lock()
	j.status.NextRun = t
	j.statusMu.Unlock()
}

func (j *job) record(ran time.Time, err error) {
	j.statusMu.Lock()
	defer j.statusMu.Unlock()
	t := ran
	j.status.LastRun = &t
	if err != nil {
		j.status.LastError = err.Error()
	} else {
		j.status.LastError = ""
	}
}

// Scheduler drives the jobs on an injected clock.
type Scheduler struct {
	l     log.Logger
	clock clock.Clock
	bot   Bot
	stats Stats
	subs  Subs
	cfg   Config

	jobs []*job
	wg   sync.WaitGroup
}

func New(l log.Logger, c clock.Clock, bot Bot, eng Stats, subs Subs, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.WarmInterval <= 0 {
		cfg.WarmInterval = def.WarmInterval
	}
	if cfg.BroadcastAttempts <= 0 {
		cfg.BroadcastAttempts = def.BroadcastAttempts
	}
	if cfg.BroadcastRetryDelay <= 0 {
		cfg.BroadcastRetryDelay = def.BroadcastRetryDelay
	}

	s := &Scheduler{
		l:     l.Named("sched"),
		clock: c,
		bot:   bot,
		stats: eng,
		subs:  subs,
		cfg:   cfg,
	}

	s.jobs = append(s.jobs, &job{
		name:   "daily_dms",
		status: JobStatus{Name: "daily_dms"},
		next:   dailyAt(cfg.DMHour, cfg.DMMinute),
		run:    s.runDailyDMs,
	})
	if cfg.BroadcastEnabled {
		s.jobs = append(s.jobs, &job{
			name:   "daily_broadcast",
			status: JobStatus{Name: "daily_broadcast"},
			next:   dailyAt(cfg.BroadcastHour, cfg.BroadcastMinute),
			run:    s.runDailyBroadcast,
		})
	}
	s.jobs = append(s.jobs, &job{
		name:   "cache_warm",
		status: JobStatus{Name: "cache_warm"},
		next:   every(cfg.WarmInterval),
		run:    s.stats.Warm,
	})

	return s
}

// dailyAt returns the next hh:mm UTC strictly after the given instant.
func dailyAt(hour, minute int) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		after = after.UTC()
		fire := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !fire.After(after) {
			fire = fire.Add(24 * time.Hour)
		}
		return fire
	}
}

func every(d time.Duration) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		return after.Add(d)
	}
}

// Run ticks the timeline at one second resolution until the context is
// cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now()
	for _, j := range s.jobs {
		j.setNext(j.next(now))
		s.l.Infow("job scheduled", "job", j.name, "next", j.status.NextRun)
	}

	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.Chan():
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	for _, j := range s.jobs {
		j.statusMu.Lock()
		due := !j.status.NextRun.After(now)
		j.statusMu.Unlock()
		if !due {
			continue
		}
		j.setNext(j.next(now))
		s.launch(ctx, j, now)
	}
}

// launch runs one job in its own goroutine. The per-job mutex makes an
// instance that outlives its interval skip the next fire instead of
// stacking.
func (s *Scheduler) launch(ctx context.Context, j *job, fired time.Time) {
	if !j.mu.TryLock() {
		s.l.Warnw("job still running, skipping fire", "job", j.name)
		metrics.SchedulerJobRuns.WithLabelValues(j.name, "skipped").Inc()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.mu.Unlock()

		err := j.run(ctx)
		j.record(fired, err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.l.Errorw("job failed", "job", j.name, "err", err)
			metrics.SchedulerJobRuns.WithLabelValues(j.name, "error").Inc()
			return
		}
		s.l.Debugw("job done", "job", j.name)
		metrics.SchedulerJobRuns.WithLabelValues(j.name, "ok").Inc()
	}()
}

// Status snapshots every job for the health endpoint.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.statusMu.Lock()
		out = append(out, j.status)
		j.statusMu.Unlock()
	}
	return out
}

// runDailyDMs sends every active subscriber yesterday's summary in
// their chosen variant. A failed subscriber does not stop the rest.
func (s *Scheduler) runDailyDMs(ctx context.Context) error {
	yesterday := s.clock.Now().UTC().Add(-24 * time.Hour)
	day, err := s.stats.DayStat(ctx, yesterday)
	if err != nil {
		return fmt.Errorf("yesterday stats: %w", err)
	}

	subs, err := s.subs.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		s.bot.SendDM(mesh.NodeID(sub.UserNodeID), s.subs.Format(sub.Variant, day))
	}
	s.l.Infow("daily summaries queued", "subscribers", len(subs), "date", day.Date)
	return nil
}

// runDailyBroadcast pushes today's running totals to the channel. The
// stat computation is retried a few times before the failure sticks.
func (s *Scheduler) runDailyBroadcast(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.BroadcastAttempts; attempt++ {
		day, err := s.stats.Today(ctx)
		if err == nil {
			s.bot.Broadcast(broadcastText(day))
			return nil
		}
		lastErr = err
		s.l.Warnw("broadcast attempt failed", "attempt", attempt, "err", err)
		if attempt < s.cfg.BroadcastAttempts {
			select {
			case <-s.clock.After(s.cfg.BroadcastRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("broadcast after %d attempts: %w", s.cfg.BroadcastAttempts, lastErr)
}

func broadcastText(day stats.DayStat) string {
	if day.MessageCount == 0 {
		return fmt.Sprintf("📊 Mesh today (%s): no messages yet.", day.Date)
	}
	return fmt.Sprintf("📊 Mesh today (%s): %d messages, gateways avg %.1f, max %.0f.",
		day.Date, day.MessageCount, *day.AvgGateways, *day.MaxGateways)
}
