// Package cronsched fires a supplied action on a Quartz-dialect cron
// schedule, one independent goroutine per job key.
//
// It deliberately does not suppress overlapping firings: the only
// in-flight guarantee is whatever lock the action itself holds (the
// reconciler's per-workload lock). If an action runs longer than the
// interval between firings, the next firing still happens and blocks on
// that lock.
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// quartzParser accepts the 6 lower fields of a Quartz expression
// (seconds through day-of-week; the seconds field is required) or a
// descriptor such as "@hourly"; the optional 7th year field is stripped
// by normalizeExpr before parsing, since robfig/cron has no year field.
var quartzParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// job tracks one running firing loop.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler maps job keys to parsed cron schedules and runs one firing
// loop goroutine per key.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	logger *slog.Logger
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// normalizeExpr rewrites a Quartz expression into one robfig/cron can
// parse: the day-of-month/day-of-week "?" wildcard (meaningless to
// robfig/cron, which has no mutual-exclusivity rule between those two
// fields) becomes "*", and a trailing 7th year field is dropped — the
// scheduler has no notion of year, so a cron expression that only ever
// fires in a specific year simply runs every year on that day/time.
func normalizeExpr(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) == 7 {
		fields = fields[:6]
	}
	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " ")
}

// ScheduleJob parses expr and starts firing action on its schedule,
// replacing any prior job registered under key. It returns an error if
// expr cannot be parsed.
func (s *Scheduler) ScheduleJob(key, expr string, action func()) error {
	schedule, err := quartzParser.Parse(normalizeExpr(expr))
	if err != nil {
		return fmt.Errorf("parsing cron expression %q for %s: %w", expr, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[key] = j

	go s.run(ctx, key, schedule, action, j.done)
	return nil
}

// run is the per-key firing loop: compute the next instant, sleep until
// it, invoke action, repeat. A panic inside action is recovered and
// logged so one misbehaving job never takes down the scheduler.
func (s *Scheduler) run(ctx context.Context, key string, schedule cron.Schedule, action func(), done chan struct{}) {
	defer close(done)

	now := time.Now()
	for {
		next := schedule.Next(now)
		if next.IsZero() {
			s.logger.Info("cron schedule has no further firings, stopping", "key", key)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			s.invoke(key, action)
			now = fired
		}
	}
}

// invoke calls action, recovering from and logging any panic so the
// firing loop survives a broken action.
func (s *Scheduler) invoke(key string, action func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron action panicked", "key", key, "panic", r)
		}
	}()
	action()
}

// CancelJob stops the job registered under key, if any, without waiting
// for its goroutine to exit.
func (s *Scheduler) CancelJob(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) {
	if j, ok := s.jobs[key]; ok {
		j.cancel()
		delete(s.jobs, key)
	}
}

// CancelAndJoin stops the job registered under key and blocks until its
// goroutine has exited. Safe to call for a key with no registered job.
func (s *Scheduler) CancelAndJoin(key string) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		j.cancel()
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if ok {
		<-j.done
	}
}

// Shutdown cancels every running job and waits for all of them to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.jobs))
	for key, j := range s.jobs {
		j.cancel()
		dones = append(dones, j.done)
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	for _, done := range dones {
		<-done
	}
}
