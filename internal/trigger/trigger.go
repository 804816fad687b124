// Package trigger runs the recurring dispatch job on a configurable schedule.
// It accepts cron expressions, Go durations, and HH:MM interval shorthand;
// overlap between firings is the job's problem (the dispatch engine skips a
// pass when the previous one still runs).
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "rolemail/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Schedule string // cron spec, Go duration, or HH:MM
	Timezone string // IANA TZ, empty means local
}

// Job is the work fired on every tick.
type Job func(ctx context.Context)

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	job Job

	parser cron.Parser
	c      *cron.Cron

	cancel context.CancelFunc
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("svc", "trigger")),
		job: job,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Start validates the schedule and begins firing the job. On interval
// schedules the first firing happens one interval after Start, matching cron
// @every semantics.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info("disabled")
		return nil
	}
	if s.c != nil {
		return fmt.Errorf("trigger already started")
	}

	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	expr := spec.Cron
	if spec.Kind == SpecInterval {
		expr = "@every " + spec.Every.String()
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		loc, err = time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", s.cfg.Timezone, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(expr, func() { s.job(runCtx) }); err != nil {
		cancel()
		s.cancel = nil
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c

	s.log.Info("started", logx.String("schedule", expr), logx.String("tz", loc.String()))
	return nil
}

// Stop halts future firings and cancels the context of in-flight jobs, then
// waits for them to return.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	done := c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
