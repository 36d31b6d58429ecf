// Package scheduler runs research jobs on a fixed cadence, from either a
// cron expression or a plain repeat interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/roundtable/internal/logging"
)

// Schedule configuration failures.
var (
	ErrNoSchedule    = errors.New("no schedule configured")
	ErrBothSchedules = errors.New("cron and every are mutually exclusive")
)

// Scheduler wraps a single recurring job.
type Scheduler struct {
	cron *cron.Cron
	id   cron.EntryID
	spec string
	log  *logging.Logger
}

// NewFromSpec builds a scheduler from exactly one of cronExpr (five-field
// cron syntax) or every (a Go duration like "2h"). The job runs in the
// cron goroutine; overlapping executions are the job's problem to avoid.
func NewFromSpec(cronExpr, every string, job func()) (*Scheduler, error) {
	if cronExpr != "" && every != "" {
		return nil, ErrBothSchedules
	}

	spec := cronExpr
	if every != "" {
		if _, err := time.ParseDuration(every); err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", every, err)
		}
		spec = "@every " + every
	}
	if spec == "" {
		return nil, ErrNoSchedule
	}

	c := cron.New()
	id, err := c.AddFunc(spec, job)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return &Scheduler{
		cron: c,
		id:   id,
		spec: spec,
		log:  logging.Component("scheduler"),
	}, nil
}

// Spec returns the effective cron spec.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Start begins running the schedule in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.InfoCtx("schedule started", map[string]any{
		"spec": s.spec,
		"next": s.NextRun().Format(time.RFC3339),
	})
}

// NextRun reports when the job fires next. Zero until Start is called.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.id).Next
}

// Stop halts the schedule and waits for a running job to finish, or for
// ctx to end, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.InfoCtx("schedule stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
