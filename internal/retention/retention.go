// Package retention prunes old conversation turns and webhook events on a
// cron schedule so an idle deployment does not accumulate history forever.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes entries older than the cutoff and reports how many went.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job runs the retention sweep on a schedule.
type Job struct {
	store    Pruner
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewJob creates a retention job. schedule is a standard 5-field cron
// expression; maxAge is how much history each sweep keeps.
func NewJob(store Pruner, schedule string, maxAge time.Duration, logger *slog.Logger) (*Job, error) {
	if store == nil {
		return nil, errors.New("retention: store must not be nil")
	}
	if strings.TrimSpace(schedule) == "" {
		return nil, errors.New("retention: schedule must not be empty")
	}
	if maxAge <= 0 {
		return nil, errors.New("retention: max age must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger.With("component", "retention"),
	}, nil
}

// Start registers the sweep with the scheduler and starts it.
func (j *Job) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		j.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	j.logger.Info("retention job started", "schedule", j.schedule, "max_age", j.maxAge.String())
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// RunOnce performs a single sweep. Failures are logged, never fatal: the
// next scheduled run retries naturally.
func (j *Job) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.maxAge)
	pruned, err := j.store.PruneBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention sweep failed", "cutoff", cutoff, "err", err)
		return
	}
	j.logger.Info("retention sweep complete", "cutoff", cutoff, "pruned", pruned)
}
