package app

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/felixgeelhaar/cadence/internal/ports"
)

// updateScheduler runs the periodic update check in the background. A zero
// or negative interval disables it.
type updateScheduler struct {
	interval time.Duration
	task     func(context.Context)
	logger   ports.Logger

	s *gocron.Scheduler
}

func newUpdateScheduler(interval time.Duration, task func(context.Context), logger ports.Logger) *updateScheduler {
	return &updateScheduler{
		interval: interval,
		task:     task,
		logger:   logger.With(ports.F("component", "scheduler")),
	}
}

// Start schedules the task. SingletonModeAll keeps a slow check from
// overlapping the next tick.
func (u *updateScheduler) Start() error {
	if u.interval <= 0 {
		u.logger.Info(context.Background(), "scheduled update checks disabled")
		return nil
	}

	u.s = gocron.NewScheduler(time.UTC)
	u.s.SingletonModeAll()

	if _, err := u.s.Every(u.interval).Do(func() {
		ctx := context.Background()
		u.logger.Debug(ctx, "scheduled update check starting")
		u.task(ctx)
	}); err != nil {
		return err
	}

	u.logger.Info(context.Background(), "scheduled update checks enabled",
		ports.F("interval", u.interval.String()))
	u.s.StartAsync()
	return nil
}

// Stop halts the scheduler. Safe to call when Start never ran.
func (u *updateScheduler) Stop() {
	if u.s != nil {
		u.s.Stop()
	}
}
