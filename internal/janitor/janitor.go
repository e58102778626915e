// Package janitor runs the periodic cleanup of abandoned registration
// records. Completed registrations are deleted by the polling endpoint; the
// janitor only reaps windows the agent never came back for.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/store"
)

const (
	// interval is how often the sweep runs.
	interval = 5 * time.Minute

	// retainExpired keeps dead registrations queryable for a while so a
	// slow-polling agent still observes its terminal 410 instead of a 404.
	retainExpired = 15 * time.Minute

	sweepTimeout = 30 * time.Second
)

// Janitor owns the cleanup schedule.
type Janitor struct {
	cron   gocron.Scheduler
	store  store.Store
	logger *zap.Logger

	// purged counts removed registrations; may be nil.
	purged prometheus.Counter
}

// New creates a janitor. Call Start to begin sweeping.
func New(s store.Store, purged prometheus.Counter, logger *zap.Logger) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: creating scheduler: %w", err)
	}
	return &Janitor{
		cron:   cron,
		store:  s,
		logger: logger.Named("janitor"),
		purged: purged,
	}, nil
}

// Start schedules the periodic sweep and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(j.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: scheduling sweep: %w", err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", zap.Duration("interval", interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	purged, err := j.store.PurgeExpiredRegistrations(ctx, retainExpired)
	if err != nil {
		j.logger.Error("purging expired registrations", zap.Error(err))
		return
	}
	if purged > 0 {
		j.logger.Info("purged expired registrations", zap.Int64("count", purged))
		if j.purged != nil {
			j.purged.Add(float64(purged))
		}
	}
}
