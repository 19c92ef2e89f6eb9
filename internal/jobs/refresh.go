// Package jobs schedules background maintenance of the quota view.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cocoaquota/pkg/domain"
)

// DefaultSchedule refreshes the quota view every five minutes.
const DefaultSchedule = "*/5 * * * *"

// RefreshOnce refreshes the view when store supports it. Stores without an
// explicit refresh are left alone.
func RefreshOnce(ctx context.Context, store any, logger *slog.Logger) error {
	r, ok := store.(domain.ViewRefresher)
	if !ok {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()
	if err := r.RefreshQuotaView(ctx); err != nil {
		logger.Error("quota view refresh failed", "error", err)
		return err
	}
	logger.Info("quota view refreshed", "took", time.Since(started))
	return nil
}

// RefresherConfig configures the scheduled refresh.
type RefresherConfig struct {
	Schedule string
	TimeZone string
	// Timeout bounds a single refresh.
	Timeout time.Duration
}

// Refresher refreshes the quota view on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	target  domain.ViewRefresher
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	runs  int
	fails int
}

// NewRefresher validates cfg and registers the refresh job. Call Start to run it.
func NewRefresher(target domain.ViewRefresher, cfg RefresherConfig, logger *slog.Logger) (*Refresher, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone for quota view refresh: %w", err)
	}
	r := &Refresher{
		cron:    cron.New(cron.WithLocation(loc)),
		target:  target,
		logger:  logger,
		timeout: cfg.Timeout,
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, r.Run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Run performs one refresh. It is the scheduled job body.
func (r *Refresher) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.target.RefreshQuotaView(ctx)
	r.mu.Lock()
	r.runs++
	if err != nil {
		r.fails++
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("scheduled quota view refresh failed", "error", err)
		return
	}
	r.logger.Debug("scheduled quota view refresh done")
}

// Stats returns the number of runs and failed runs so far.
func (r *Refresher) Stats() (runs, fails int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.fails
}

// Start runs the scheduler in the background.
func (r *Refresher) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
