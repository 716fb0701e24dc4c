package cron

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/alerting"
	"github.com/bher20/sungrowbridge/internal/bridge"
	"github.com/bher20/sungrowbridge/internal/metrics"
)

const jobName = "prefetch_realtime"

// Prefetcher warms the combined realtime cache.
type Prefetcher interface {
	GetRealtimeAll(ctx context.Context) (bridge.Realtime, error)
}

// Alerter is notified once a job keeps failing.
type Alerter interface {
	SendFailureAlert(ctx context.Context, alert alerting.FailureAlert) error
}

// Config configures a Worker.
type Config struct {
	// Schedule is integer seconds or a standard 5-field cron expression.
	Schedule string
	// MinFailures is the number of consecutive failures that triggers an alert.
	MinFailures int
}

// Worker periodically fetches the combined snapshot so HTTP readers mostly
// hit a warm cache.
type Worker struct {
	svc      Prefetcher
	alerter  Alerter
	schedule string
	minFails int
	logger   zerolog.Logger
	tick     time.Duration
	now      func() time.Time

	failures     int
	firstFailure time.Time
	alerted      bool
}

// NewWorker validates the schedule and returns a Worker. alerter may be nil.
func NewWorker(svc Prefetcher, alerter Alerter, cfg Config, logger zerolog.Logger) (*Worker, error) {
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.MinFailures <= 0 {
		cfg.MinFailures = 3
	}
	return &Worker{
		svc:      svc,
		alerter:  alerter,
		schedule: strings.TrimSpace(cfg.Schedule),
		minFails: cfg.MinFailures,
		logger:   logger.With().Str("component", "cron").Logger(),
		tick:     time.Second,
		now:      time.Now,
	}, nil
}

// ValidateSchedule reports whether setting is positive integer seconds or a
// parseable cron expression.
func ValidateSchedule(setting string) error {
	setting = strings.TrimSpace(setting)
	if v, err := strconv.Atoi(setting); err == nil {
		if v <= 0 {
			return fmt.Errorf("prefetch schedule: interval must be positive, got %d", v)
		}
		return nil
	}
	if _, err := cron.ParseStandard(setting); err != nil {
		return fmt.Errorf("prefetch schedule %q: %w", setting, err)
	}
	return nil
}

// getNextRun returns the next run after lastRun.
func getNextRun(setting string, lastRun time.Time) time.Time {
	// Try integer seconds
	if v, err := strconv.Atoi(setting); err == nil && v > 0 {
		return lastRun.Add(time.Duration(v) * time.Second)
	}
	// Try cron expression
	if sched, err := cron.ParseStandard(setting); err == nil {
		return sched.Next(lastRun)
	}
	// Fallback to default 5m
	return lastRun.Add(5 * time.Minute)
}

// Run executes the job immediately and then on schedule until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	nextRun := w.now()
	w.logger.Info().Str("schedule", w.schedule).Msg("prefetch worker starting")

	for {
		if !w.now().Before(nextRun) {
			w.runOnce(ctx)
			nextRun = getNextRun(w.schedule, w.now())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce performs one prefetch and updates metrics and the failure streak.
func (w *Worker) runOnce(ctx context.Context) error {
	started := w.now()
	_, err := w.svc.GetRealtimeAll(ctx)
	metrics.UpdateJobMetrics(jobName, started, err)

	if err == nil {
		if w.failures > 0 {
			w.logger.Info().Int("after_failures", w.failures).Msg("prefetch recovered")
		}
		w.failures, w.alerted = 0, false
		w.logger.Debug().Dur("duration", time.Since(started)).Msg("prefetch completed")
		return nil
	}

	if w.failures == 0 {
		w.firstFailure = started
	}
	w.failures++
	w.logger.Error().Err(err).Int("consecutive_failures", w.failures).Msg("prefetch failed")

	if w.failures >= w.minFails && !w.alerted && w.alerter != nil {
		alert := alerting.FailureAlert{
			JobName:             jobName,
			ConsecutiveFailures: w.failures,
			LastError:           err.Error(),
			FirstFailure:        w.firstFailure,
			Timestamp:           w.now(),
		}
		if aerr := w.alerter.SendFailureAlert(ctx, alert); aerr != nil {
			w.logger.Warn().Err(aerr).Msg("sending failure alert failed")
		} else {
			w.alerted = true
		}
	}
	return err
}
