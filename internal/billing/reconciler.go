package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/creatorhub/membership-billing/internal/metrics"
)

// Reconciler runs the stuck-transaction sweep on a fixed interval. It is
// the pull-model fallback for the push-model webhooks: when a webhook is
// lost, the sweep still drives every processing transaction to a terminal
// status.
type Reconciler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	scheduler    gocron.Scheduler
	logger       *slog.Logger
}

func NewReconciler(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) (*Reconciler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		orchestrator: orchestrator,
		interval:     interval,
		scheduler:    scheduler,
		logger:       logger,
	}, nil
}

// Start schedules the sweep and begins running it. Overlapping runs are
// prevented so a slow gateway cannot stack sweeps.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() { r.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	r.scheduler.Start()
	r.logger.Info("reconciler started", "interval", r.interval)
	return nil
}

// RunOnce executes a single sweep. Exposed so the worker command can
// trigger an immediate pass on startup.
func (r *Reconciler) RunOnce(ctx context.Context) {
	stats, err := r.orchestrator.VerifyStuck(ctx)
	if err != nil {
		r.logger.Error("reconciliation sweep failed", "error", err)
		return
	}

	metrics.SweepResults.WithLabelValues("completed").Add(float64(stats.Completed))
	metrics.SweepResults.WithLabelValues("failed").Add(float64(stats.Failed))
	metrics.SweepResults.WithLabelValues("timed_out").Add(float64(stats.TimedOut))
	metrics.SweepResults.WithLabelValues("cancelled").Add(float64(stats.Cancelled))
	metrics.SweepResults.WithLabelValues("errors").Add(float64(stats.Errors))
	metrics.TierMismatches.Add(float64(stats.Mismatches))

	if stats.Scanned > 0 || stats.Mismatches > 0 {
		r.logger.Info("reconciliation sweep finished",
			"scanned", stats.Scanned,
			"completed", stats.Completed,
			"failed", stats.Failed,
			"timed_out", stats.TimedOut,
			"cancelled", stats.Cancelled,
			"errors", stats.Errors,
			"tier_mismatches", stats.Mismatches)
	}
}

func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}
