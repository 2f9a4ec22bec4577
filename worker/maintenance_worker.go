package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/idempotency"
	"outreach/reconciler"
	"outreach/utils"
)

// Replayer retries delivery events that arrived before their message send.
type Replayer interface {
	ReplayUnmatched(ctx context.Context, limit int) (reconciler.ReplaySummary, error)
}

// MaintenanceWorker expires resolved idempotency claims and replays
// buffered delivery events.
type MaintenanceWorker struct {
	Claims      idempotency.Cleaner
	Events      Replayer
	Interval    time.Duration
	ReplayBatch int
	Logger      logrus.FieldLogger
}

// MaintenanceReport is the outcome of one maintenance pass.
type MaintenanceReport struct {
	ClaimsRemoved int64
	Replay        reconciler.ReplaySummary
}

func NewMaintenanceWorker(claims idempotency.Cleaner, events Replayer, interval time.Duration, logger logrus.FieldLogger) *MaintenanceWorker {
	return &MaintenanceWorker{
		Claims:      claims,
		Events:      events,
		Interval:    interval,
		ReplayBatch: 500,
		Logger:      logger,
	}
}

func (mw *MaintenanceWorker) Start(ctx context.Context) {
	mw.Logger.WithField("interval", mw.Interval.String()).Info("Maintenance worker started")

	ticker := time.NewTicker(mw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mw.Logger.Info("Maintenance worker shutting down...")
			return
		case <-ticker.C:
			mw.RunOnce(ctx)
		}
	}
}

// RunOnce performs both maintenance jobs. A failure of one does not skip
// the other.
func (mw *MaintenanceWorker) RunOnce(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	if mw.Claims != nil {
		n, err := mw.Claims.Cleanup(ctx)
		if err != nil {
			utils.LogError("claim_cleanup", err, nil)
		}
		report.ClaimsRemoved = n
	}

	if mw.Events != nil {
		sum, err := mw.Events.ReplayUnmatched(ctx, mw.ReplayBatch)
		if err != nil {
			utils.LogError("unmatched_replay", err, nil)
		}
		report.Replay = sum
	}

	mw.Logger.WithFields(logrus.Fields{
		"claims_removed":   report.ClaimsRemoved,
		"replayed":         report.Replay.Applied,
		"replay_duplicate": report.Replay.Duplicate,
		"still_pending":    report.Replay.Pending,
		"replay_errors":    report.Replay.Errors,
	}).Info("Maintenance pass finished")
	return report
}
