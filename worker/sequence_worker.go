package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/engine"
	"outreach/utils"
)

// Advancer runs one scheduling pass.
type Advancer interface {
	AdvanceDue(ctx context.Context) (engine.TickSummary, error)
}

// SequenceWorker drives the engine on a fixed interval. Several replicas may
// run it at once; the engine's claims keep each step to a single send.
type SequenceWorker struct {
	Engine     Advancer
	Interval   time.Duration
	StartDelay time.Duration
	Logger     logrus.FieldLogger
}

func NewSequenceWorker(eng Advancer, interval time.Duration, logger logrus.FieldLogger) *SequenceWorker {
	return &SequenceWorker{
		Engine:     eng,
		Interval:   interval,
		StartDelay: 5 * time.Second,
		Logger:     logger,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(sw.StartDelay):
	}

	sw.Logger.WithField("interval", sw.Interval.String()).Info("Sequence worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	sw.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("Sequence worker shutting down...")
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce advances every due instance and logs what happened.
func (sw *SequenceWorker) RunOnce(ctx context.Context) engine.TickSummary {
	started := time.Now()
	sum, err := sw.Engine.AdvanceDue(ctx)
	if err != nil {
		utils.LogError("sequence_tick", err, nil)
		return sum
	}

	entry := sw.Logger.WithFields(logrus.Fields{
		"processed": sum.Processed,
		"sent":      sum.Sent,
		"skipped":   sum.Skipped,
		"completed": sum.Completed,
		"conflicts": sum.Conflicts,
		"transient": sum.Transient,
		"permanent": sum.Permanent,
		"flagged":   sum.Flagged,
		"errors":    sum.Errors,
		"duration":  time.Since(started).String(),
	})
	if sum.LimitReached {
		entry.Warn("Daily send limit reached")
	} else if sum.Processed > 0 {
		entry.Info("Sequence tick finished")
	} else {
		entry.Debug("Sequence tick finished")
	}
	return sum
}
