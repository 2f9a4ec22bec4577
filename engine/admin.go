package engine

import (
	"context"
	"fmt"

	"outreach/idempotency"
	"outreach/models"
)

// Stop terminates an instance. Stopping an instance that is already in a
// terminal status is a no-op; the result reports whether this call stopped it.
func (e *Engine) Stop(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = models.StopReasonManual
	}
	tr, changed, err := e.repo.Transition(ctx, id, models.NonTerminalStatuses, models.StatusStopped, reason, e.clock.Now())
	if err != nil {
		return false, err
	}
	if changed {
		e.publish(tr)
	}
	return changed, nil
}

// Pause suspends scheduling of an instance and keeps its next eligible time.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.move(ctx, id, []models.InstanceStatus{models.StatusPending, models.StatusActive}, models.StatusPaused, "paused")
}

// Resume returns a paused instance to active.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.move(ctx, id, []models.InstanceStatus{models.StatusPaused}, models.StatusActive, "resumed")
}

func (e *Engine) move(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, note string) error {
	tr, changed, err := e.repo.Transition(ctx, id, from, to, "", e.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		if tr.From == to {
			return nil
		}
		return fmt.Errorf("%w: cannot move %s instance to %s", ErrInvalidTransition, tr.From, to)
	}
	tr.Reason = note
	e.publish(tr)
	return nil
}

// ConvertContact ends every open instance of a contact with the converted
// status and tells the retention collaborator to cancel the contact's purge.
// Returns the number of instances converted.
func (e *Engine) ConvertContact(ctx context.Context, contactID string) (int, error) {
	if err := e.repo.MarkContactConverted(ctx, contactID); err != nil {
		return 0, fmt.Errorf("mark contact converted: %w", err)
	}
	open, err := e.repo.OpenInstancesForContact(ctx, contactID)
	if err != nil {
		return 0, err
	}

	converted := 0
	now := e.clock.Now()
	for _, inst := range open {
		tr, changed, err := e.repo.Transition(ctx, inst.ID, models.NonTerminalStatuses, models.StatusConverted, "converted", now)
		if err != nil {
			return converted, err
		}
		if changed {
			converted++
			e.publish(tr)
		}
	}

	if e.retention != nil {
		if err := e.retention.OnConvert(ctx, contactID); err != nil {
			return converted, fmt.Errorf("notify retention: %w", err)
		}
	}
	return converted, nil
}

// Retry clears the attention flag of an instance and releases the claim of
// the failed step so the next tick may attempt it again.
func (e *Engine) Retry(ctx context.Context, id string) error {
	inst, err := e.repo.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	if !inst.NeedsAttention {
		return fmt.Errorf("%w: instance does not need attention", ErrInvalidTransition)
	}

	step := inst.AttentionStep
	if step == 0 {
		step = inst.CurrentStep + 1
	}
	if r, ok := e.guard.(idempotency.Releaser); ok {
		if err := r.Release(ctx, idempotency.StepKey(id, step)); err != nil {
			return fmt.Errorf("release claim: %w", err)
		}
	}

	now := e.clock.Now()
	err = e.withFresh(ctx, id, func(fresh *models.SequenceInstance) (bool, error) {
		if fresh.Status.Terminal() {
			return false, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, fresh.Status)
		}
		fresh.NeedsAttention = false
		fresh.AttentionReason = ""
		fresh.AttentionStep = 0
		fresh.DispatchAttempts = 0
		fresh.NextEligibleAt = &now
		return true, nil
	})
	if err == nil {
		e.log.WithField("instance_id", id).WithField("step", step).Info("Instance released for retry")
	}
	return err
}

// Get returns an instance with its message sends.
func (e *Engine) Get(ctx context.Context, id string) (*models.SequenceInstance, error) {
	inst, err := e.repo.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.MessageSends, err = e.repo.ListSends(ctx, id); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) List(ctx context.Context, f models.InstanceFilter) ([]models.SequenceInstance, error) {
	return e.repo.ListInstances(ctx, f)
}

func (e *Engine) Counts(ctx context.Context) (models.InstanceCounts, error) {
	return e.repo.CountInstances(ctx)
}
