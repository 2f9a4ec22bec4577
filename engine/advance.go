package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outreach/dispatch"
	"outreach/idempotency"
	"outreach/models"
	"outreach/scheduler"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
)

// TickSummary counts what one AdvanceDue call did.
type TickSummary struct {
	Processed    int  `json:"processed"`
	Sent         int  `json:"sent"`
	Skipped      int  `json:"skipped"`
	Completed    int  `json:"completed"`
	Waiting      int  `json:"waiting"`
	Conflicts    int  `json:"conflicts"`
	Preempted    int  `json:"preempted"`
	Stopped      int  `json:"stopped"`
	Transient    int  `json:"transient"`
	Permanent    int  `json:"permanent"`
	Flagged      int  `json:"flagged"`
	Errors       int  `json:"errors"`
	LimitReached bool `json:"limit_reached"`
}

// AdvanceDue progresses every instance that is due. Failures of a single
// instance are logged and counted; only a failure to list due instances
// fails the tick.
func (e *Engine) AdvanceDue(ctx context.Context) (TickSummary, error) {
	var sum TickSummary
	now := e.clock.Now()

	due, err := e.repo.ListDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due instances: %w", err)
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if sum.LimitReached {
			break
		}
		inst := &due[i]
		sum.Processed++
		if err := e.advance(ctx, inst, &sum); err != nil {
			sum.Errors++
			utils.LogError("sequence_advance", err, map[string]interface{}{
				"instance_id": inst.ID,
				"template":    inst.TemplateName,
			})
		}
	}

	if sum.Processed > 0 {
		e.log.WithFields(logrus.Fields{
			"processed": sum.Processed,
			"sent":      sum.Sent,
			"skipped":   sum.Skipped,
			"completed": sum.Completed,
			"stopped":   sum.Stopped,
			"errors":    sum.Errors,
		}).Info("Tick finished")
	}
	return sum, nil
}

func (e *Engine) advance(ctx context.Context, inst *models.SequenceInstance, sum *TickSummary) error {
	if !inst.Status.Schedulable() || inst.NeedsAttention {
		return nil
	}
	log := e.instanceLog(inst)

	tmpl, err := e.templates.Get(ctx, inst.TemplateName)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) || errors.Is(err, templates.ErrTemplateMisconfigured) {
			sum.Flagged++
			log.WithError(err).Warn("Sequence template unusable, flagging instance")
			return e.flag(ctx, inst.ID, inst.CurrentStep+1, err.Error())
		}
		return fmt.Errorf("load template: %w", err)
	}

	contact, err := e.repo.GetContact(ctx, inst.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !contact.Status.Contactable() {
		return e.stopForContact(ctx, inst, contact, sum, log)
	}
	history, err := e.repo.Engagement(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("load engagement: %w", err)
	}
	if contact.RepliedAt != nil {
		history.Replied = true
	}

	// every pass either returns or moves past one skipped step
	for pass := 0; pass <= tmpl.TotalSteps(); pass++ {
		d := e.scheduler.NextDue(inst, tmpl, history)
		switch {
		case d.Exhausted():
			return e.complete(ctx, inst, sum)

		case d.Skipped():
			now := e.clock.Now()
			at := d.At
			inst.CurrentStep = d.Step
			inst.LastActionAt = &at
			inst.DispatchAttempts = 0
			if inst.StartedAt == nil {
				inst.StartedAt = &now
			}
			started := inst.Status == models.StatusPending
			if started {
				inst.Status = models.StatusActive
			}
			if err := e.repo.SaveProgress(ctx, inst); err != nil {
				return e.staleIsConflict(err, sum)
			}
			if started {
				e.publish(models.Transition{InstanceID: inst.ID, ContactID: inst.ContactID, From: models.StatusPending, To: models.StatusActive, Reason: d.Reason, At: now})
			}
			sum.Skipped++
			log.WithField("reason", d.Reason).Info("Step skipped")

		case d.Kind == scheduler.WaitUntil:
			sum.Waiting++
			if inst.NextEligibleAt != nil && inst.NextEligibleAt.Equal(d.At) {
				return nil
			}
			at := d.At
			inst.NextEligibleAt = &at
			return e.staleIsConflict(e.repo.SaveProgress(ctx, inst), sum)

		default:
			return e.send(ctx, inst, tmpl, contact, d, sum)
		}
	}
	return fmt.Errorf("step evaluation did not settle after %d passes", tmpl.TotalSteps()+1)
}

// stopForContact ends an instance whose contact can no longer be mailed,
// with the contact status as the stop reason.
func (e *Engine) stopForContact(ctx context.Context, inst *models.SequenceInstance, contact *models.Contact,
	sum *TickSummary, log logrus.FieldLogger) error {
	stopped, err := e.Stop(ctx, inst.ID, string(contact.Status))
	if err != nil {
		return fmt.Errorf("stop instance: %w", err)
	}
	if stopped {
		sum.Stopped++
		log.WithField("contact_status", contact.Status).Info("Sequence stopped, contact is no longer contactable")
	}
	return nil
}

func (e *Engine) staleIsConflict(err error, sum *TickSummary) error {
	if errors.Is(err, store.ErrStaleInstance) {
		sum.Conflicts++
		return nil
	}
	return err
}

func (e *Engine) complete(ctx context.Context, inst *models.SequenceInstance, sum *TickSummary) error {
	tr, changed, err := e.repo.Transition(ctx, inst.ID,
		[]models.InstanceStatus{models.StatusPending, models.StatusActive}, models.StatusCompleted, "", e.clock.Now())
	if err != nil {
		return fmt.Errorf("complete instance: %w", err)
	}
	if changed {
		sum.Completed++
		e.publish(tr)
	}
	return nil
}

// send runs a due step under its idempotency claim.
func (e *Engine) send(ctx context.Context, inst *models.SequenceInstance, tmpl *models.SequenceTemplate,
	contact *models.Contact, d scheduler.Decision, sum *TickSummary) error {
	now := e.clock.Now()
	key := idempotency.StepKey(inst.ID, d.Step)
	log := e.instanceLog(inst).WithField("idempotency_key", key)

	if e.budget != nil {
		ok, err := e.budget.Reserve(ctx, now)
		if err != nil {
			return fmt.Errorf("reserve send budget: %w", err)
		}
		if !ok {
			sum.LimitReached = true
			log.Info("Daily send limit reached")
			return nil
		}
	}
	dispatched := false
	defer func() {
		if e.budget != nil && !dispatched {
			if err := e.budget.Release(ctx, now); err != nil {
				log.WithError(err).Warn("Failed to release send budget")
			}
		}
	}()

	res, err := e.guard.Claim(ctx, key, e.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !res.Held() {
		sum.Conflicts++
		log.Debug("Step claimed by another worker")
		return nil
	}
	if res == idempotency.ExpiredRetryable {
		log.Warn("Took over an abandoned claim")
	}

	// stop() may have landed after the instance was listed
	fresh, err := e.repo.GetInstance(ctx, inst.ID)
	if err != nil {
		e.failClaim(ctx, key, "reload failed", log)
		return fmt.Errorf("reload instance: %w", err)
	}
	switch {
	case fresh.CurrentStep >= d.Step:
		sum.Conflicts++
		e.completeClaim(ctx, key, log)
		return nil
	case !fresh.Status.Schedulable() || fresh.NeedsAttention:
		sum.Preempted++
		e.failClaim(ctx, key, "preempted: instance is "+string(fresh.Status), log)
		log.WithField("status", fresh.Status).Info("Send preempted")
		return nil
	}
	*inst = *fresh

	// an unsubscribe may have arrived through another sequence of the contact
	current, err := e.repo.GetContact(ctx, inst.ContactID)
	if err != nil {
		e.failClaim(ctx, key, "reload failed", log)
		return fmt.Errorf("reload contact: %w", err)
	}
	if !current.Status.Contactable() {
		e.failClaim(ctx, key, "preempted: contact is "+string(current.Status), log)
		return e.stopForContact(ctx, inst, current, sum, log)
	}
	contact = current

	live, err := e.repo.FindLiveSend(ctx, inst.ID, d.Step)
	if err != nil {
		e.failClaim(ctx, key, "lookup failed", log)
		return fmt.Errorf("find live send: %w", err)
	}
	if live != nil && live.Status != models.SendQueued {
		// the message went out but the previous holder died before recording progress
		log.WithField("send_id", live.ID).Warn("Repairing progress of an already sent step")
		sum.Conflicts++
		return e.recordProgress(ctx, inst, tmpl, d, key, sum, log)
	}

	step, _ := tmpl.Step(d.Step)
	subject, html, text, err := dispatch.Render(step, inst.PersonalizationData)
	if err != nil {
		return e.permanentFailure(ctx, inst, d.Step, key, live, err, sum, log)
	}

	if live == nil {
		live = &models.MessageSend{
			ID:              uuid.NewString(),
			InstanceID:      inst.ID,
			StepNumber:      d.Step,
			IdempotencyKey:  key,
			TemplateVersion: tmpl.Version,
			Recipient:       contact.Email,
			Subject:         subject,
			Status:          models.SendQueued,
		}
		if err := e.repo.CreateSend(ctx, live); err != nil {
			e.failClaim(ctx, key, "record send failed", log)
			if errors.Is(err, store.ErrDuplicateSend) {
				sum.Conflicts++
				return nil
			}
			return fmt.Errorf("record send: %w", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	providerID, err := e.dispatcher.Dispatch(dctx, dispatch.Message{
		To:      contact.Email,
		ToName:  contact.FullName,
		Subject: subject,
		HTML:    html,
		Text:    text,
		Headers: map[string]string{
			"X-Outreach-Instance": inst.ID,
			"X-Outreach-Step":     strconv.Itoa(d.Step),
			"X-Idempotency-Key":   key,
		},
	})
	cancel()
	if err != nil {
		if dispatch.IsPermanent(err) || inst.DispatchAttempts+1 >= e.cfg.MaxDispatchAttempts {
			return e.permanentFailure(ctx, inst, d.Step, key, live, err, sum, log)
		}
		return e.transientFailure(ctx, inst, key, live, err, sum, log)
	}
	dispatched = true

	sentAt := e.clock.Now()
	if err := e.repo.MarkSendSent(ctx, live.ID, providerID, sentAt); err != nil {
		// the claim stays in processing; a takeover finds the queued send
		return fmt.Errorf("mark send %s sent: %w", live.ID, err)
	}
	if err := e.repo.TouchContact(ctx, contact.ID, sentAt); err != nil {
		log.WithError(err).Warn("Failed to update contact bookkeeping")
	}
	sum.Sent++
	log.WithField("provider_message_id", providerID).Info("Step sent")

	return e.recordProgress(ctx, inst, tmpl, d, key, sum, log)
}

// recordProgress moves the instance past a sent step, completes the claim
// and completes the instance when no step is left.
func (e *Engine) recordProgress(ctx context.Context, inst *models.SequenceInstance, tmpl *models.SequenceTemplate,
	d scheduler.Decision, key string, sum *TickSummary, log logrus.FieldLogger) error {
	now := e.clock.Now()
	var started bool
	for attempt := 0; ; attempt++ {
		if inst.CurrentStep >= d.Step {
			break
		}
		started = inst.Status == models.StatusPending
		inst.CurrentStep = d.Step
		inst.LastActionAt = &now
		inst.DispatchAttempts = 0
		if inst.StartedAt == nil {
			inst.StartedAt = &now
		}
		if started {
			inst.Status = models.StatusActive
		}
		inst.NextEligibleAt = nil
		if next, ok := tmpl.Step(d.Step + 1); ok && !inst.Status.Terminal() {
			due := e.scheduler.DueTime(inst, next)
			inst.NextEligibleAt = &due
		}

		err := e.repo.SaveProgress(ctx, inst)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrStaleInstance) || attempt+1 >= maxSaveAttempts {
			return fmt.Errorf("record progress: %w", err)
		}
		fresh, gerr := e.repo.GetInstance(ctx, inst.ID)
		if gerr != nil {
			return fmt.Errorf("record progress: %w", gerr)
		}
		*inst = *fresh
		started = false
	}
	if started {
		e.publish(models.Transition{InstanceID: inst.ID, ContactID: inst.ContactID, From: models.StatusPending, To: models.StatusActive, At: now})
	}
	e.completeClaim(ctx, key, log)

	if inst.CurrentStep >= tmpl.TotalSteps() && inst.Status.Schedulable() {
		return e.complete(ctx, inst, sum)
	}
	return nil
}

func (e *Engine) transientFailure(ctx context.Context, inst *models.SequenceInstance, key string,
	send *models.MessageSend, cause error, sum *TickSummary, log logrus.FieldLogger) error {
	sum.Transient++
	if err := e.repo.MarkSendFailed(ctx, send.ID, cause.Error()); err != nil {
		log.WithError(err).Warn("Failed to mark send failed")
	}
	e.failClaim(ctx, key, cause.Error(), log)

	inst.DispatchAttempts++
	log.WithError(cause).WithField("attempt", inst.DispatchAttempts).Warn("Transient dispatch failure, will retry")
	return e.staleIsConflict(e.repo.SaveProgress(ctx, inst), sum)
}

// permanentFailure blocks the step and surfaces the instance to operators.
// The claim is completed so nothing retries the step on its own.
func (e *Engine) permanentFailure(ctx context.Context, inst *models.SequenceInstance, step int, key string,
	send *models.MessageSend, cause error, sum *TickSummary, log logrus.FieldLogger) error {
	sum.Permanent++
	if send != nil {
		if err := e.repo.MarkSendFailed(ctx, send.ID, cause.Error()); err != nil {
			log.WithError(err).Warn("Failed to mark send failed")
		}
	}
	e.completeClaim(ctx, key, log)
	utils.LogError("dispatch_permanent", cause, map[string]interface{}{
		"instance_id": inst.ID,
		"step":        step,
		"template":    inst.TemplateName,
	})
	return e.flag(ctx, inst.ID, step, cause.Error())
}

// flag marks an instance as needing operator attention.
func (e *Engine) flag(ctx context.Context, id string, step int, reason string) error {
	return e.withFresh(ctx, id, func(inst *models.SequenceInstance) (bool, error) {
		if inst.Status.Terminal() {
			return false, nil
		}
		inst.NeedsAttention = true
		inst.AttentionReason = reason
		inst.AttentionStep = step
		return true, nil
	})
}

func (e *Engine) completeClaim(ctx context.Context, key string, log logrus.FieldLogger) {
	if err := e.guard.Complete(ctx, key); err != nil {
		log.WithError(err).Warn("Failed to complete idempotency claim")
	}
}

func (e *Engine) failClaim(ctx context.Context, key, reason string, log logrus.FieldLogger) {
	if err := e.guard.Fail(ctx, key, reason); err != nil {
		log.WithError(err).Warn("Failed to release idempotency claim")
	}
}
