// Package reconciler applies inbound delivery events to message sends,
// contacts and sequence instances exactly once per provider event id.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/models"
	"outreach/templates"
	"outreach/utils"
)

var (
	ErrUnknownEventKind = errors.New("unknown delivery event kind")
	ErrMalformedEvent   = errors.New("malformed delivery event")
)

type Outcome int

const (
	Applied Outcome = iota
	IgnoredDuplicate
	IgnoredUnmatched
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case IgnoredDuplicate:
		return "ignored_duplicate"
	case IgnoredUnmatched:
		return "ignored_unmatched"
	}
	return "unknown"
}

// Repository is the persistence the reconciler needs.
type Repository interface {
	FindSendByProviderID(ctx context.Context, providerMessageID string) (*models.MessageSend, error)
	RecordEngagement(ctx context.Context, sendID, contactID string, ev models.DeliveryEvent, at time.Time) (bool, error)
	BufferUnmatched(ctx context.Context, ev models.DeliveryEvent) (bool, error)
	UnmatchedFor(ctx context.Context, providerMessageID string) ([]models.UnmatchedEvent, error)
	PendingUnmatched(ctx context.Context, limit int) ([]models.UnmatchedEvent, error)
	BumpUnmatched(ctx context.Context, eventID string) error
	DeleteUnmatched(ctx context.Context, eventID string) error

	GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	OpenInstancesForContact(ctx context.Context, contactID string) ([]models.SequenceInstance, error)
}

// Stopper terminates sequence instances. Stopping a stopped instance must
// be a no-op.
type Stopper interface {
	Stop(ctx context.Context, id, reason string) (bool, error)
}

type Reconciler struct {
	repo      Repository
	templates templates.Store
	stopper   Stopper
	clock     utils.Clock
	log       logrus.FieldLogger
}

func New(repo Repository, tmpls templates.Store, stopper Stopper, clock utils.Clock, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = utils.NewLogger("reconciler")
	}
	return &Reconciler{repo: repo, templates: tmpls, stopper: stopper, clock: clock, log: log}
}

func validate(ev models.DeliveryEvent) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	if ev.EventID == "" || ev.ProviderMessageID == "" {
		return fmt.Errorf("%w: event id and provider message id are required", ErrMalformedEvent)
	}
	return nil
}

// Apply reconciles one event. Events whose message is not known yet are
// buffered and replayed when a later event for the same message matches,
// or by ReplayUnmatched.
func (r *Reconciler) Apply(ctx context.Context, ev models.DeliveryEvent) (Outcome, error) {
	if err := validate(ev); err != nil {
		return IgnoredUnmatched, err
	}
	log := r.log.WithFields(logrus.Fields{
		"event_id":            ev.EventID,
		"kind":                ev.Kind,
		"provider_message_id": ev.ProviderMessageID,
	})

	send, err := r.repo.FindSendByProviderID(ctx, ev.ProviderMessageID)
	if err != nil {
		return IgnoredUnmatched, fmt.Errorf("find send: %w", err)
	}
	if send == nil {
		buffered, err := r.repo.BufferUnmatched(ctx, ev)
		if err != nil {
			return IgnoredUnmatched, fmt.Errorf("buffer unmatched event: %w", err)
		}
		if buffered {
			log.Info("No send for event yet, buffered")
		}
		return IgnoredUnmatched, nil
	}

	outcome, err := r.applyMatched(ctx, send, ev)
	if err != nil {
		return outcome, err
	}
	r.drainBuffered(ctx, send, ev.EventID, log)
	return outcome, nil
}

// applyMatched records the event against the send and its contact in one
// step, then stops whatever the event ends. Stopping is idempotent, so it
// also runs for duplicates and finishes the work of a delivery that was
// recorded but interrupted before the stop.
func (r *Reconciler) applyMatched(ctx context.Context, send *models.MessageSend, ev models.DeliveryEvent) (Outcome, error) {
	inst, err := r.repo.GetInstance(ctx, send.InstanceID)
	if err != nil {
		return IgnoredUnmatched, fmt.Errorf("load instance %s: %w", send.InstanceID, err)
	}
	applied, err := r.repo.RecordEngagement(ctx, send.ID, inst.ContactID, ev, r.clock.Now())
	if err != nil {
		return IgnoredUnmatched, fmt.Errorf("record engagement: %w", err)
	}
	if err := r.stopEffects(ctx, inst, ev.Kind); err != nil {
		return IgnoredUnmatched, err
	}
	if !applied {
		return IgnoredDuplicate, nil
	}
	utils.LogEvent("delivery_event_applied", map[string]interface{}{
		"event_id":    ev.EventID,
		"kind":        ev.Kind,
		"send_id":     send.ID,
		"instance_id": send.InstanceID,
		"step":        send.StepNumber,
	})
	return Applied, nil
}

// stopEffects stops the instance the event belongs to when its template
// stops on the kind. When the event leaves the contact uncontactable every
// other open instance of the contact stops too, with the contact status as
// the reason.
func (r *Reconciler) stopEffects(ctx context.Context, inst *models.SequenceInstance, kind models.EventKind) error {
	if r.stopsOn(ctx, inst, kind) {
		if err := r.stop(ctx, inst, string(kind)); err != nil {
			return err
		}
	}
	if !kind.AffectsContact() {
		return nil
	}

	contact, err := r.repo.GetContact(ctx, inst.ContactID)
	if err != nil {
		return fmt.Errorf("load contact %s: %w", inst.ContactID, err)
	}
	if contact.Status.Contactable() {
		return nil
	}
	open, err := r.repo.OpenInstancesForContact(ctx, contact.ID)
	if err != nil {
		return fmt.Errorf("list open instances of contact %s: %w", contact.ID, err)
	}
	for i := range open {
		if err := r.stop(ctx, &open[i], string(contact.Status)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) stop(ctx context.Context, inst *models.SequenceInstance, reason string) error {
	stopped, err := r.stopper.Stop(ctx, inst.ID, reason)
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", inst.ID, err)
	}
	if stopped {
		r.log.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"template":    inst.TemplateName,
			"reason":      reason,
		}).Info("Sequence stopped by delivery event")
	}
	return nil
}

// stopsOn falls back to the default stop set when the template can no
// longer be loaded, so a reply still ends a sequence whose template broke.
func (r *Reconciler) stopsOn(ctx context.Context, inst *models.SequenceInstance, kind models.EventKind) bool {
	tmpl, err := r.templates.Get(ctx, inst.TemplateName)
	if err != nil {
		r.log.WithError(err).WithField("template", inst.TemplateName).Warn("Template unavailable, using default stop conditions")
		tmpl = &models.SequenceTemplate{StopOn: models.DefaultStopOn}
	}
	return tmpl.StopsOn(kind)
}

func (r *Reconciler) drainBuffered(ctx context.Context, send *models.MessageSend, currentID string, log logrus.FieldLogger) {
	buffered, err := r.repo.UnmatchedFor(ctx, *send.ProviderMessageID)
	if err != nil {
		log.WithError(err).Warn("Failed to load buffered events")
		return
	}
	for _, u := range buffered {
		if u.EventID != currentID {
			if _, err := r.applyMatched(ctx, send, u.ToEvent()); err != nil {
				log.WithError(err).WithField("buffered_event_id", u.EventID).Warn("Buffered event replay failed")
				_ = r.repo.BumpUnmatched(ctx, u.EventID)
				continue
			}
		}
		if err := r.repo.DeleteUnmatched(ctx, u.EventID); err != nil {
			log.WithError(err).Warn("Failed to delete replayed event")
		}
	}
}

// ReplaySummary counts what one ReplayUnmatched call did.
type ReplaySummary struct {
	Applied   int `json:"applied"`
	Duplicate int `json:"duplicate"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// ReplayUnmatched retries buffered events whose message may have been
// recorded since they arrived. Events that still match nothing stay
// buffered with their attempt count bumped.
func (r *Reconciler) ReplayUnmatched(ctx context.Context, limit int) (ReplaySummary, error) {
	var sum ReplaySummary
	pending, err := r.repo.PendingUnmatched(ctx, limit)
	if err != nil {
		return sum, fmt.Errorf("list unmatched events: %w", err)
	}

	for _, u := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		send, err := r.repo.FindSendByProviderID(ctx, u.ProviderMessageID)
		if err != nil {
			return sum, fmt.Errorf("find send: %w", err)
		}
		if send == nil {
			sum.Pending++
			if err := r.repo.BumpUnmatched(ctx, u.EventID); err != nil {
				return sum, err
			}
			continue
		}

		outcome, err := r.applyMatched(ctx, send, u.ToEvent())
		if err != nil {
			sum.Errors++
			utils.LogError("unmatched_replay", err, map[string]interface{}{
				"event_id":            u.EventID,
				"provider_message_id": u.ProviderMessageID,
			})
			_ = r.repo.BumpUnmatched(ctx, u.EventID)
			continue
		}
		if outcome == Applied {
			sum.Applied++
		} else {
			sum.Duplicate++
		}
		if err := r.repo.DeleteUnmatched(ctx, u.EventID); err != nil {
			return sum, err
		}
	}

	if len(pending) > 0 {
		r.log.WithFields(logrus.Fields{
			"applied":   sum.Applied,
			"duplicate": sum.Duplicate,
			"pending":   sum.Pending,
		}).Info("Unmatched event replay finished")
	}
	return sum, nil
}
