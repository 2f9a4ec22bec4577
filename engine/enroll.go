package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"outreach/models"
	"outreach/store"
)

// EnrollRequest starts a contact on a sequence.
type EnrollRequest struct {
	ContactID       string            `json:"contact_id" validate:"required"`
	TemplateName    string            `json:"template_name" validate:"required"`
	Personalization map[string]string `json:"personalization"`
}

// Enroll creates a pending instance. The personalization snapshot is
// seeded from the contact and overlaid with the request's mapping.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (*models.SequenceInstance, error) {
	tmpl, err := e.templates.Get(ctx, req.TemplateName)
	if err != nil {
		return nil, err
	}
	contact, err := e.repo.GetContact(ctx, req.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", req.ContactID, err)
	}
	if !contact.Status.Contactable() {
		return nil, fmt.Errorf("%w: status %s", ErrContactUnreachable, contact.Status)
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return nil, fmt.Errorf("%w: email %q: %v", ErrContactUnreachable, contact.Email, err)
	}

	now := e.clock.Now()
	inst := &models.SequenceInstance{
		ID:                  uuid.NewString(),
		ContactID:           contact.ID,
		TemplateName:        tmpl.Name,
		Status:              models.StatusPending,
		PersonalizationData: personalization(contact, req.Personalization),
		EnrolledAt:          now,
	}
	if first, ok := tmpl.Step(1); ok {
		due := e.scheduler.DueTime(inst, first)
		inst.NextEligibleAt = &due
	}

	if err := e.repo.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrDuplicateEnrollment) {
			return nil, fmt.Errorf("%w: contact %s, sequence %s", ErrAlreadyEnrolled, contact.ID, tmpl.Name)
		}
		return nil, err
	}

	e.publish(models.Transition{
		InstanceID: inst.ID,
		ContactID:  inst.ContactID,
		To:         models.StatusPending,
		Reason:     "enrolled",
		At:         now,
	})
	return inst, nil
}

func personalization(c *models.Contact, overrides map[string]string) map[string]string {
	data := map[string]string{
		"email":     c.Email,
		"full_name": c.FullName,
	}
	if fields := strings.Fields(c.FullName); len(fields) > 0 {
		data["first_name"] = fields[0]
		if len(fields) > 1 {
			data["last_name"] = fields[len(fields)-1]
		}
	}
	for k, v := range overrides {
		data[k] = v
	}
	return data
}

// RefreshPersonalization merges new values into an open instance's snapshot.
func (e *Engine) RefreshPersonalization(ctx context.Context, id string, values map[string]string) (*models.SequenceInstance, error) {
	var inst *models.SequenceInstance
	err := e.withFresh(ctx, id, func(fresh *models.SequenceInstance) (bool, error) {
		if fresh.Status.Terminal() {
			return false, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, fresh.Status)
		}
		if fresh.PersonalizationData == nil {
			fresh.PersonalizationData = make(map[string]string, len(values))
		}
		for k, v := range values {
			fresh.PersonalizationData[k] = v
		}
		inst = fresh
		return true, nil
	})
	return inst, err
}

const maxSaveAttempts = 3

// withFresh loads the instance, lets mutate change it and saves it,
// reloading and retrying when another writer got there first. mutate
// reports whether there is anything to save.
func (e *Engine) withFresh(ctx context.Context, id string, mutate func(*models.SequenceInstance) (bool, error)) error {
	var err error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		var inst *models.SequenceInstance
		if inst, err = e.repo.GetInstance(ctx, id); err != nil {
			return err
		}
		save, merr := mutate(inst)
		if merr != nil || !save {
			return merr
		}
		if err = e.repo.SaveProgress(ctx, inst); !errors.Is(err, store.ErrStaleInstance) {
			return err
		}
	}
	return err
}
