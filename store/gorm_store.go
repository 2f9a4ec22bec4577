package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"outreach/models"
)

// GormStore is the Postgres-backed store.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Contacts

func (s *GormStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "full_name", "status", "updated_at"}),
	}).Create(c).Error
}

func (s *GormStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.DB.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// TouchContact records a message sent to the contact.
func (s *GormStore) TouchContact(ctx context.Context, id string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(map[string]interface{}{
		"first_contacted_at": gorm.Expr("COALESCE(first_contacted_at, ?)", at),
		"last_contacted_at":  at,
		"total_emails_sent":  gorm.Expr("total_emails_sent + 1"),
		"status": gorm.Expr("CASE WHEN status IN (?) THEN ? ELSE status END",
			[]models.ContactStatus{models.ContactDiscovered, models.ContactEnriched}, models.ContactContacted),
	}).Error
}

// applyContactEvent updates the contact's outreach status and reply
// columns inside tx.
func applyContactEvent(tx *gorm.DB, id string, ev models.DeliveryEvent) error {
	var c models.Contact
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	if !models.ApplyContactEvent(&c, ev) {
		return nil
	}
	return tx.Model(&c).Select("status", "replied_at", "reply_sentiment", "reply_sentiment_at").Updates(&c).Error
}

// MarkContactConverted sets the converted status and exempts the contact from purging.
func (s *GormStore) MarkContactConverted(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       models.ContactConverted,
		"purge_exempt": true,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Instances

func (s *GormStore) CreateInstance(ctx context.Context, inst *models.SequenceInstance) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.SequenceInstance{}).
			Where("contact_id = ? AND template_name = ? AND status IN ?", inst.ContactID, inst.TemplateName, models.NonTerminalStatuses).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrDuplicateEnrollment
		}
		if err := tx.Create(inst).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateEnrollment
			}
			return err
		}
		return nil
	})
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error) {
	var inst models.SequenceInstance
	if err := s.DB.WithContext(ctx).First(&inst, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

// ListDue returns schedulable instances whose next eligible time has passed.
func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.SequenceInstance, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []models.SequenceInstance
	err := s.DB.WithContext(ctx).
		Where("status IN ? AND needs_attention = ?", []models.InstanceStatus{models.StatusPending, models.StatusActive}, false).
		Where("next_eligible_at IS NULL OR next_eligible_at <= ?", now).
		Order("next_eligible_at ASC NULLS FIRST").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.SequenceInstance, error) {
	q := s.DB.WithContext(ctx).Model(&models.SequenceInstance{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ContactID != "" {
		q = q.Where("contact_id = ?", f.ContactID)
	}
	if f.TemplateName != "" {
		q = q.Where("template_name = ?", f.TemplateName)
	}
	if f.NeedsAttention != nil {
		q = q.Where("needs_attention = ?", *f.NeedsAttention)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []models.SequenceInstance
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) CountInstances(ctx context.Context) (models.InstanceCounts, error) {
	counts := models.InstanceCounts{ByStatus: make(map[models.InstanceStatus]int64)}
	var rows []struct {
		Status models.InstanceStatus
		Count  int64
	}
	db := s.DB.WithContext(ctx)
	if err := db.Model(&models.SequenceInstance{}).Select("status, count(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return counts, err
	}
	for _, r := range rows {
		counts.ByStatus[r.Status] = r.Count
	}
	err := db.Model(&models.SequenceInstance{}).Where("needs_attention = ?", true).Count(&counts.NeedsAttention).Error
	return counts, err
}

var progressColumns = []string{
	"current_step", "status", "next_eligible_at", "stop_reason", "personalization_data",
	"needs_attention", "attention_reason", "attention_step", "dispatch_attempts",
	"started_at", "last_action_at", "completed_at", "revision",
}

// SaveProgress writes inst if nobody else wrote it since it was read.
func (s *GormStore) SaveProgress(ctx context.Context, inst *models.SequenceInstance) error {
	next := *inst
	next.Revision = inst.Revision + 1
	next.MessageSends = nil

	res := s.DB.WithContext(ctx).
		Model(&models.SequenceInstance{ID: inst.ID}).
		Where("revision = ?", inst.Revision).
		Select(progressColumns).
		Updates(&next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s at revision %d", ErrStaleInstance, inst.ID, inst.Revision)
	}
	inst.Revision = next.Revision
	return nil
}

// Transition moves an instance to status to when its current status is one
// of from. Reports whether the instance changed.
func (s *GormStore) Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, reason string, at time.Time) (models.Transition, bool, error) {
	tr := models.Transition{InstanceID: id, To: to, Reason: reason, At: at}
	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst models.SequenceInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&inst, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		tr.ContactID = inst.ContactID
		tr.From = inst.Status
		if !containsStatus(from, inst.Status) {
			return nil
		}
		applyTransition(&inst, to, reason, at)
		changed = true
		return tx.Model(&inst).
			Select("status", "stop_reason", "next_eligible_at", "completed_at", "revision").
			Updates(&inst).Error
	})
	return tr, changed, err
}

func applyTransition(inst *models.SequenceInstance, to models.InstanceStatus, reason string, at time.Time) {
	inst.Status = to
	if reason != "" {
		inst.StopReason = reason
	}
	if to.Terminal() {
		inst.NextEligibleAt = nil
		inst.CompletedAt = &at
	}
	inst.Revision++
}

func containsStatus(set []models.InstanceStatus, s models.InstanceStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *GormStore) OpenInstancesForContact(ctx context.Context, contactID string) ([]models.SequenceInstance, error) {
	var out []models.SequenceInstance
	err := s.DB.WithContext(ctx).
		Where("contact_id = ? AND status IN ?", contactID, models.NonTerminalStatuses).
		Find(&out).Error
	return out, err
}

// Message sends

// FindLiveSend returns the non-failed send of a step, nil when there is none.
func (s *GormStore) FindLiveSend(ctx context.Context, instanceID string, step int) (*models.MessageSend, error) {
	var sends []models.MessageSend
	err := s.DB.WithContext(ctx).
		Where("instance_id = ? AND step_number = ? AND status <> ?", instanceID, step, models.SendFailed).
		Limit(1).Find(&sends).Error
	if err != nil || len(sends) == 0 {
		return nil, err
	}
	return &sends[0], nil
}

func (s *GormStore) CreateSend(ctx context.Context, send *models.MessageSend) error {
	if err := s.DB.WithContext(ctx).Create(send).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSend
		}
		return err
	}
	return nil
}

func (s *GormStore) MarkSendSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.MessageSend{}).
		Where("id = ? AND status = ?", id, models.SendQueued).
		Updates(map[string]interface{}{
			"status":              models.SendSent,
			"provider_message_id": providerMessageID,
			"sent_at":             at,
		}).Error
}

func (s *GormStore) MarkSendFailed(ctx context.Context, id, reason string) error {
	return s.DB.WithContext(ctx).Model(&models.MessageSend{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.SendFailed,
			"failure_reason": reason,
		}).Error
}

func (s *GormStore) ListSends(ctx context.Context, instanceID string) ([]models.MessageSend, error) {
	var out []models.MessageSend
	err := s.DB.WithContext(ctx).Where("instance_id = ?", instanceID).Order("step_number, created_at").Find(&out).Error
	return out, err
}

// Engagement sums the engagement of every send of an instance.
func (s *GormStore) Engagement(ctx context.Context, instanceID string) (models.Engagement, error) {
	var row struct {
		Opens   int64
		Clicks  int64
		Replies int64
	}
	err := s.DB.WithContext(ctx).Model(&models.MessageSend{}).
		Select("COALESCE(SUM(open_count), 0) AS opens, COALESCE(SUM(click_count), 0) AS clicks, COALESCE(SUM(reply_count), 0) AS replies").
		Where("instance_id = ?", instanceID).
		Scan(&row).Error
	return models.Engagement{Opened: row.Opens > 0, Clicked: row.Clicks > 0, Replied: row.Replies > 0}, err
}

// Reconciliation

func (s *GormStore) FindSendByProviderID(ctx context.Context, providerMessageID string) (*models.MessageSend, error) {
	var sends []models.MessageSend
	err := s.DB.WithContext(ctx).Where("provider_message_id = ?", providerMessageID).Limit(1).Find(&sends).Error
	if err != nil || len(sends) == 0 {
		return nil, err
	}
	return &sends[0], nil
}

// RecordEngagement applies ev to the send, and to the contact for kinds
// that affect it, exactly once. The processed_events insert, the counter
// update and the contact update share one transaction.
func (s *GormStore) RecordEngagement(ctx context.Context, sendID, contactID string, ev models.DeliveryEvent, at time.Time) (bool, error) {
	applied := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
			EventID:           ev.EventID,
			ProviderMessageID: ev.ProviderMessageID,
			Kind:              ev.Kind,
			OccurredAt:        ev.OccurredAt,
			AppliedAt:         at,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var send models.MessageSend
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&send, "id = ?", sendID).Error; err != nil {
			return notFound(err)
		}
		models.ApplyEngagement(&send, ev)
		if err := tx.Save(&send).Error; err != nil {
			return err
		}
		if contactID != "" && ev.Kind.AffectsContact() {
			if err := applyContactEvent(tx, contactID, ev); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// BufferUnmatched keeps an event whose message is unknown. Reports false
// when the event was already buffered.
func (s *GormStore) BufferUnmatched(ctx context.Context, ev models.DeliveryEvent) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.UnmatchedEvent{
		EventID:           ev.EventID,
		ProviderMessageID: ev.ProviderMessageID,
		Kind:              ev.Kind,
		Recipient:         ev.Recipient,
		BounceType:        ev.BounceType,
		Sentiment:         ev.Sentiment,
		OccurredAt:        ev.OccurredAt,
		Payload:           ev.Payload,
	})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) UnmatchedFor(ctx context.Context, providerMessageID string) ([]models.UnmatchedEvent, error) {
	var out []models.UnmatchedEvent
	err := s.DB.WithContext(ctx).Where("provider_message_id = ?", providerMessageID).Order("occurred_at").Find(&out).Error
	return out, err
}

func (s *GormStore) PendingUnmatched(ctx context.Context, limit int) ([]models.UnmatchedEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []models.UnmatchedEvent
	err := s.DB.WithContext(ctx).Order("updated_at").Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) BumpUnmatched(ctx context.Context, eventID string) error {
	return s.DB.WithContext(ctx).Model(&models.UnmatchedEvent{}).
		Where("event_id = ?", eventID).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

func (s *GormStore) DeleteUnmatched(ctx context.Context, eventID string) error {
	return s.DB.WithContext(ctx).Delete(&models.UnmatchedEvent{}, "event_id = ?", eventID).Error
}
