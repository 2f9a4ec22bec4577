package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach/models"
)

// MemoryStore keeps everything in process memory. It backs the engine and
// reconciler tests and single-process development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	contacts  map[string]*models.Contact
	instances map[string]*models.SequenceInstance
	sends     map[string]*models.MessageSend
	processed map[string]*models.ProcessedEvent
	unmatched map[string]*models.UnmatchedEvent
	last      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:  make(map[string]*models.Contact),
		instances: make(map[string]*models.SequenceInstance),
		sends:     make(map[string]*models.MessageSend),
		processed: make(map[string]*models.ProcessedEvent),
		unmatched: make(map[string]*models.UnmatchedEvent),
	}
}

// tick returns a strictly increasing timestamp so records keep insertion order.
func (s *MemoryStore) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func copyInstance(in *models.SequenceInstance) *models.SequenceInstance {
	out := *in
	out.MessageSends = nil
	if in.PersonalizationData != nil {
		out.PersonalizationData = make(map[string]string, len(in.PersonalizationData))
		for k, v := range in.PersonalizationData {
			out.PersonalizationData[k] = v
		}
	}
	return &out
}

// Contacts

func (s *MemoryStore) UpsertContact(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contacts[c.ID]; ok {
		existing.Email = c.Email
		existing.FullName = c.FullName
		existing.Status = c.Status
		return nil
	}
	cp := *c
	if cp.Status == "" {
		cp.Status = models.ContactDiscovered
	}
	s.contacts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) TouchContact(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil
	}
	if c.FirstContactedAt == nil {
		c.FirstContactedAt = &at
	}
	c.LastContactedAt = &at
	c.TotalEmailsSent++
	if c.Status == models.ContactDiscovered || c.Status == models.ContactEnriched {
		c.Status = models.ContactContacted
	}
	return nil
}

func (s *MemoryStore) ApplyContactEvent(_ context.Context, id string, ev models.DeliveryEvent) (*models.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	changed := models.ApplyContactEvent(c, ev)
	cp := *c
	return &cp, changed, nil
}

func (s *MemoryStore) MarkContactConverted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = models.ContactConverted
	c.PurgeExempt = true
	return nil
}

// Instances

func (s *MemoryStore) CreateInstance(_ context.Context, inst *models.SequenceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.instances {
		if other.ContactID == inst.ContactID && other.TemplateName == inst.TemplateName && !other.Status.Terminal() {
			return ErrDuplicateEnrollment
		}
	}
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	inst.CreatedAt = s.tick()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*models.SequenceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.SequenceInstance, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	var out []models.SequenceInstance
	for _, inst := range s.instances {
		if !inst.Status.Schedulable() || inst.NeedsAttention {
			continue
		}
		if inst.NextEligibleAt != nil && inst.NextEligibleAt.After(now) {
			continue
		}
		out = append(out, *copyInstance(inst))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextEligibleAt, out[j].NextEligibleAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, f models.InstanceFilter) ([]models.SequenceInstance, error) {
	s.mu.RLock()
	var out []models.SequenceInstance
	for _, inst := range s.instances {
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.ContactID != "" && inst.ContactID != f.ContactID {
			continue
		}
		if f.TemplateName != "" && inst.TemplateName != f.TemplateName {
			continue
		}
		if f.NeedsAttention != nil && inst.NeedsAttention != *f.NeedsAttention {
			continue
		}
		out = append(out, *copyInstance(inst))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountInstances(_ context.Context) (models.InstanceCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := models.InstanceCounts{ByStatus: make(map[models.InstanceStatus]int64)}
	for _, inst := range s.instances {
		counts.ByStatus[inst.Status]++
		if inst.NeedsAttention {
			counts.NeedsAttention++
		}
	}
	return counts, nil
}

func (s *MemoryStore) SaveProgress(_ context.Context, inst *models.SequenceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != inst.Revision {
		return fmt.Errorf("%w: %s at revision %d", ErrStaleInstance, inst.ID, inst.Revision)
	}
	next := copyInstance(inst)
	next.Revision++
	next.CreatedAt = cur.CreatedAt
	s.instances[inst.ID] = next
	inst.Revision = next.Revision
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, reason string, at time.Time) (models.Transition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := models.Transition{InstanceID: id, To: to, Reason: reason, At: at}
	inst, ok := s.instances[id]
	if !ok {
		return tr, false, ErrNotFound
	}
	tr.ContactID = inst.ContactID
	tr.From = inst.Status
	if !containsStatus(from, inst.Status) {
		return tr, false, nil
	}
	applyTransition(inst, to, reason, at)
	return tr, true, nil
}

func (s *MemoryStore) OpenInstancesForContact(_ context.Context, contactID string) ([]models.SequenceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SequenceInstance
	for _, inst := range s.instances {
		if inst.ContactID == contactID && !inst.Status.Terminal() {
			out = append(out, *copyInstance(inst))
		}
	}
	return out, nil
}

// Message sends

func (s *MemoryStore) FindLiveSend(_ context.Context, instanceID string, step int) (*models.MessageSend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, send := range s.sends {
		if send.InstanceID == instanceID && send.StepNumber == step && send.Status != models.SendFailed {
			cp := *send
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateSend(_ context.Context, send *models.MessageSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.sends {
		if other.InstanceID == send.InstanceID && other.StepNumber == send.StepNumber && other.Status != models.SendFailed {
			return ErrDuplicateSend
		}
	}
	send.CreatedAt = s.tick()
	cp := *send
	s.sends[send.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkSendSent(_ context.Context, id, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.Status != models.SendQueued {
		return nil
	}
	pid := providerMessageID
	send.ProviderMessageID = &pid
	send.Status = models.SendSent
	send.SentAt = &at
	return nil
}

func (s *MemoryStore) MarkSendFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	send.Status = models.SendFailed
	send.FailureReason = reason
	return nil
}

func (s *MemoryStore) ListSends(_ context.Context, instanceID string) ([]models.MessageSend, error) {
	s.mu.RLock()
	var out []models.MessageSend
	for _, send := range s.sends {
		if send.InstanceID == instanceID {
			out = append(out, *send)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Engagement(_ context.Context, instanceID string) (models.Engagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var e models.Engagement
	for _, send := range s.sends {
		if send.InstanceID != instanceID {
			continue
		}
		e.Opened = e.Opened || send.OpenCount > 0
		e.Clicked = e.Clicked || send.ClickCount > 0
		e.Replied = e.Replied || send.ReplyCount > 0
	}
	return e, nil
}

// Reconciliation

func (s *MemoryStore) FindSendByProviderID(_ context.Context, providerMessageID string) (*models.MessageSend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, send := range s.sends {
		if send.ProviderMessageID != nil && *send.ProviderMessageID == providerMessageID {
			cp := *send
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) RecordEngagement(_ context.Context, sendID, contactID string, ev models.DeliveryEvent, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[ev.EventID]; seen {
		return false, nil
	}
	send, ok := s.sends[sendID]
	if !ok {
		return false, ErrNotFound
	}
	var contact *models.Contact
	if contactID != "" && ev.Kind.AffectsContact() {
		if contact, ok = s.contacts[contactID]; !ok {
			return false, ErrNotFound
		}
	}
	s.processed[ev.EventID] = &models.ProcessedEvent{
		EventID:           ev.EventID,
		ProviderMessageID: ev.ProviderMessageID,
		Kind:              ev.Kind,
		OccurredAt:        ev.OccurredAt,
		AppliedAt:         at,
	}
	models.ApplyEngagement(send, ev)
	if contact != nil {
		models.ApplyContactEvent(contact, ev)
	}
	return true, nil
}

func (s *MemoryStore) BufferUnmatched(_ context.Context, ev models.DeliveryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unmatched[ev.EventID]; ok {
		return false, nil
	}
	now := s.tick()
	s.unmatched[ev.EventID] = &models.UnmatchedEvent{
		EventID:           ev.EventID,
		ProviderMessageID: ev.ProviderMessageID,
		Kind:              ev.Kind,
		Recipient:         ev.Recipient,
		BounceType:        ev.BounceType,
		Sentiment:         ev.Sentiment,
		OccurredAt:        ev.OccurredAt,
		Payload:           ev.Payload,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return true, nil
}

func (s *MemoryStore) UnmatchedFor(_ context.Context, providerMessageID string) ([]models.UnmatchedEvent, error) {
	s.mu.RLock()
	var out []models.UnmatchedEvent
	for _, u := range s.unmatched {
		if u.ProviderMessageID == providerMessageID {
			out = append(out, *u)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *MemoryStore) PendingUnmatched(_ context.Context, limit int) ([]models.UnmatchedEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	var out []models.UnmatchedEvent
	for _, u := range s.unmatched {
		out = append(out, *u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) BumpUnmatched(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.unmatched[eventID]; ok {
		u.Attempts++
		u.UpdatedAt = s.tick()
	}
	return nil
}

func (s *MemoryStore) DeleteUnmatched(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unmatched, eventID)
	return nil
}
