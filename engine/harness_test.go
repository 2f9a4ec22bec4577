package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"outreach/dispatch"
	"outreach/idempotency"
	"outreach/models"
	"outreach/scheduler"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
)

// Monday
var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatch.Message
	errs []error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg dispatch.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("<m%d@test>", len(f.sent)), nil
}

func (f *fakeDispatcher) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recorder struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (r *recorder) OnTransition(tr models.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) to(status models.InstanceStatus) []models.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transition
	for _, tr := range r.transitions {
		if tr.To == status {
			out = append(out, tr)
		}
	}
	return out
}

type retentionSpy struct {
	mu        sync.Mutex
	converted []string
}

func (r *retentionSpy) OnConvert(_ context.Context, contactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converted = append(r.converted, contactID)
	return nil
}

type harness struct {
	ctx       context.Context
	clock     *utils.ManualClock
	store     *store.MemoryStore
	templates *templates.MemoryStore
	guard     *idempotency.MemoryGuard
	disp      *fakeDispatcher
	observer  *recorder
	retention *retentionSpy
	engine    *Engine
}

func introTemplate() *models.SequenceTemplate {
	return &models.SequenceTemplate{
		Name:     "intro",
		IsActive: true,
		Steps: []models.StepSpec{
			{StepNumber: 1, SkipWeekends: true, SubjectTemplate: "Hi {{.first_name}}", TextTemplate: "Hello {{.first_name}}"},
			{StepNumber: 2, DelayDays: 3, SkipWeekends: true, SkipIf: []models.Condition{models.ConditionClicked}, SubjectTemplate: "Following up", TextTemplate: "Any thoughts?"},
			{StepNumber: 3, DelayDays: 7, SkipWeekends: true, SubjectTemplate: "Last note", TextTemplate: "Closing the loop"},
		},
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ctx:       context.Background(),
		clock:     utils.NewManualClock(t0),
		store:     store.NewMemoryStore(),
		templates: templates.NewMemoryStore(),
		disp:      &fakeDispatcher{},
		observer:  &recorder{},
		retention: &retentionSpy{},
	}
	h.guard = idempotency.NewMemoryGuard(h.clock, idempotency.DefaultRetention)
	require.NoError(t, h.templates.Save(h.ctx, introTemplate()))
	h.addContact(t, "c1", "ada@example.com", "Ada Lovelace")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	opts = append([]Option{WithObserver(h.observer), WithRetention(h.retention), WithLogger(logger)}, opts...)
	h.engine = New(h.store, h.templates, scheduler.New(h.clock, time.UTC), h.guard, h.disp, h.clock, cfg, opts...)
	return h
}

func (h *harness) addContact(t *testing.T, id, email, name string) {
	t.Helper()
	require.NoError(t, h.store.UpsertContact(h.ctx, &models.Contact{ID: id, Email: email, FullName: name, Status: models.ContactEnriched}))
}

func (h *harness) enroll(t *testing.T, contactID string) *models.SequenceInstance {
	t.Helper()
	inst, err := h.engine.Enroll(h.ctx, EnrollRequest{ContactID: contactID, TemplateName: "intro"})
	require.NoError(t, err)
	return inst
}

func (h *harness) tick(t *testing.T) TickSummary {
	t.Helper()
	sum, err := h.engine.AdvanceDue(h.ctx)
	require.NoError(t, err)
	return sum
}

func (h *harness) instance(t *testing.T, id string) *models.SequenceInstance {
	t.Helper()
	inst, err := h.store.GetInstance(h.ctx, id)
	require.NoError(t, err)
	return inst
}

func (h *harness) sends(t *testing.T, id string) []models.MessageSend {
	t.Helper()
	sends, err := h.store.ListSends(h.ctx, id)
	require.NoError(t, err)
	return sends
}

func (h *harness) record(t *testing.T, instanceID string, step int, kind models.EventKind) {
	t.Helper()
	send, err := h.store.FindLiveSend(h.ctx, instanceID, step)
	require.NoError(t, err)
	require.NotNil(t, send)
	ev := models.DeliveryEvent{
		EventID:    fmt.Sprintf("%s-%d-%s", instanceID, step, kind),
		Kind:       kind,
		OccurredAt: h.clock.Now(),
	}
	_, err = h.store.RecordEngagement(h.ctx, send.ID, "", ev, h.clock.Now())
	require.NoError(t, err)
}
