package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/models"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type stopSpy struct {
	repo *store.MemoryStore

	mu      sync.Mutex
	calls   []string
	stopped []string
}

func (s *stopSpy) Stop(ctx context.Context, id, reason string) (bool, error) {
	_, changed, err := s.repo.Transition(ctx, id, models.NonTerminalStatuses, models.StatusStopped, reason, t0)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, reason)
	if changed {
		s.stopped = append(s.stopped, id)
	}
	return changed, err
}

type fixture struct {
	ctx       context.Context
	repo      *store.MemoryStore
	templates *templates.MemoryStore
	stopper   *stopSpy
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		repo:      store.NewMemoryStore(),
		templates: templates.NewMemoryStore(),
	}
	f.stopper = &stopSpy{repo: f.repo}
	require.NoError(t, f.templates.Save(f.ctx, &models.SequenceTemplate{
		Name:     "intro",
		IsActive: true,
		Steps: []models.StepSpec{
			{StepNumber: 1, SubjectTemplate: "Hi", TextTemplate: "Hello"},
			{StepNumber: 2, DelayDays: 3, SubjectTemplate: "Again", TextTemplate: "Hello again"},
		},
	}))
	require.NoError(t, f.repo.UpsertContact(f.ctx, &models.Contact{ID: "c1", Email: "ada@example.com", Status: models.ContactContacted}))
	require.NoError(t, f.repo.CreateInstance(f.ctx, &models.SequenceInstance{
		ID: "i1", ContactID: "c1", TemplateName: "intro", Status: models.StatusActive, CurrentStep: 1, EnrolledAt: t0,
	}))
	f.addSend(t, "s1", "<m1@test>")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	f.rec = New(f.repo, f.templates, f.stopper, utils.NewManualClock(t0), logger)
	return f
}

func (f *fixture) addSend(t *testing.T, id, providerID string) {
	t.Helper()
	step := len(f.sends(t)) + 1
	require.NoError(t, f.repo.CreateSend(f.ctx, &models.MessageSend{ID: id, InstanceID: "i1", StepNumber: step, Status: models.SendQueued}))
	require.NoError(t, f.repo.MarkSendSent(f.ctx, id, providerID, t0))
}

func (f *fixture) sends(t *testing.T) []models.MessageSend {
	t.Helper()
	sends, err := f.repo.ListSends(f.ctx, "i1")
	require.NoError(t, err)
	return sends
}

func (f *fixture) send(t *testing.T, id string) models.MessageSend {
	t.Helper()
	for _, s := range f.sends(t) {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("send %s not found", id)
	return models.MessageSend{}
}

func event(id string, kind models.EventKind, providerID string, offset time.Duration) models.DeliveryEvent {
	return models.DeliveryEvent{EventID: id, Kind: kind, ProviderMessageID: providerID, OccurredAt: t0.Add(offset)}
}

func TestApplyCountsEachEventOnce(t *testing.T) {
	f := newFixture(t)
	open := event("e1", models.EventOpened, "<m1@test>", time.Hour)

	out, err := f.rec.Apply(f.ctx, open)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	for i := 0; i < 5; i++ {
		out, err = f.rec.Apply(f.ctx, open)
		require.NoError(t, err)
		assert.Equal(t, IgnoredDuplicate, out)
	}

	out, err = f.rec.Apply(f.ctx, event("e2", models.EventOpened, "<m1@test>", 3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	s := f.send(t, "s1")
	assert.Equal(t, 2, s.OpenCount)
	assert.Equal(t, models.SendOpened, s.Status)
	assert.Equal(t, t0.Add(time.Hour), *s.FirstOpenedAt)
	assert.Equal(t, t0.Add(3*time.Hour), *s.LastOpenedAt)
	assert.Empty(t, f.stopper.calls, "opens are not a stop condition")
}

func TestReplyStopsSequenceAndUpdatesContact(t *testing.T) {
	f := newFixture(t)
	reply := event("r1", models.EventReplied, "<m1@test>", time.Hour)
	reply.Sentiment = models.SentimentPositive

	out, err := f.rec.Apply(f.ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	inst, _ := f.repo.GetInstance(f.ctx, "i1")
	assert.Equal(t, models.StatusStopped, inst.Status)
	assert.Equal(t, "replied", inst.StopReason)

	c, _ := f.repo.GetContact(f.ctx, "c1")
	assert.Equal(t, models.ContactReplied, c.Status)
	assert.Equal(t, models.SentimentPositive, c.ReplySentiment)
	require.NotNil(t, c.RepliedAt)

	out, err = f.rec.Apply(f.ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, IgnoredDuplicate, out)
	assert.Equal(t, []string{"i1"}, f.stopper.stopped, "a second stop is a no-op")
	assert.Equal(t, 1, f.send(t, "s1").ReplyCount)
}

func TestReplayedReplyDoesNotOverrideNewerSentiment(t *testing.T) {
	f := newFixture(t)
	first := event("r1", models.EventReplied, "<m1@test>", time.Hour)
	first.Sentiment = models.SentimentPositive
	second := event("r2", models.EventReplied, "<m1@test>", 2*time.Hour)
	second.Sentiment = models.SentimentNegative

	for _, ev := range []models.DeliveryEvent{first, second} {
		out, err := f.rec.Apply(f.ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, Applied, out)
	}

	out, err := f.rec.Apply(f.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, IgnoredDuplicate, out)

	c, _ := f.repo.GetContact(f.ctx, "c1")
	assert.Equal(t, models.SentimentNegative, c.ReplySentiment)
	assert.Equal(t, t0.Add(time.Hour), *c.RepliedAt)
	assert.Equal(t, 2, f.send(t, "s1").ReplyCount)
}

func TestUnsubscribeStopsEveryOpenSequenceOfTheContact(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.templates.Save(f.ctx, &models.SequenceTemplate{
		Name:     "promo",
		IsActive: true,
		StopOn:   []models.EventKind{models.EventReplied},
		Steps: []models.StepSpec{
			{StepNumber: 1, SubjectTemplate: "Offer", TextTemplate: "An offer"},
			{StepNumber: 2, DelayDays: 3, SubjectTemplate: "Offer again", TextTemplate: "Still there"},
		},
	}))
	require.NoError(t, f.repo.CreateInstance(f.ctx, &models.SequenceInstance{
		ID: "i2", ContactID: "c1", TemplateName: "promo", Status: models.StatusActive, CurrentStep: 1, EnrolledAt: t0,
	}))
	require.NoError(t, f.repo.UpsertContact(f.ctx, &models.Contact{ID: "c2", Email: "bob@example.com", Status: models.ContactContacted}))
	require.NoError(t, f.repo.CreateInstance(f.ctx, &models.SequenceInstance{
		ID: "i3", ContactID: "c2", TemplateName: "promo", Status: models.StatusActive, CurrentStep: 1, EnrolledAt: t0,
	}))

	_, err := f.rec.Apply(f.ctx, event("u1", models.EventUnsubscribed, "<m1@test>", time.Hour))
	require.NoError(t, err)

	for _, id := range []string{"i1", "i2"} {
		inst, _ := f.repo.GetInstance(f.ctx, id)
		assert.Equal(t, models.StatusStopped, inst.Status, id)
	}
	promo, _ := f.repo.GetInstance(f.ctx, "i2")
	assert.Equal(t, string(models.ContactUnsubscribed), promo.StopReason)

	other, _ := f.repo.GetInstance(f.ctx, "i3")
	assert.Equal(t, models.StatusActive, other.Status, "other contacts are untouched")
}

func TestTemplateStopSetDecidesWhatStops(t *testing.T) {
	f := newFixture(t)
	tmpl, err := f.templates.Get(f.ctx, "intro")
	require.NoError(t, err)
	tmpl.StopOn = []models.EventKind{models.EventBounced}
	require.NoError(t, f.templates.Save(f.ctx, tmpl))

	_, err = f.rec.Apply(f.ctx, event("c1", models.EventClicked, "<m1@test>", time.Hour))
	require.NoError(t, err)
	inst, _ := f.repo.GetInstance(f.ctx, "i1")
	assert.Equal(t, models.StatusActive, inst.Status)

	soft := event("b1", models.EventBounced, "<m1@test>", 2*time.Hour)
	soft.BounceType = "soft"
	_, err = f.rec.Apply(f.ctx, soft)
	require.NoError(t, err)

	inst, _ = f.repo.GetInstance(f.ctx, "i1")
	assert.Equal(t, models.StatusStopped, inst.Status)
	assert.Equal(t, "bounced", inst.StopReason)

	c, _ := f.repo.GetContact(f.ctx, "c1")
	assert.Equal(t, models.ContactContacted, c.Status, "soft bounces leave the contact reachable")
	assert.Equal(t, "soft", f.send(t, "s1").BounceType)
}

func TestMissingTemplateFallsBackToDefaultStopSet(t *testing.T) {
	f := newFixture(t)
	f.templates.Put(&models.SequenceTemplate{Name: "intro", IsActive: false})

	_, err := f.rec.Apply(f.ctx, event("u1", models.EventUnsubscribed, "<m1@test>", time.Hour))
	require.NoError(t, err)

	inst, _ := f.repo.GetInstance(f.ctx, "i1")
	assert.Equal(t, models.StatusStopped, inst.Status)
	c, _ := f.repo.GetContact(f.ctx, "c1")
	assert.Equal(t, models.ContactUnsubscribed, c.Status)
	assert.Equal(t, models.SentimentUnsubscribe, c.ReplySentiment)
}

func TestUnmatchedEventsReplayWhenTheMessageAppears(t *testing.T) {
	f := newFixture(t)
	early := event("d1", models.EventDelivered, "<m2@test>", time.Minute)

	out, err := f.rec.Apply(f.ctx, early)
	require.NoError(t, err)
	assert.Equal(t, IgnoredUnmatched, out)
	out, err = f.rec.Apply(f.ctx, early)
	require.NoError(t, err)
	assert.Equal(t, IgnoredUnmatched, out)

	buffered, _ := f.repo.UnmatchedFor(f.ctx, "<m2@test>")
	require.Len(t, buffered, 1, "redelivered unmatched events are buffered once")

	f.addSend(t, "s2", "<m2@test>")
	out, err = f.rec.Apply(f.ctx, event("o1", models.EventOpened, "<m2@test>", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	s := f.send(t, "s2")
	assert.Equal(t, models.SendOpened, s.Status)
	require.NotNil(t, s.FirstDeliveredAt)
	assert.Equal(t, t0.Add(time.Minute), *s.FirstDeliveredAt)

	buffered, _ = f.repo.UnmatchedFor(f.ctx, "<m2@test>")
	assert.Empty(t, buffered)
}

func TestReplayUnmatched(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Apply(f.ctx, event("k1", models.EventClicked, "<m2@test>", time.Hour))
	require.NoError(t, err)

	sum, err := f.rec.ReplayUnmatched(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pending)
	pending, _ := f.repo.PendingUnmatched(f.ctx, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	f.addSend(t, "s2", "<m2@test>")
	sum, err = f.rec.ReplayUnmatched(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, f.send(t, "s2").ClickCount)

	pending, _ = f.repo.PendingUnmatched(f.ctx, 10)
	assert.Empty(t, pending)
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Apply(f.ctx, event("x1", models.EventKind("forwarded"), "<m1@test>", 0))
	assert.ErrorIs(t, err, ErrUnknownEventKind)

	_, err = f.rec.Apply(f.ctx, event("", models.EventOpened, "<m1@test>", 0))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = f.rec.Apply(f.ctx, event("x2", models.EventOpened, "", 0))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	assert.Zero(t, f.send(t, "s1").OpenCount)
}

func TestConcurrentRedeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	click := event("k1", models.EventClicked, "<m1@test>", time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Apply(context.Background(), click)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.send(t, "s1").ClickCount)
}

func TestReplayingEventsNTimesMatchesApplyingOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	// each value picks one of five opened events; repeats are redeliveries
	properties.Property("open count equals distinct event ids", prop.ForAll(
		func(picks []int) bool {
			f := newFixture(t)
			distinct := map[int]bool{}
			for _, p := range picks {
				ev := event(fmt.Sprintf("open-%d", p), models.EventOpened, "<m1@test>", time.Duration(p)*time.Minute)
				if _, err := f.rec.Apply(f.ctx, ev); err != nil {
					return false
				}
				distinct[p] = true
			}
			return f.send(t, "s1").OpenCount == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
