package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/dispatch"
	"outreach/engine"
	"outreach/idempotency"
	"outreach/models"
	"outreach/reconciler"
	"outreach/scheduler"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
)

// Monday
var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

const webhookSecret = "whsec-test"

type testApp struct {
	app   *fiber.App
	store *store.MemoryStore
	hub   *TransitionHub
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	clock := utils.NewManualClock(t0)
	repo := store.NewMemoryStore()
	tmpls := templates.NewMemoryStore()
	require.NoError(t, tmpls.Save(ctx, &models.SequenceTemplate{
		Name:     "intro",
		IsActive: true,
		Steps: []models.StepSpec{
			{StepNumber: 1, SubjectTemplate: "Hi {{.first_name}}", TextTemplate: "Hello {{.first_name}}"},
			{StepNumber: 2, DelayDays: 3, SubjectTemplate: "Following up", TextTemplate: "Any thoughts?"},
		},
	}))
	require.NoError(t, repo.UpsertContact(ctx, &models.Contact{ID: "c1", Email: "ada@example.com", FullName: "Ada Lovelace", Status: models.ContactEnriched}))

	hub := NewTransitionHub(logger)
	eng := engine.New(repo, tmpls, scheduler.New(clock, time.UTC),
		idempotency.NewMemoryGuard(clock, idempotency.DefaultRetention),
		&dispatch.LogDispatcher{Logger: logger}, clock, engine.Config{},
		engine.WithObserver(hub), engine.WithLogger(logger))
	rec := reconciler.New(repo, tmpls, eng, clock, logger)

	sc := NewSequenceController(eng, repo, tmpls, logger)
	wc := NewWebhookController(rec, webhookSecret, clock, logger)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Put("/contacts", sc.UpsertContact)
	api.Post("/contacts/:id/convert", sc.ConvertContact)
	api.Get("/templates", sc.ListTemplates)
	api.Put("/templates/:name", sc.SaveTemplate)
	api.Post("/instances", sc.Enroll)
	api.Get("/instances", sc.ListInstances)
	api.Get("/instances/counts", sc.Counts)
	api.Get("/instances/:id", sc.GetInstance)
	api.Post("/instances/:id/pause", sc.Pause)
	api.Post("/instances/:id/resume", sc.Resume)
	api.Post("/instances/:id/stop", sc.Stop)
	api.Post("/instances/:id/retry", sc.Retry)
	api.Put("/instances/:id/personalization", sc.RefreshPersonalization)
	api.Post("/tick", sc.Tick)
	app.Post("/webhooks/brevo", wc.HandleBrevo)

	return &testApp{app: app, store: repo, hub: hub}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (a *testApp) enroll(t *testing.T) models.SequenceInstance {
	t.Helper()
	status, env := a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{
		"contact_id":    "c1",
		"template_name": "intro",
	})
	require.Equal(t, fiber.StatusCreated, status, env.Error)
	var inst models.SequenceInstance
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	return inst
}

func (a *testApp) get(t *testing.T, id string) models.SequenceInstance {
	t.Helper()
	status, env := a.do(t, http.MethodGet, "/api/v1/instances/"+id, nil)
	require.Equal(t, fiber.StatusOK, status, env.Error)
	var inst models.SequenceInstance
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	return inst
}

func TestEnrollAndTick(t *testing.T) {
	a := newTestApp(t)
	inst := a.enroll(t)
	assert.Equal(t, models.StatusPending, inst.Status)
	assert.Equal(t, "Ada", inst.PersonalizationData["first_name"])

	status, env := a.do(t, http.MethodPost, "/api/v1/tick", nil)
	require.Equal(t, fiber.StatusOK, status)
	var sum engine.TickSummary
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 1, sum.Sent)

	got := a.get(t, inst.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	require.Len(t, got.MessageSends, 1)
	require.NotNil(t, got.MessageSends[0].ProviderMessageID)
}

func TestEnrollErrors(t *testing.T) {
	a := newTestApp(t)

	status, _ := a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"contact_id": "c1"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"contact_id": "c1", "template_name": "missing"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"contact_id": "nobody", "template_name": "intro"})
	assert.Equal(t, fiber.StatusNotFound, status)

	a.enroll(t)
	status, _ = a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"contact_id": "c1", "template_name": "intro"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = a.do(t, http.MethodPut, "/api/v1/contacts", map[string]string{"id": "c2", "email": "not-an-email"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestUnreachableContactIsRejected(t *testing.T) {
	a := newTestApp(t)
	status, env := a.do(t, http.MethodPut, "/api/v1/contacts", map[string]string{"id": "c1", "email": "ada@example.com", "status": "contacted"})
	require.Equal(t, fiber.StatusOK, status, env.Error)
	require.NoError(t, a.store.MarkContactConverted(context.Background(), "c1"))

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances", map[string]string{"contact_id": "c1", "template_name": "intro"})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
}

func TestLifecycleEndpoints(t *testing.T) {
	a := newTestApp(t)
	inst := a.enroll(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/pause", nil)
	require.Equal(t, fiber.StatusOK, status, env.Error)
	assert.Equal(t, models.StatusPaused, a.get(t, inst.ID).Status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/pause", nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/resume", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.StatusActive, a.get(t, inst.ID).Status)

	status, env = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/stop", map[string]string{"reason": "manual"})
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"stopped":true}`, string(env.Data))

	status, env = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/stop", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"stopped":false}`, string(env.Data))

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/pause", nil)
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = a.do(t, http.MethodPost, "/api/v1/instances/missing/pause", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestListAndCounts(t *testing.T) {
	a := newTestApp(t)
	a.enroll(t)

	status, env := a.do(t, http.MethodGet, "/api/v1/instances?status=pending&contact_id=c1", nil)
	require.Equal(t, fiber.StatusOK, status)
	var list []models.SequenceInstance
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	status, _ = a.do(t, http.MethodGet, "/api/v1/instances?needs_attention=maybe", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/instances/counts", nil)
	require.Equal(t, fiber.StatusOK, status)
	var counts models.InstanceCounts
	require.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.EqualValues(t, 1, counts.ByStatus[models.StatusPending])
}

func TestRefreshPersonalization(t *testing.T) {
	a := newTestApp(t)
	inst := a.enroll(t)

	status, env := a.do(t, http.MethodPut, "/api/v1/instances/"+inst.ID+"/personalization",
		map[string]interface{}{"personalization": map[string]string{"first_name": "Augusta"}})
	require.Equal(t, fiber.StatusOK, status, env.Error)
	assert.Equal(t, "Augusta", a.get(t, inst.ID).PersonalizationData["first_name"])

	status, _ = a.do(t, http.MethodPut, "/api/v1/instances/"+inst.ID+"/personalization", map[string]interface{}{})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSaveTemplate(t *testing.T) {
	a := newTestApp(t)

	status, env := a.do(t, http.MethodPut, "/api/v1/templates/nurture", map[string]interface{}{
		"is_active": true,
		"steps": []map[string]interface{}{
			{"step_number": 1, "subject_template": "Hello", "text_template": "Body"},
		},
	})
	require.Equal(t, fiber.StatusOK, status, env.Error)

	status, _ = a.do(t, http.MethodPut, "/api/v1/templates/broken", map[string]interface{}{
		"is_active": true,
		"steps": []map[string]interface{}{
			{"step_number": 2, "subject_template": "Hello", "text_template": "Body"},
		},
	})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, env = a.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, fiber.StatusOK, status)
	var list []models.SequenceTemplate
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)
}

func TestConvertContact(t *testing.T) {
	a := newTestApp(t)
	inst := a.enroll(t)

	status, env := a.do(t, http.MethodPost, "/api/v1/contacts/c1/convert", nil)
	require.Equal(t, fiber.StatusOK, status, env.Error)
	assert.JSONEq(t, `{"converted_instances":1}`, string(env.Data))
	assert.Equal(t, models.StatusConverted, a.get(t, inst.ID).Status)
}

func TestWebhookReplyStopsSequence(t *testing.T) {
	a := newTestApp(t)
	inst := a.enroll(t)
	a.do(t, http.MethodPost, "/api/v1/tick", nil)
	sent := a.get(t, inst.ID)
	require.Len(t, sent.MessageSends, 1)
	messageID := *sent.MessageSends[0].ProviderMessageID

	body, err := json.Marshal([]map[string]interface{}{
		{"event": "opened", "message-id": messageID, "ts_epoch": t0.Add(time.Hour).UnixMilli(), "uuid": "evt-1"},
		{"event": "opened", "message-id": messageID, "ts_epoch": t0.Add(time.Hour).UnixMilli(), "uuid": "evt-1"},
		{"event": "reply", "message-id": messageID, "ts_epoch": t0.Add(2 * time.Hour).UnixMilli(), "uuid": "evt-2"},
		{"event": "deferred", "message-id": messageID, "uuid": "evt-3"},
		{"event": "opened", "message-id": "<unknown@test>", "uuid": "evt-4"},
	})
	require.NoError(t, err)

	status, env := a.do(t, http.MethodPost, "/webhooks/brevo", body,
		reconciler.SignatureHeader, reconciler.Sign([]byte(webhookSecret), body))
	require.Equal(t, fiber.StatusOK, status, env.Error)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.Equal(t, 2, counts["applied"])
	assert.Equal(t, 1, counts["ignored_duplicate"])
	assert.Equal(t, 1, counts["ignored_unmatched"])
	assert.Equal(t, 1, counts["rejected"])

	got := a.get(t, inst.ID)
	assert.Equal(t, models.StatusStopped, got.Status)
	contact, err := a.store.GetContact(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ContactReplied, contact.Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	a := newTestApp(t)
	body := []byte(`{"event":"opened","message-id":"<m1@test>"}`)

	status, _ := a.do(t, http.MethodPost, "/webhooks/brevo", body)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = a.do(t, http.MethodPost, "/webhooks/brevo", body,
		reconciler.SignatureHeader, reconciler.Sign([]byte("other"), body))
	assert.Equal(t, fiber.StatusUnauthorized, status)

	bad := []byte(`{"event":`)
	status, _ = a.do(t, http.MethodPost, "/webhooks/brevo", bad,
		reconciler.LegacySignatureHeader, reconciler.Sign([]byte(webhookSecret), bad))
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestTransitionHubDoesNotBlock(t *testing.T) {
	hub := NewTransitionHub(logrus.New())
	ch := hub.subscribe()
	assert.Equal(t, 1, hub.Clients())

	for i := 0; i < feedBuffer+10; i++ {
		hub.OnTransition(models.Transition{InstanceID: "i1", To: models.StatusActive})
	}
	assert.Len(t, ch, feedBuffer)

	hub.unsubscribe(ch)
	assert.Equal(t, 0, hub.Clients())
}

func TestEngineTransitionsReachTheHub(t *testing.T) {
	a := newTestApp(t)
	ch := a.hub.subscribe()
	defer a.hub.unsubscribe(ch)

	inst := a.enroll(t)
	a.do(t, http.MethodPost, "/api/v1/tick", nil)

	select {
	case tr := <-ch:
		assert.Equal(t, inst.ID, tr.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}
}
