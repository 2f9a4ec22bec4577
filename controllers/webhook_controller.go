package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreach/reconciler"
	"outreach/utils"
)

type WebhookController struct {
	Reconciler *reconciler.Reconciler
	Secret     []byte
	Clock      utils.Clock
	Logger     logrus.FieldLogger
}

func NewWebhookController(rec *reconciler.Reconciler, secret string, clock utils.Clock, logger logrus.FieldLogger) *WebhookController {
	return &WebhookController{
		Reconciler: rec,
		Secret:     []byte(secret),
		Clock:      clock,
		Logger:     logger,
	}
}

// HandleBrevo verifies and reconciles a Brevo transactional webhook. The
// signature is checked over the raw body before anything is parsed.
// Infrastructure failures answer 500 so the provider redelivers.
func (wc *WebhookController) HandleBrevo(c *fiber.Ctx) error {
	body := c.Body()
	signature := c.Get(reconciler.SignatureHeader)
	if signature == "" {
		signature = c.Get(reconciler.LegacySignatureHeader)
	}
	if err := reconciler.VerifySignature(wc.Secret, body, signature); err != nil {
		utils.LogEvent("webhook_signature_invalid", map[string]interface{}{
			"ip":         c.IP(),
			"user_agent": c.Get("User-Agent"),
		})
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	payloads, err := reconciler.ParseBrevo(body)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", err)
	}

	counts := map[string]int{
		reconciler.Applied.String():          0,
		reconciler.IgnoredDuplicate.String(): 0,
		reconciler.IgnoredUnmatched.String(): 0,
		"rejected":                           0,
	}
	received := wc.Clock.Now()
	for _, p := range payloads {
		ev, err := p.Normalize(received)
		if err != nil {
			counts["rejected"]++
			wc.Logger.WithError(err).WithField("event", p.Event).Warn("Rejected webhook event")
			continue
		}

		outcome, err := wc.Reconciler.Apply(c.UserContext(), ev)
		if err != nil {
			if errors.Is(err, reconciler.ErrUnknownEventKind) || errors.Is(err, reconciler.ErrMalformedEvent) {
				counts["rejected"]++
				continue
			}
			utils.LogError("webhook_reconcile", err, map[string]interface{}{
				"event_id":            ev.EventID,
				"kind":                ev.Kind,
				"provider_message_id": ev.ProviderMessageID,
			})
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process event", nil)
		}
		counts[outcome.String()]++
	}

	return c.JSON(utils.SuccessResponse(counts))
}
