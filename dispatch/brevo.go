package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/valyala/fasthttp"
)

const DefaultBrevoBaseURL = "https://api.brevo.com"

// BrevoDispatcher sends through Brevo's transactional email API.
type BrevoDispatcher struct {
	Client    *fasthttp.Client
	BaseURL   string
	APIKey    string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

func NewBrevoDispatcher(baseURL, apiKey, fromEmail, fromName string, timeout time.Duration) *BrevoDispatcher {
	if baseURL == "" {
		baseURL = DefaultBrevoBaseURL
	}
	return &BrevoDispatcher{
		Client:    &fasthttp.Client{Name: "outreach"},
		BaseURL:   baseURL,
		APIKey:    apiKey,
		FromEmail: fromEmail,
		FromName:  fromName,
		Timeout:   timeout,
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoEmail struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (d *BrevoDispatcher) Dispatch(ctx context.Context, msg Message) (string, error) {
	if err := checkmail.ValidateFormat(msg.To); err != nil {
		return "", NewPermanent(fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}

	body, err := json.Marshal(brevoEmail{
		Sender:      brevoAddress{Email: d.FromEmail, Name: d.FromName},
		To:          []brevoAddress{{Email: msg.To, Name: msg.ToName}},
		Subject:     msg.Subject,
		HTMLContent: msg.HTML,
		TextContent: msg.Text,
		Headers:     msg.Headers,
	})
	if err != nil {
		return "", NewPermanent(err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.BaseURL + "/v3/smtp/email")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", d.APIKey)
	req.SetBody(body)

	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return "", NewTransient(context.DeadlineExceeded)
	}

	if err := d.Client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return "", NewTransient(fmt.Errorf("brevo request timed out: %w", context.DeadlineExceeded))
		}
		return "", NewTransient(fmt.Errorf("brevo request: %w", err))
	}

	var out brevoResponse
	_ = json.Unmarshal(resp.Body(), &out)

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		if out.MessageID == "" {
			// accepted; resending would deliver twice, so fall back to a local id
			return localMessageID(senderDomain(d.FromEmail)), nil
		}
		return out.MessageID, nil
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return "", NewTransient(fmt.Errorf("brevo returned %d: %s", status, out.Message))
	default:
		return "", NewPermanent(fmt.Errorf("brevo returned %d %s: %s", status, out.Code, out.Message))
	}
}
