package reconciler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach/models"
)

// BrevoPayload is the transactional webhook body sent by Brevo.
type BrevoPayload struct {
	Event     string `json:"event"`
	Email     string `json:"email"`
	MessageID string `json:"message-id"`
	Date      string `json:"date"`
	TSEvent   int64  `json:"ts_event"`
	TSEpoch   int64  `json:"ts_epoch"` // milliseconds
	Reason    string `json:"reason"`
	Tag       string `json:"tag"`
	Link      string `json:"link"`
	EventID   string `json:"event_id"`
	UUID      string `json:"uuid"`
	Sentiment string `json:"sentiment"`

	raw json.RawMessage
}

type brevoKind struct {
	kind   models.EventKind
	bounce string
}

var brevoEvents = map[string]brevoKind{
	"delivered":         {kind: models.EventDelivered},
	"opened":            {kind: models.EventOpened},
	"uniqueopened":      {kind: models.EventOpened},
	"proxy_open":        {kind: models.EventOpened},
	"unique_proxy_open": {kind: models.EventOpened},
	"click":             {kind: models.EventClicked},
	"clicked":           {kind: models.EventClicked},
	"uniqueclicked":     {kind: models.EventClicked},
	"hardbounce":        {kind: models.EventBounced, bounce: "hard"},
	"softbounce":        {kind: models.EventBounced, bounce: "soft"},
	"blocked":           {kind: models.EventBounced, bounce: "blocked"},
	"invalid_email":     {kind: models.EventBounced, bounce: "invalid"},
	"spam":              {kind: models.EventComplained},
	"complaint":         {kind: models.EventComplained},
	"unsubscribed":      {kind: models.EventUnsubscribed},
	"unsubscribe":       {kind: models.EventUnsubscribed},
	"reply":             {kind: models.EventReplied},
	"replied":           {kind: models.EventReplied},
	"inbound":           {kind: models.EventReplied},
}

var sentiments = map[string]bool{
	models.SentimentPositive:    true,
	models.SentimentNeutral:     true,
	models.SentimentNegative:    true,
	models.SentimentUnsubscribe: true,
	models.SentimentUnknown:     true,
}

// ParseBrevo decodes a webhook body holding one event object or an array
// of them.
func ParseBrevo(body []byte) ([]BrevoPayload, error) {
	body = bytes.TrimSpace(body)
	var raws []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	} else {
		raws = []json.RawMessage{body}
	}

	out := make([]BrevoPayload, 0, len(raws))
	for _, raw := range raws {
		var p BrevoPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		p.raw = raw
		out = append(out, p)
	}
	return out, nil
}

// Normalize maps a Brevo payload onto the closed event enumeration.
// received stamps events that carry no usable timestamp.
func (p BrevoPayload) Normalize(received time.Time) (models.DeliveryEvent, error) {
	k, ok := brevoEvents[strings.ToLower(strings.TrimSpace(p.Event))]
	if !ok {
		return models.DeliveryEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, p.Event)
	}
	if p.MessageID == "" {
		return models.DeliveryEvent{}, fmt.Errorf("%w: missing message-id", ErrMalformedEvent)
	}

	ev := models.DeliveryEvent{
		EventID:           p.eventID(),
		Kind:              k.kind,
		ProviderMessageID: p.MessageID,
		Recipient:         p.Email,
		OccurredAt:        p.occurredAt(received),
		BounceType:        k.bounce,
		Payload:           p.raw,
	}
	if k.kind == models.EventReplied {
		if s := strings.ToLower(p.Sentiment); sentiments[s] {
			ev.Sentiment = s
		}
	}
	return ev, nil
}

func (p BrevoPayload) eventID() string {
	switch {
	case p.EventID != "":
		return p.EventID
	case p.UUID != "":
		return p.UUID
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		p.MessageID, p.Event, strconv.FormatInt(p.timestamp(), 10), p.Link,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// timestamp is the most precise provider timestamp in milliseconds, or
// zero when the payload has none.
func (p BrevoPayload) timestamp() int64 {
	switch {
	case p.TSEpoch > 0:
		return p.TSEpoch
	case p.TSEvent > 0:
		return p.TSEvent * 1000
	}
	if t, ok := parseBrevoDate(p.Date); ok {
		return t.UnixMilli()
	}
	return 0
}

func (p BrevoPayload) occurredAt(received time.Time) time.Time {
	if ms := p.timestamp(); ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return received.UTC()
}

var brevoDateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseBrevoDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range brevoDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
