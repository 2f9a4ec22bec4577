package models

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of delivery events the engine understands.
type EventKind string

const (
	EventDelivered    EventKind = "delivered"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventReplied      EventKind = "replied"
	EventBounced      EventKind = "bounced"
	EventComplained   EventKind = "complained"
	EventUnsubscribed EventKind = "unsubscribed"
)

var eventKinds = map[EventKind]SendStatus{
	EventDelivered:    SendDelivered,
	EventOpened:       SendOpened,
	EventClicked:      SendClicked,
	EventReplied:      "",
	EventBounced:      SendBounced,
	EventComplained:   SendComplained,
	EventUnsubscribed: SendUnsubscribed,
}

// Valid reports whether k belongs to the enumeration.
func (k EventKind) Valid() bool {
	_, ok := eventKinds[k]
	return ok
}

// AffectsContact reports whether events of this kind update the contact.
func (k EventKind) AffectsContact() bool {
	switch k {
	case EventReplied, EventBounced, EventUnsubscribed, EventComplained:
		return true
	}
	return false
}

// SendStatus is the send status an event of this kind implies, empty when it implies none.
func (k EventKind) SendStatus() SendStatus {
	return eventKinds[k]
}

// DefaultStopOn applies to templates that do not configure stop conditions.
var DefaultStopOn = []EventKind{EventReplied, EventBounced, EventUnsubscribed, EventComplained}

// DeliveryEvent is a normalized inbound provider event.
type DeliveryEvent struct {
	EventID           string          `json:"event_id"`
	Kind              EventKind       `json:"kind"`
	ProviderMessageID string          `json:"provider_message_id"`
	Recipient         string          `json:"recipient,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	BounceType        string          `json:"bounce_type,omitempty"`
	Sentiment         string          `json:"sentiment,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// ProcessedEvent remembers an applied provider event so replays are ignored.
type ProcessedEvent struct {
	EventID           string    `gorm:"primaryKey;type:varchar(128)" json:"event_id"`
	ProviderMessageID string    `gorm:"not null;index" json:"provider_message_id"`
	Kind              EventKind `gorm:"not null" json:"kind"`
	OccurredAt        time.Time `json:"occurred_at"`
	AppliedAt         time.Time `json:"applied_at"`
}

// UnmatchedEvent buffers an event whose message is not known locally yet.
type UnmatchedEvent struct {
	EventID           string    `gorm:"primaryKey;type:varchar(128)" json:"event_id"`
	ProviderMessageID string    `gorm:"not null;index" json:"provider_message_id"`
	Kind              EventKind `gorm:"not null" json:"kind"`
	Recipient         string    `json:"recipient"`
	BounceType        string    `json:"bounce_type"`
	Sentiment         string    `json:"sentiment"`
	OccurredAt        time.Time `json:"occurred_at"`
	Payload           []byte    `json:"-"`
	Attempts          int       `gorm:"default:0" json:"attempts"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToEvent rebuilds the delivery event that was buffered.
func (u UnmatchedEvent) ToEvent() DeliveryEvent {
	return DeliveryEvent{
		EventID:           u.EventID,
		Kind:              u.Kind,
		ProviderMessageID: u.ProviderMessageID,
		Recipient:         u.Recipient,
		OccurredAt:        u.OccurredAt,
		BounceType:        u.BounceType,
		Sentiment:         u.Sentiment,
		Payload:           u.Payload,
	}
}
