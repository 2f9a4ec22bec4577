package models

import "time"

type SendStatus string

const (
	SendQueued       SendStatus = "queued"
	SendSent         SendStatus = "sent"
	SendDelivered    SendStatus = "delivered"
	SendOpened       SendStatus = "opened"
	SendClicked      SendStatus = "clicked"
	SendBounced      SendStatus = "bounced"
	SendComplained   SendStatus = "complained"
	SendUnsubscribed SendStatus = "unsubscribed"
	SendFailed       SendStatus = "failed"
)

var sendStatusRank = map[SendStatus]int{
	SendQueued:       0,
	SendSent:         1,
	SendDelivered:    2,
	SendOpened:       3,
	SendClicked:      4,
	SendBounced:      5,
	SendComplained:   5,
	SendUnsubscribed: 5,
}

// Advance returns the status a send holds after observing next. Status only
// moves forward so events applied in any order converge on the same value.
func (s SendStatus) Advance(next SendStatus) SendStatus {
	if s == SendFailed {
		return s
	}
	if sendStatusRank[next] > sendStatusRank[s] {
		return next
	}
	return s
}

// MessageSend is one attempted step execution.
type MessageSend struct {
	ID         string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InstanceID string `gorm:"not null;index;uniqueIndex:idx_live_send,where:status <> 'failed'" json:"instance_id"`
	StepNumber int    `gorm:"not null;uniqueIndex:idx_live_send,where:status <> 'failed'" json:"step_number"`

	IdempotencyKey    string  `gorm:"not null;index" json:"idempotency_key"`
	ProviderMessageID *string `gorm:"uniqueIndex" json:"provider_message_id"`
	TemplateVersion   int     `json:"template_version"`
	Recipient         string  `json:"recipient"`
	Subject           string  `json:"subject"`

	Status        SendStatus `gorm:"not null;default:'queued';index" json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	SentAt        *time.Time `json:"sent_at"`

	// Engagement
	OpenCount  int `gorm:"default:0" json:"open_count"`
	ClickCount int `gorm:"default:0" json:"click_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`

	FirstDeliveredAt    *time.Time `json:"first_delivered_at"`
	LastDeliveredAt     *time.Time `json:"last_delivered_at"`
	FirstOpenedAt       *time.Time `json:"first_opened_at"`
	LastOpenedAt        *time.Time `json:"last_opened_at"`
	FirstClickedAt      *time.Time `json:"first_clicked_at"`
	LastClickedAt       *time.Time `json:"last_clicked_at"`
	FirstRepliedAt      *time.Time `json:"first_replied_at"`
	LastRepliedAt       *time.Time `json:"last_replied_at"`
	FirstBouncedAt      *time.Time `json:"first_bounced_at"`
	LastBouncedAt       *time.Time `json:"last_bounced_at"`
	FirstComplainedAt   *time.Time `json:"first_complained_at"`
	LastComplainedAt    *time.Time `json:"last_complained_at"`
	FirstUnsubscribedAt *time.Time `json:"first_unsubscribed_at"`
	LastUnsubscribedAt  *time.Time `json:"last_unsubscribed_at"`
	BounceType          string     `json:"bounce_type,omitempty"` // hard, soft, blocked, invalid

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Engagement is the accumulated event history of an instance across all of its sends.
type Engagement struct {
	Opened  bool
	Clicked bool
	Replied bool
}

// Holds reports whether a skip condition is satisfied.
func (e Engagement) Holds(c Condition) bool {
	switch c {
	case ConditionReplied:
		return e.Replied
	case ConditionClicked:
		return e.Clicked
	case ConditionOpened:
		return e.Opened
	}
	return false
}
