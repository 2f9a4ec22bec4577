package models

import "time"

type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusActive    InstanceStatus = "active"
	StatusPaused    InstanceStatus = "paused"
	StatusCompleted InstanceStatus = "completed"
	StatusStopped   InstanceStatus = "stopped"
	StatusConverted InstanceStatus = "converted"
)

// Terminal reports whether no transition may leave this status.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusConverted
}

// Schedulable reports whether the tick may progress an instance in this status.
func (s InstanceStatus) Schedulable() bool {
	return s == StatusPending || s == StatusActive
}

// NonTerminalStatuses lists every status an instance can still leave.
var NonTerminalStatuses = []InstanceStatus{StatusPending, StatusActive, StatusPaused}

// Stop reasons that are not event kinds
const (
	StopReasonManual = "manual"
)

// SequenceInstance is one contact's progression through a template.
type SequenceInstance struct {
	ID           string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ContactID    string `gorm:"not null;index;uniqueIndex:idx_open_enrollment,where:status IN ('pending','active','paused')" json:"contact_id"`
	TemplateName string `gorm:"not null;index;uniqueIndex:idx_open_enrollment,where:status IN ('pending','active','paused')" json:"template_name"`

	CurrentStep    int            `gorm:"not null;default:0" json:"current_step"` // 0 = not started
	Status         InstanceStatus `gorm:"not null;default:'pending';index" json:"status"`
	NextEligibleAt *time.Time     `gorm:"index" json:"next_eligible_at"`
	StopReason     string         `json:"stop_reason,omitempty"`

	PersonalizationData map[string]string `gorm:"type:jsonb;serializer:json" json:"personalization_data"`

	// Operator attention: set when a step failed permanently or the template is unusable.
	NeedsAttention   bool   `gorm:"default:false;index" json:"needs_attention"`
	AttentionReason  string `json:"attention_reason,omitempty"`
	AttentionStep    int    `json:"attention_step,omitempty"`
	DispatchAttempts int    `gorm:"default:0" json:"dispatch_attempts"` // transient failures of the current step

	// Optimistic concurrency: every write bumps the revision
	Revision int64 `gorm:"not null;default:0" json:"revision"`

	EnrolledAt   time.Time  `gorm:"not null" json:"enrolled_at"`
	StartedAt    *time.Time `json:"started_at"`
	LastActionAt *time.Time `json:"last_action_at"`
	CompletedAt  *time.Time `json:"completed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MessageSends []MessageSend `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE" json:"message_sends,omitempty"`
}

// InstanceFilter narrows instance listings for operators.
type InstanceFilter struct {
	Status         InstanceStatus
	ContactID      string
	TemplateName   string
	NeedsAttention *bool
	Limit          int
}

// Transition records a status change of an instance.
type Transition struct {
	InstanceID string         `json:"instance_id"`
	ContactID  string         `json:"contact_id"`
	From       InstanceStatus `json:"from"`
	To         InstanceStatus `json:"to"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// InstanceCounts is the operator summary of all instances.
type InstanceCounts struct {
	ByStatus       map[InstanceStatus]int64 `json:"by_status"`
	NeedsAttention int64                    `json:"needs_attention"`
}
