package models

import "time"

type ContactStatus string

const (
	ContactDiscovered   ContactStatus = "discovered"
	ContactEnriched     ContactStatus = "enriched"
	ContactContacted    ContactStatus = "contacted"
	ContactReplied      ContactStatus = "replied"
	ContactBounced      ContactStatus = "bounced"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactComplained   ContactStatus = "complained"
	ContactConverted    ContactStatus = "converted"
)

// Reply sentiment buckets
const (
	SentimentPositive    = "positive"
	SentimentNeutral     = "neutral"
	SentimentNegative    = "negative"
	SentimentUnsubscribe = "unsubscribe"
	SentimentUnknown     = "unknown"
)

// Contactable reports whether outreach may still be started for a contact in this status.
func (s ContactStatus) Contactable() bool {
	switch s {
	case ContactBounced, ContactUnsubscribed, ContactComplained, ContactConverted:
		return false
	}
	return true
}

// Contact is produced by the discovery and enrichment pipelines. The engine
// only reads it and keeps the outreach bookkeeping columns current.
type Contact struct {
	ID       string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email    string        `gorm:"index" json:"email"`
	FullName string        `json:"full_name"`
	Status   ContactStatus `gorm:"default:'discovered';index" json:"status"` // discovered, enriched, contacted, replied, bounced, unsubscribed, complained, converted

	// Outreach bookkeeping
	FirstContactedAt *time.Time `json:"first_contacted_at"`
	LastContactedAt  *time.Time `json:"last_contacted_at"`
	TotalEmailsSent  int        `gorm:"default:0" json:"total_emails_sent"`
	RepliedAt        *time.Time `json:"replied_at"`
	ReplySentiment   string     `json:"reply_sentiment"` // positive, neutral, negative, unsubscribe, unknown
	ReplySentimentAt *time.Time `json:"reply_sentiment_at"` // time of the reply the sentiment came from

	// Retention: set once the contact converts so the purge job leaves it alone
	PurgeExempt bool `gorm:"default:false" json:"purge_exempt"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
