package models

import "time"

var bounceRank = map[string]int{
	"soft":    1,
	"blocked": 2,
	"invalid": 3,
	"hard":    4,
}

// ApplyEngagement folds one delivery event into a send. Counters grow by
// one per call, first_* keeps the earliest timestamp and last_* the latest,
// and status only advances, so applying a set of events in any order yields
// the same send.
func ApplyEngagement(send *MessageSend, ev DeliveryEvent) {
	at := ev.OccurredAt
	switch ev.Kind {
	case EventDelivered:
		widen(&send.FirstDeliveredAt, &send.LastDeliveredAt, at)
	case EventOpened:
		send.OpenCount++
		widen(&send.FirstOpenedAt, &send.LastOpenedAt, at)
	case EventClicked:
		send.ClickCount++
		widen(&send.FirstClickedAt, &send.LastClickedAt, at)
	case EventReplied:
		send.ReplyCount++
		widen(&send.FirstRepliedAt, &send.LastRepliedAt, at)
	case EventBounced:
		widen(&send.FirstBouncedAt, &send.LastBouncedAt, at)
		if bounceRank[ev.BounceType] > bounceRank[send.BounceType] {
			send.BounceType = ev.BounceType
		}
	case EventComplained:
		widen(&send.FirstComplainedAt, &send.LastComplainedAt, at)
	case EventUnsubscribed:
		widen(&send.FirstUnsubscribedAt, &send.LastUnsubscribedAt, at)
	}
	send.Status = send.Status.Advance(ev.Kind.SendStatus())
}

func widen(first, last **time.Time, at time.Time) {
	if *first == nil || at.Before(**first) {
		t := at
		*first = &t
	}
	if *last == nil || at.After(**last) {
		t := at
		*last = &t
	}
}

// ApplyContactEvent updates a contact's outreach status from a delivery
// event. Statuses that end outreach are never overwritten. Reports whether
// anything changed.
func ApplyContactEvent(c *Contact, ev DeliveryEvent) bool {
	changed := false
	setStatus := func(s ContactStatus) {
		if c.Status.Contactable() && c.Status != s {
			c.Status = s
			changed = true
		}
	}

	switch ev.Kind {
	case EventReplied:
		if c.RepliedAt == nil || ev.OccurredAt.Before(*c.RepliedAt) {
			t := ev.OccurredAt
			c.RepliedAt = &t
			changed = true
		}
		if mergeSentiment(c, ev) {
			changed = true
		}
		if ev.Sentiment == SentimentUnsubscribe {
			setStatus(ContactUnsubscribed)
		} else {
			setStatus(ContactReplied)
		}
	case EventBounced:
		if ev.BounceType == "" || ev.BounceType == "hard" || ev.BounceType == "invalid" {
			setStatus(ContactBounced)
		}
	case EventUnsubscribed:
		if c.ReplySentiment != SentimentUnsubscribe {
			t := ev.OccurredAt
			c.ReplySentiment = SentimentUnsubscribe
			c.ReplySentimentAt = &t
			changed = true
		}
		setStatus(ContactUnsubscribed)
	case EventComplained:
		setStatus(ContactComplained)
	}
	return changed
}

// mergeSentiment keeps the sentiment of the latest reply, breaking ties on
// the sentiment itself, so replies merge to the same bucket in any order. An
// unsubscribe is never replaced. A reply without sentiment only fills an
// empty bucket with unknown.
func mergeSentiment(c *Contact, ev DeliveryEvent) bool {
	if c.ReplySentiment == SentimentUnsubscribe {
		return false
	}
	if ev.Sentiment == "" {
		if c.ReplySentiment == "" {
			c.ReplySentiment = SentimentUnknown
			return true
		}
		return false
	}
	if ev.Sentiment != SentimentUnsubscribe && c.ReplySentimentAt != nil {
		prev := *c.ReplySentimentAt
		if ev.OccurredAt.Before(prev) || (ev.OccurredAt.Equal(prev) && ev.Sentiment <= c.ReplySentiment) {
			return false
		}
	}
	t := ev.OccurredAt
	c.ReplySentiment = ev.Sentiment
	c.ReplySentimentAt = &t
	return true
}
