package scheduler

import (
	"fmt"
	"time"

	"outreach/models"
	"outreach/utils"
)

type Kind int

const (
	DueNow Kind = iota
	WaitUntil
	Blocked
)

func (k Kind) String() string {
	switch k {
	case DueNow:
		return "due_now"
	case WaitUntil:
		return "wait_until"
	case Blocked:
		return "blocked"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ReasonExhausted is the blocked reason once every step has been taken.
const ReasonExhausted = "sequence exhausted"

// Decision is the scheduler's verdict for the next step of an instance.
type Decision struct {
	Kind Kind
	Step int       // the step that was evaluated
	At   time.Time // resolved due time; zero when exhausted

	Reason    string
	Condition models.Condition // set when a skip_if condition blocked the step
}

// Exhausted reports whether the instance has no step left.
func (d Decision) Exhausted() bool {
	return d.Kind == Blocked && d.Reason == ReasonExhausted
}

// Skipped reports whether a skip_if condition suppressed the step.
func (d Decision) Skipped() bool {
	return d.Kind == Blocked && d.Condition != ""
}

// Scheduler computes due times. Delays are wall-clock; weekend skipping and
// preferred send times are evaluated in Location.
type Scheduler struct {
	Clock    utils.Clock
	Location *time.Location
}

func New(clock utils.Clock, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{Clock: clock, Location: loc}
}

// NextDue evaluates step CurrentStep+1 of inst against the current template
// version and the instance's engagement history. Skip conditions are only
// consulted once the step's time has come.
func (s *Scheduler) NextDue(inst *models.SequenceInstance, tmpl *models.SequenceTemplate, history models.Engagement) Decision {
	next := inst.CurrentStep + 1
	step, ok := tmpl.Step(next)
	if inst.CurrentStep >= tmpl.TotalSteps() || !ok {
		return Decision{Kind: Blocked, Step: next, Reason: ReasonExhausted}
	}

	at := s.DueTime(inst, step)
	if at.After(s.Clock.Now()) {
		return Decision{Kind: WaitUntil, Step: next, At: at}
	}

	for _, cond := range step.SkipIf {
		if history.Holds(cond) {
			return Decision{
				Kind:      Blocked,
				Step:      next,
				At:        at,
				Reason:    "skip_if:" + string(cond),
				Condition: cond,
			}
		}
	}
	return Decision{Kind: DueNow, Step: next, At: at}
}

// DueTime is the resolved time of step for inst. The first step is anchored
// on enrollment, later steps on the last action.
func (s *Scheduler) DueTime(inst *models.SequenceInstance, step models.StepSpec) time.Time {
	anchor := inst.EnrolledAt
	if step.StepNumber > 1 && inst.LastActionAt != nil {
		anchor = *inst.LastActionAt
	}
	return s.Resolve(anchor.Add(step.Delay()), step)
}

// Resolve applies the weekend rule and the preferred time of day to a naive
// candidate time.
func (s *Scheduler) Resolve(candidate time.Time, step models.StepSpec) time.Time {
	t := candidate.In(s.Location)
	if step.SkipWeekends {
		t = nextWeekday(t)
	}

	if hour, minute, ok := ParseClock(step.SendTimePreference); ok && (t.Hour() != hour || t.Minute() != minute) {
		at := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, s.Location)
		if at.Before(t) {
			at = at.AddDate(0, 0, 1)
		}
		if step.SkipWeekends {
			at = nextWeekday(at)
		}
		t = at
	}
	return t.UTC()
}

func nextWeekday(t time.Time) time.Time {
	for isWeekend(t) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ParseClock parses an "HH:MM" preference.
func ParseClock(pref string) (hour, minute int, ok bool) {
	if pref == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", pref)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}
