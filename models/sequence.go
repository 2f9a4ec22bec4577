package models

import (
	"time"

	"gorm.io/gorm"
)

// Condition names an engagement fact that suppresses a step when it already holds.
type Condition string

const (
	ConditionReplied Condition = "replied"
	ConditionClicked Condition = "clicked"
	ConditionOpened  Condition = "opened"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionReplied, ConditionClicked, ConditionOpened:
		return true
	}
	return false
}

// SequenceTemplate represents a named outreach sequence. Steps are resolved
// from the stored template each time a step is evaluated, so edits reach
// instances that are already in flight.
type SequenceTemplate struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name" yaml:"name" validate:"required,max=200"`
	Description string `json:"description" yaml:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active" yaml:"is_active"`
	Version     int    `gorm:"not null;default:1" json:"version" yaml:"-"` // bumped on every mutation

	Steps  []StepSpec  `gorm:"type:jsonb;serializer:json" json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	StopOn []EventKind `gorm:"type:jsonb;serializer:json" json:"stop_on" yaml:"stop_on" validate:"dive,event_kind"`
}

// StepSpec is one timed message of a sequence.
type StepSpec struct {
	StepNumber int `json:"step_number" yaml:"step_number" validate:"min=1"`

	// Timing
	DelayDays          int    `json:"delay_days" yaml:"delay_days" validate:"min=0"`
	DelayHours         int    `json:"delay_hours" yaml:"delay_hours" validate:"min=0"`
	SendTimePreference string `json:"send_time_preference,omitempty" yaml:"send_time_preference" validate:"omitempty,datetime=15:04"`
	SkipWeekends       bool   `json:"skip_weekends" yaml:"skip_weekends"`

	SkipIf []Condition `json:"skip_if,omitempty" yaml:"skip_if" validate:"dive,skip_condition"`

	// Content
	SubjectTemplate string `json:"subject_template" yaml:"subject_template" validate:"required"`
	HTMLTemplate    string `json:"html_template" yaml:"html_template"`
	TextTemplate    string `json:"text_template" yaml:"text_template"`
}

// Delay returns the wall-clock delay measured from the previous step.
func (s StepSpec) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// TotalSteps is the number of steps in the current version of the template.
func (t *SequenceTemplate) TotalSteps() int {
	return len(t.Steps)
}

// Step returns the step with the given 1-based number.
func (t *SequenceTemplate) Step(number int) (StepSpec, bool) {
	for _, s := range t.Steps {
		if s.StepNumber == number {
			return s, true
		}
	}
	return StepSpec{}, false
}

// StopsOn reports whether an event kind terminates instances of this template.
func (t *SequenceTemplate) StopsOn(kind EventKind) bool {
	for _, k := range t.StopOn {
		if k == kind {
			return true
		}
	}
	return false
}
