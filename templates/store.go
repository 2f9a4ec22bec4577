package templates

import (
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"sort"
	texttemplate "text/template"

	"outreach/models"
	"outreach/utils"
)

var (
	ErrNotFound              = errors.New("sequence template not found")
	ErrTemplateMisconfigured = errors.New("sequence template misconfigured")
)

func init() {
	utils.RegisterValidation("event_kind", "must be a delivery event kind", func(v string) bool {
		return models.EventKind(v).Valid()
	})
	utils.RegisterValidation("skip_condition", "must be one of replied clicked opened", func(v string) bool {
		return models.Condition(v).Valid()
	})
}

// Store is the read side of the template repository.
type Store interface {
	Get(ctx context.Context, name string) (*models.SequenceTemplate, error)
}

// Writer persists template versions.
type Writer interface {
	Save(ctx context.Context, tmpl *models.SequenceTemplate) error
}

// Validate checks a template and normalizes it in place: steps sorted by
// number, default stop conditions filled in. Any problem is reported as
// ErrTemplateMisconfigured.
func Validate(tmpl *models.SequenceTemplate) error {
	if err := utils.ValidateStruct(tmpl); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTemplateMisconfigured, tmpl.Name, err)
	}

	sort.SliceStable(tmpl.Steps, func(i, j int) bool {
		return tmpl.Steps[i].StepNumber < tmpl.Steps[j].StepNumber
	})
	for i, step := range tmpl.Steps {
		if step.StepNumber != i+1 {
			return fmt.Errorf("%w: %s: step numbers must be contiguous from 1, found %d at position %d",
				ErrTemplateMisconfigured, tmpl.Name, step.StepNumber, i+1)
		}
		if err := parseContent(step); err != nil {
			return fmt.Errorf("%w: %s: step %d: %v", ErrTemplateMisconfigured, tmpl.Name, step.StepNumber, err)
		}
	}

	if len(tmpl.StopOn) == 0 {
		tmpl.StopOn = append([]models.EventKind(nil), models.DefaultStopOn...)
	}
	return nil
}

func parseContent(step models.StepSpec) error {
	if step.HTMLTemplate == "" && step.TextTemplate == "" {
		return errors.New("step has neither html nor text content")
	}
	if _, err := texttemplate.New("subject").Parse(step.SubjectTemplate); err != nil {
		return err
	}
	if _, err := htmltemplate.New("html").Parse(step.HTMLTemplate); err != nil {
		return err
	}
	if _, err := texttemplate.New("text").Parse(step.TextTemplate); err != nil {
		return err
	}
	return nil
}

func clone(tmpl *models.SequenceTemplate) *models.SequenceTemplate {
	cp := *tmpl
	cp.Steps = make([]models.StepSpec, len(tmpl.Steps))
	for i, s := range tmpl.Steps {
		s.SkipIf = append([]models.Condition(nil), s.SkipIf...)
		cp.Steps[i] = s
	}
	cp.StopOn = append([]models.EventKind(nil), tmpl.StopOn...)
	return &cp
}
