package dispatch

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"

	"outreach/models"
)

// Render fills a step's subject and bodies from the personalization data.
// Missing keys render empty. Rendering errors are permanent: the same data
// will fail the same way on every retry.
func Render(step models.StepSpec, data map[string]string) (subject, html, text string, err error) {
	if subject, err = renderText("subject", step.SubjectTemplate, data); err != nil {
		return "", "", "", NewPermanent(err)
	}
	if text, err = renderText("text", step.TextTemplate, data); err != nil {
		return "", "", "", NewPermanent(err)
	}
	if step.HTMLTemplate != "" {
		t, perr := htmltemplate.New("html").Option("missingkey=zero").Parse(step.HTMLTemplate)
		if perr != nil {
			return "", "", "", NewPermanent(perr)
		}
		var buf bytes.Buffer
		if err = t.Execute(&buf, data); err != nil {
			return "", "", "", NewPermanent(err)
		}
		html = buf.String()
	}
	return subject, html, text, nil
}

func renderText(name, src string, data map[string]string) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
