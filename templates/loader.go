package templates

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"outreach/models"
)

type templateFile struct {
	Sequences []models.SequenceTemplate `yaml:"sequences"`
}

// LoadFile reads sequence definitions from a YAML document of the form
//
//	sequences:
//	  - name: youtube_creator
//	    steps: [...]
func LoadFile(path string) ([]models.SequenceTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates YAML sequence definitions.
func Parse(raw []byte) ([]models.SequenceTemplate, error) {
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	for i := range file.Sequences {
		file.Sequences[i].IsActive = true
		if err := Validate(&file.Sequences[i]); err != nil {
			return nil, err
		}
	}
	return file.Sequences, nil
}

// Seed writes each template through w, bumping versions of existing ones.
func Seed(ctx context.Context, w Writer, sequences []models.SequenceTemplate) error {
	for i := range sequences {
		if err := w.Save(ctx, &sequences[i]); err != nil {
			return fmt.Errorf("failed to seed template %s: %w", sequences[i].Name, err)
		}
	}
	return nil
}
