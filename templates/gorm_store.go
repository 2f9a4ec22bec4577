package templates

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"outreach/models"
)

// GormStore reads templates from the sequence_templates table.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Get resolves the current version of an active template.
func (s *GormStore) Get(ctx context.Context, name string) (*models.SequenceTemplate, error) {
	var tmpl models.SequenceTemplate
	if err := s.DB.WithContext(ctx).Where("name = ? AND is_active = ?", name, true).First(&tmpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to load template %s: %w", name, err)
	}
	if err := Validate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Save creates the template or writes a new version of it.
func (s *GormStore) Save(ctx context.Context, tmpl *models.SequenceTemplate) error {
	if err := Validate(tmpl); err != nil {
		return err
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SequenceTemplate
		err := tx.Where("name = ?", tmpl.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			tmpl.Version = 1
			return tx.Create(tmpl).Error
		case err != nil:
			return err
		}

		tmpl.ID = existing.ID
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.Version = existing.Version + 1
		return tx.Model(tmpl).
			Select("description", "is_active", "steps", "stop_on", "version").
			Updates(tmpl).Error
	})
}

// List returns every template, active or not.
func (s *GormStore) List(ctx context.Context) ([]models.SequenceTemplate, error) {
	var out []models.SequenceTemplate
	if err := s.DB.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
