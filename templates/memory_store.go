package templates

import (
	"context"
	"fmt"
	"sync"

	"outreach/models"
)

// MemoryStore keeps templates in process. Templates are copied on the way
// in and out so callers never share step slices.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*models.SequenceTemplate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]*models.SequenceTemplate)}
}

func (s *MemoryStore) Get(_ context.Context, name string) (*models.SequenceTemplate, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok || !tmpl.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cp := clone(tmpl)
	if err := Validate(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *MemoryStore) Save(_ context.Context, tmpl *models.SequenceTemplate) error {
	if err := Validate(tmpl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl.Version = 1
	if prev, ok := s.templates[tmpl.Name]; ok {
		tmpl.Version = prev.Version + 1
	}
	s.templates[tmpl.Name] = clone(tmpl)
	return nil
}

// Put stores a template without validating it. Used to simulate rows that
// were edited outside the application.
func (s *MemoryStore) Put(tmpl *models.SequenceTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.Name] = clone(tmpl)
}

func (s *MemoryStore) List(_ context.Context) ([]models.SequenceTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SequenceTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, *clone(t))
	}
	return out, nil
}
