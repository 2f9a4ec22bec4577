package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"outreach/models"
	"outreach/utils"
)

// MemoryGuard is a process-local claim table with the same semantics as GormGuard.
type MemoryGuard struct {
	mu        sync.Mutex
	records   map[string]*models.IdempotencyRecord
	clock     utils.Clock
	retention Retention
}

func NewMemoryGuard(clock utils.Clock, retention Retention) *MemoryGuard {
	return &MemoryGuard{
		records:   make(map[string]*models.IdempotencyRecord),
		clock:     clock,
		retention: retention,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	rec, ok := g.records[key]
	switch {
	case !ok:
		g.records[key] = &models.IdempotencyRecord{
			Key:       key,
			Status:    models.IdempotencyProcessing,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		return Granted, nil
	case rec.Status == models.IdempotencyFailed:
		rec.Status = models.IdempotencyProcessing
		rec.Attempts++
		rec.LastError = ""
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(ttl)
		return Granted, nil
	case rec.Status == models.IdempotencyProcessing && rec.ExpiresAt.Before(now):
		rec.Attempts++
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(ttl)
		return ExpiredRetryable, nil
	}
	return AlreadyClaimed, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key string) error {
	return g.resolve(key, models.IdempotencyCompleted, "", g.retention.Completed)
}

func (g *MemoryGuard) Fail(_ context.Context, key string, reason string) error {
	return g.resolve(key, models.IdempotencyFailed, reason, g.retention.Failed)
}

func (g *MemoryGuard) resolve(key string, status models.IdempotencyStatus, reason string, keep time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok || rec.Status != models.IdempotencyProcessing {
		return fmt.Errorf("%w: %s", ErrClaimNotHeld, key)
	}
	now := g.clock.Now()
	rec.Status = status
	rec.LastError = reason
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(keep)
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[key]; ok && rec.Status != models.IdempotencyProcessing {
		delete(g.records, key)
	}
	return nil
}

func (g *MemoryGuard) Cleanup(_ context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	var n int64
	for key, rec := range g.records {
		if rec.Status != models.IdempotencyProcessing && rec.ExpiresAt.Before(now) {
			delete(g.records, key)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record for key, nil when there is none.
func (g *MemoryGuard) Get(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
