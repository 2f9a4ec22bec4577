package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SendBudget caps the number of messages dispatched per day.
type SendBudget interface {
	// Reserve takes one unit of the day's budget. Reports false when the
	// budget is exhausted.
	Reserve(ctx context.Context, at time.Time) (bool, error)
	// Release returns a unit reserved for a dispatch that did not happen.
	Release(ctx context.Context, at time.Time) error
}

const budgetKeyPrefix = "email_count:"

func budgetDay(at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format("20060102")
}

// RedisBudget counts the day's sends in Redis so every worker shares one limit.
type RedisBudget struct {
	Client   *redis.Client
	Limit    int
	Location *time.Location
}

func NewRedisBudget(client *redis.Client, limit int, loc *time.Location) *RedisBudget {
	return &RedisBudget{Client: client, Limit: limit, Location: loc}
}

func (b *RedisBudget) Reserve(ctx context.Context, at time.Time) (bool, error) {
	if b.Limit <= 0 {
		return true, nil
	}
	key := budgetKeyPrefix + budgetDay(at, b.Location)
	n, err := b.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		b.Client.Expire(ctx, key, 48*time.Hour)
	}
	if n > int64(b.Limit) {
		b.Client.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

func (b *RedisBudget) Release(ctx context.Context, at time.Time) error {
	if b.Limit <= 0 {
		return nil
	}
	return b.Client.Decr(ctx, budgetKeyPrefix+budgetDay(at, b.Location)).Err()
}

// MemoryBudget is a process-local SendBudget.
type MemoryBudget struct {
	Limit    int
	Location *time.Location

	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryBudget(limit int, loc *time.Location) *MemoryBudget {
	return &MemoryBudget{Limit: limit, Location: loc, counts: make(map[string]int)}
}

func (b *MemoryBudget) Reserve(_ context.Context, at time.Time) (bool, error) {
	if b.Limit <= 0 {
		return true, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	day := budgetDay(at, b.Location)
	if b.counts[day] >= b.Limit {
		return false, nil
	}
	b.counts[day]++
	return true, nil
}

func (b *MemoryBudget) Release(_ context.Context, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := budgetDay(at, b.Location)
	if b.counts[day] > 0 {
		b.counts[day]--
	}
	return nil
}

// Used returns the units taken on the day of at.
func (b *MemoryBudget) Used(at time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[budgetDay(at, b.Location)]
}
