package idempotency

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outreach/models"
	"outreach/utils"
)

// GormGuard keeps claims in the idempotency_records table. Every transition
// is a single conditional statement, so the table itself arbitrates races
// between workers.
type GormGuard struct {
	DB        *gorm.DB
	Clock     utils.Clock
	Retention Retention
}

func NewGormGuard(db *gorm.DB, clock utils.Clock, retention Retention) *GormGuard {
	return &GormGuard{DB: db, Clock: clock, Retention: retention}
}

func (g *GormGuard) Claim(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	now := g.Clock.Now()
	db := g.DB.WithContext(ctx)

	res := db.Exec(
		`INSERT INTO idempotency_records (idem_key, status, attempts, last_error, created_at, updated_at, expires_at)
		VALUES (?, ?, 1, '', ?, ?, ?) ON CONFLICT (idem_key) DO NOTHING`,
		key, models.IdempotencyProcessing, now, now, now.Add(ttl),
	)
	if res.Error != nil {
		return AlreadyClaimed, fmt.Errorf("claim insert %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return Granted, nil
	}

	res = db.Exec(
		`UPDATE idempotency_records SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?, expires_at = ?
		WHERE idem_key = ? AND status = ?`,
		models.IdempotencyProcessing, now, now.Add(ttl), key, models.IdempotencyFailed,
	)
	if res.Error != nil {
		return AlreadyClaimed, fmt.Errorf("claim retry %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return Granted, nil
	}

	res = db.Exec(
		`UPDATE idempotency_records SET attempts = attempts + 1, updated_at = ?, expires_at = ?
		WHERE idem_key = ? AND status = ? AND expires_at < ?`,
		now, now.Add(ttl), key, models.IdempotencyProcessing, now,
	)
	if res.Error != nil {
		return AlreadyClaimed, fmt.Errorf("claim takeover %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return ExpiredRetryable, nil
	}
	return AlreadyClaimed, nil
}

func (g *GormGuard) Complete(ctx context.Context, key string) error {
	return g.resolve(ctx, key, models.IdempotencyCompleted, "", g.Retention.Completed)
}

func (g *GormGuard) Fail(ctx context.Context, key string, reason string) error {
	return g.resolve(ctx, key, models.IdempotencyFailed, reason, g.Retention.Failed)
}

func (g *GormGuard) resolve(ctx context.Context, key string, status models.IdempotencyStatus, reason string, keep time.Duration) error {
	now := g.Clock.Now()
	res := g.DB.WithContext(ctx).Exec(
		`UPDATE idempotency_records SET status = ?, last_error = ?, updated_at = ?, expires_at = ?
		WHERE idem_key = ? AND status = ?`,
		status, reason, now, now.Add(keep), key, models.IdempotencyProcessing,
	)
	if res.Error != nil {
		return fmt.Errorf("mark %s %s: %w", key, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimNotHeld, key)
	}
	return nil
}

// Release deletes a resolved claim. Claims in processing are left alone.
func (g *GormGuard) Release(ctx context.Context, key string) error {
	return g.DB.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE idem_key = ? AND status <> ?`,
		key, models.IdempotencyProcessing,
	).Error
}

func (g *GormGuard) Cleanup(ctx context.Context) (int64, error) {
	res := g.DB.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE status <> ? AND expires_at < ?`,
		models.IdempotencyProcessing, g.Clock.Now(),
	)
	return res.RowsAffected, res.Error
}

// Get returns the record for key, nil when there is none.
func (g *GormGuard) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var records []models.IdempotencyRecord
	if err := g.DB.WithContext(ctx).Where("idem_key = ?", key).Limit(1).Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
