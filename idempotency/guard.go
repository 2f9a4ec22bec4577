package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of a claim.
type Result int

const (
	// Granted: the caller holds the claim. Also returned when a previously
	// failed attempt is retried.
	Granted Result = iota
	// AlreadyClaimed: another caller is processing the key or has completed it.
	AlreadyClaimed
	// ExpiredRetryable: a processing claim outlived its expiry and was taken
	// over by this caller. The previous holder is presumed dead.
	ExpiredRetryable
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case AlreadyClaimed:
		return "already_claimed"
	case ExpiredRetryable:
		return "expired_retryable"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Held reports whether the caller may perform the guarded action.
func (r Result) Held() bool {
	return r == Granted || r == ExpiredRetryable
}

var ErrClaimNotHeld = errors.New("idempotency claim is not in processing state")

// Guard grants exclusive permission to perform an action once.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (Result, error)
	Complete(ctx context.Context, key string) error
	Fail(ctx context.Context, key string, reason string) error
}

// Releaser drops a resolved claim so an operator can re-run the action.
type Releaser interface {
	Release(ctx context.Context, key string) error
}

// Cleaner removes resolved claims past their retention.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Retention controls how long resolved claims are kept.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

var DefaultRetention = Retention{
	Completed: 7 * 24 * time.Hour,
	Failed:    time.Hour,
}

// StepKey is the key of one sequence step. It depends only on the instance
// and the step number so every retry of the same send maps to it.
func StepKey(instanceID string, step int) string {
	return fmt.Sprintf("seq:%s:step:%d", instanceID, step)
}
