// Package dispatch renders sequence steps and hands them to a delivery
// provider. Failures are classified so the engine knows whether a step may
// be retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified dispatch failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s dispatch failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(err error) error { return &Error{Class: Transient, Err: err} }

func NewPermanent(err error) error { return &Error{Class: Permanent, Err: err} }

// IsPermanent reports whether err must not be retried. Unclassified errors
// and deadline expiry count as transient.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var de *Error
	return errors.As(err, &de) && de.Class == Permanent
}

// Message is a rendered step addressed to one recipient.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Dispatcher transmits a message and returns the provider's message id.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) (string, error)
}
