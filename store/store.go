// Package store persists contacts, sequence instances, message sends and
// reconciliation bookkeeping.
package store

import "errors"

var (
	ErrNotFound            = errors.New("record not found")
	ErrStaleInstance       = errors.New("sequence instance was modified concurrently")
	ErrDuplicateEnrollment = errors.New("contact already has an open enrollment in this sequence")
	ErrDuplicateSend       = errors.New("step already has a live message send")
)

const defaultListLimit = 100
