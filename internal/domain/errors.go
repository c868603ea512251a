package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCapacity     = errors.New("connection capacity reached")
	ErrOrigin       = errors.New("origin not allowed")
	ErrRateLimited  = errors.New("connection attempts rate limited")
	ErrDuplicateID  = errors.New("connection id already registered")
	ErrNotConnected = errors.New("connection not registered")
	ErrIdentity     = errors.New("security context has no identity")
)

// AdmissionError is returned to the caller of Connect when a connection attempt is refused.
// errors.Is matches it against the sentinel for its reason.
type AdmissionError struct {
	Reason      RejectReason
	CandidateID string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s) for %q", e.Reason, e.CandidateID)
}

func (e *AdmissionError) Unwrap() error {
	switch e.Reason {
	case RejectCapacity:
		return ErrCapacity
	case RejectOrigin:
		return ErrOrigin
	case RejectRateLimit:
		return ErrRateLimited
	case RejectDuplicateID:
		return ErrDuplicateID
	default:
		return nil
	}
}

// ReasonFromError maps registry errors onto a rejection reason.
func ReasonFromError(err error) RejectReason {
	switch {
	case errors.Is(err, ErrCapacity):
		return RejectCapacity
	case errors.Is(err, ErrOrigin):
		return RejectOrigin
	case errors.Is(err, ErrRateLimited):
		return RejectRateLimit
	case errors.Is(err, ErrDuplicateID):
		return RejectDuplicateID
	default:
		return RejectNone
	}
}
