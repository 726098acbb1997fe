package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

// Failure reasons used as Monitor labels and processing log reasons.
const (
	ReasonAuthentication   = "authentication"
	ReasonMalformed        = "malformed"
	ReasonDedupUnavailable = "dedup_unavailable"
	ReasonDomainNotFound   = "domain_not_found"
	ReasonTimeout          = "timeout"
	ReasonDatastore        = "datastore"
	ReasonInternal         = "internal"
)

// AuthenticationError reports a missing or invalid signature. It is never
// retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// MalformedEventError reports a signed body that is not a usable event.
type MalformedEventError struct {
	EventID string
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("malformed event %s: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// DomainNotFoundError reports that the record an event refers to does not exist.
type DomainNotFoundError struct {
	Kind string
	ID   string
}

func (e *DomainNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// StepError is a failed critical step of a handler.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// FailureReason classifies err into one of the Reason constants.
func FailureReason(err error) string {
	var (
		authErr      *AuthenticationError
		malformedErr *MalformedEventError
		notFoundErr  *DomainNotFoundError
		stepErr      *StepError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return ReasonAuthentication
	case errors.As(err, &malformedErr):
		return ReasonMalformed
	case errors.Is(err, dedup.ErrCheck), errors.Is(err, dedup.ErrStoreUnavailable):
		return ReasonDedupUnavailable
	case errors.As(err, &notFoundErr):
		return ReasonDomainNotFound
	case resilience.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &stepErr):
		return ReasonDatastore
	default:
		return ReasonInternal
	}
}
