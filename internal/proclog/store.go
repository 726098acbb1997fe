// Package proclog records the lifecycle of every webhook processing attempt.
package proclog

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of one processing attempt.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusExpired marks attempts left in started by a crashed process.
	StatusExpired Status = "expired"
)

// ReasonDuplicateSuccess closes an attempt whose event already has a success row.
const ReasonDuplicateSuccess = "duplicate_success"

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusStarted || s.Terminal()
}

var (
	// ErrStoreUnavailable indicates the log store dependency is not configured.
	ErrStoreUnavailable = errors.New("proclog: store unavailable")
	// ErrNotFound is returned when finishing an unknown log row.
	ErrNotFound = errors.New("proclog: entry not found")
	// ErrDuplicateSuccess is returned when an event already has a success row.
	ErrDuplicateSuccess = errors.New("proclog: event already has a success entry")
)

// Detail is the structured context attached to an entry.
type Detail map[string]any

// Entry is one processing attempt of a provider event.
type Entry struct {
	ID              int64     `json:"id"`
	EventType       string    `json:"event_type"`
	ProviderEventID string    `json:"provider_event_id"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Attempt         int       `json:"attempt"`
	Detail          Detail    `json:"detail"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Filter narrows ListRecent.
type Filter struct {
	Status    Status
	EventType string
	Limit     int
}

// Store persists processing log entries.
type Store interface {
	Insert(ctx context.Context, entry Entry) (int64, error)
	// Finish moves a started entry to a terminal status, merging detail.
	Finish(ctx context.Context, id int64, status Status, reason string, detail Detail) error
	ListByEvent(ctx context.Context, providerEventID string) ([]Entry, error)
	ListRecent(ctx context.Context, filter Filter) ([]Entry, error)
	// ExpireStarted moves entries still started before olderThan to expired.
	ExpireStarted(ctx context.Context, olderThan time.Time) (int64, error)
}
