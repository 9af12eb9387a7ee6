// Package progress stores the latest progress record of each expansion job
// under an opaque token. Records expire a fixed time after the last publish.
package progress

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown or expired tokens.
	ErrNotFound = errors.New("progress record not found")
	// ErrStale is returned when a non-terminal publish is older than the
	// stored worker record.
	ErrStale = errors.New("progress record is older than the stored one")
	// ErrFinal is returned when publishing over a terminal record.
	ErrFinal = errors.New("progress record is final")
)

// DefaultTTL is how long a record survives after its last publish.
const DefaultTTL = time.Hour

// Phase is a job lifecycle state.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseSelecting Phase = "selecting"
	PhaseSearching Phase = "searching"
	PhaseCreating  Phase = "creating"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"

	// PhaseTimeout is synthesized for observers only and never stored.
	PhaseTimeout Phase = "timeout"
)

// Terminal reports whether no further records follow this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// stale reports whether next must be refused over cur. Only records written
// by the worker are ordered by timestamp; the queued record comes from the
// submitting process and its clock.
func stale(cur, next Record) bool {
	if cur.Phase == PhaseQueued || next.Phase.Terminal() {
		return false
	}
	return next.Timestamp.Before(cur.Timestamp)
}

// Result is the payload of a completed job.
type Result struct {
	SuggestionsCreated int `json:"suggestions_created"`
	PrototypesUsed     int `json:"prototypes_used"`
	CandidatesFound    int `json:"candidates_found"`
	DuplicatesSkipped  int `json:"duplicates_skipped"`
	FailedQueries      int `json:"failed_queries"`
}

// Record is the latest observable state of a job.
type Record struct {
	Phase     Phase     `json:"phase"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Version is assigned by the store and grows with every accepted publish.
	Version int64 `json:"version"`
}

// Store keeps one record per token.
type Store interface {
	// Publish overwrites the record and resets its TTL. It returns ErrFinal
	// once a terminal record is stored. A terminal record is never stale.
	// ErrStale is returned for an older non-terminal record, except over the
	// queued record, which is stamped by the submitting process on another
	// clock.
	Publish(ctx context.Context, token string, rec Record) error
	// Read returns ErrNotFound for unknown or expired tokens.
	Read(ctx context.Context, token string) (Record, error)
}
