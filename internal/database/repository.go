package database

import (
	"context"
)

// FaceReader provides read-only access to faces and similarity search
type FaceReader interface {
	// LabeledFaces returns every face assigned to the person, prototypes included
	LabeledFaces(ctx context.Context, personID int64) ([]Face, error)
	// CountEligible returns the number of labeled non-prototype faces of the person
	CountEligible(ctx context.Context, personID int64) (int, error)
	// QueryUnassigned returns unassigned faces whose cosine similarity to the
	// embedding is at least minScore, best first, at most limit results
	QueryUnassigned(ctx context.Context, embedding []float32, minScore float64, limit int) ([]Match, error)
	// Count returns the total number of faces stored
	Count(ctx context.Context) (int, error)
}

// PersonReader resolves persons
type PersonReader interface {
	// GetPerson returns ErrNotFound when the id is unknown
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// FindPersonByName matches names after normalization (lowercase, no diacritics,
	// dashes to spaces) so "jan-novak" finds "Jan Novák"
	FindPersonByName(ctx context.Context, name string) (*Person, error)
}

// SuggestionWriter persists suggestions produced by expansion jobs
type SuggestionWriter interface {
	// InsertPending inserts a pending suggestion unless one already exists for
	// the (face, person) pair. Returns false when the row was a duplicate.
	InsertPending(ctx context.Context, s NewSuggestion) (bool, error)
	// SuggestedFaceIDs returns the faces that already have a pending
	// suggestion for the person. Rejected faces may be proposed again.
	SuggestedFaceIDs(ctx context.Context, personID int64) (map[int64]struct{}, error)
}

// SuggestionReviewer applies review decisions
type SuggestionReviewer interface {
	// ListSuggestions returns suggestions of a person, highest confidence first.
	// An empty status lists all statuses.
	ListSuggestions(ctx context.Context, personID int64, status SuggestionStatus, limit int) ([]Suggestion, error)
	// AcceptSuggestions marks pending suggestions accepted and assigns their faces
	// to the suggested person. Returns the suggestions that changed state.
	AcceptSuggestions(ctx context.Context, ids []int64) ([]Suggestion, error)
	// RejectSuggestions marks pending suggestions rejected and returns how many changed.
	RejectSuggestions(ctx context.Context, ids []int64) (int, error)
}

// Store is the full relational surface used by the service
type Store interface {
	FaceReader
	PersonReader
	SuggestionWriter
	SuggestionReviewer
}
