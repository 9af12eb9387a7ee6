package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a person, face or suggestion does not exist.
var ErrNotFound = errors.New("not found")

// Face represents a detected face with its embedding.
type Face struct {
	ID          int64
	PhotoUID    string // Source asset the face was detected in
	FaceIndex   int
	Embedding   []float32
	Quality     *float64 // nil when the detector reported no quality score
	PersonID    int64    // 0 when unassigned
	IsPrototype bool     // Configured prototype of PersonID
	CreatedAt   time.Time
}

// Assigned reports whether the face is labeled with a person.
func (f *Face) Assigned() bool {
	return f.PersonID != 0
}

// Person is a labeled identity.
type Person struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// SuggestionStatus is the review state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s SuggestionStatus) Valid() bool {
	switch s {
	case SuggestionPending, SuggestionAccepted, SuggestionRejected:
		return true
	}
	return false
}

// SuggestionSource records which process proposed a suggestion.
type SuggestionSource string

const (
	SourcePipeline         SuggestionSource = "pipeline"
	SourceDynamicPrototype SuggestionSource = "dynamic_prototype"
)

// Suggestion proposes that an unassigned face belongs to a person.
type Suggestion struct {
	ID         int64
	FaceID     int64
	PersonID   int64
	Confidence float64
	Status     SuggestionStatus
	Source     SuggestionSource
	JobID      string
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

// NewSuggestion is the input for inserting a pending suggestion.
type NewSuggestion struct {
	FaceID     int64
	PersonID   int64
	Confidence float64
	Source     SuggestionSource
	JobID      string
}

// Match is a similarity search hit. Score is cosine similarity (1 - distance).
type Match struct {
	FaceID int64
	Score  float64
}
