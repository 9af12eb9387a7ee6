package expand

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for out-of-range job configuration.
	ErrInvalidConfig = errors.New("invalid expansion config")
	// ErrNoPrototypes fails a job whose selection came back empty.
	ErrNoPrototypes = errors.New("no prototypes available")
	// ErrQueriesFailed fails a job when the failure policy rejects the failed queries.
	ErrQueriesFailed = errors.New("prototype queries failed")
	// ErrTooManyIDs rejects oversized bulk review requests.
	ErrTooManyIDs = errors.New("too many suggestion ids")
)

// InsufficientDataError rejects a submission for a person with too few
// eligible labeled faces. No job is created.
type InsufficientDataError struct {
	PersonID int64
	Eligible int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("person %d has %d eligible faces, at least %d required",
		e.PersonID, e.Eligible, e.Required)
}

// IndexQueryError records one failed similarity query.
type IndexQueryError struct {
	PrototypeFaceID int64
	Err             error
}

func (e *IndexQueryError) Error() string {
	return fmt.Sprintf("query for prototype face %d: %v", e.PrototypeFaceID, e.Err)
}

func (e *IndexQueryError) Unwrap() error { return e.Err }

// PersistenceError aborts the creating phase.
type PersistenceError struct {
	FaceID int64
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting suggestion for face %d: %v", e.FaceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
