package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kozaktomas/face-expand/internal/database"
)

type suggestionRow struct {
	ID         int64         `db:"id"`
	FaceID     int64         `db:"face_id"`
	PersonID   int64         `db:"person_id"`
	Confidence float64       `db:"confidence"`
	Status     string        `db:"status"`
	Source     string        `db:"source"`
	JobID      string        `db:"job_id"`
	CreatedAt  int64         `db:"created_at"`
	ReviewedAt sql.NullInt64 `db:"reviewed_at"`
}

func (r suggestionRow) toSuggestion() database.Suggestion {
	s := database.Suggestion{
		ID:         r.ID,
		FaceID:     r.FaceID,
		PersonID:   r.PersonID,
		Confidence: r.Confidence,
		Status:     database.SuggestionStatus(r.Status),
		Source:     database.SuggestionSource(r.Source),
		JobID:      r.JobID,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.ReviewedAt.Valid {
		t := time.UnixMilli(r.ReviewedAt.Int64).UTC()
		s.ReviewedAt = &t
	}
	return s
}

func toSuggestions(rows []suggestionRow) []database.Suggestion {
	out := make([]database.Suggestion, len(rows))
	for i, r := range rows {
		out[i] = r.toSuggestion()
	}
	return out
}

const suggestionColumns = `id, face_id, person_id, confidence, status, source, job_id, created_at, reviewed_at`

// InsertPending relies on the partial unique index; a conflicting pending row
// makes the insert a no-op.
func (s *Store) InsertPending(ctx context.Context, ns database.NewSuggestion) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (face_id, person_id, confidence, status, source, job_id, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT (face_id, person_id) WHERE status = 'pending' DO NOTHING
	`, ns.FaceID, ns.PersonID, ns.Confidence, string(ns.Source), ns.JobID, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("insert suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert suggestion rows affected: %w", err)
	}
	return n == 1, nil
}

// SuggestedFaceIDs returns faces with a pending suggestion for the person.
func (s *Store) SuggestedFaceIDs(ctx context.Context, personID int64) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT face_id FROM suggestions
		WHERE person_id = ? AND status = 'pending'
	`, personID); err != nil {
		return nil, fmt.Errorf("query suggested faces: %w", err)
	}

	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// ListSuggestions returns suggestions of a person, highest confidence first.
func (s *Store) ListSuggestions(
	ctx context.Context, personID int64, status database.SuggestionStatus, limit int,
) ([]database.Suggestion, error) {
	var rows []suggestionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+suggestionColumns+`
		FROM suggestions
		WHERE person_id = ? AND (? = '' OR status = ?)
		ORDER BY confidence DESC, id
		LIMIT ?
	`, personID, string(status), string(status), limit); err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	return toSuggestions(rows), nil
}

// AcceptSuggestions marks pending suggestions accepted and assigns their faces.
// Other pending suggestions for a newly assigned face are rejected.
func (s *Store) AcceptSuggestions(ctx context.Context, ids []int64) ([]database.Suggestion, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query, args, err := sqlx.In(
		`SELECT `+suggestionColumns+` FROM suggestions WHERE id IN (?) AND status = 'pending' ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build accept query: %w", err)
	}
	var rows []suggestionRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select pending suggestions: %w", err)
	}

	now := s.nowMillis()
	accepted := make([]database.Suggestion, 0, len(rows))
	for _, r := range rows {
		upd, err := tx.ExecContext(ctx,
			`UPDATE suggestions SET status = 'accepted', reviewed_at = ? WHERE id = ? AND status = 'pending'`, now, r.ID)
		if err != nil {
			return nil, fmt.Errorf("accept suggestion %d: %w", r.ID, err)
		}
		if n, _ := upd.RowsAffected(); n == 0 {
			// Superseded earlier in this batch.
			continue
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE faces SET person_id = ? WHERE id = ? AND person_id IS NULL`, r.PersonID, r.FaceID)
		if err != nil {
			return nil, fmt.Errorf("assign face %d: %w", r.FaceID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE suggestions SET status = 'rejected', reviewed_at = ?
				WHERE face_id = ? AND status = 'pending'
			`, now, r.FaceID); err != nil {
				return nil, fmt.Errorf("supersede suggestions: %w", err)
			}
		}

		r.Status = string(database.SuggestionAccepted)
		r.ReviewedAt = sql.NullInt64{Int64: now, Valid: true}
		accepted = append(accepted, r.toSuggestion())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return accepted, nil
}

// RejectSuggestions marks pending suggestions rejected.
func (s *Store) RejectSuggestions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`UPDATE suggestions SET status = 'rejected', reviewed_at = ? WHERE id IN (?) AND status = 'pending'`,
		s.nowMillis(), ids)
	if err != nil {
		return 0, fmt.Errorf("build reject query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("reject suggestions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reject suggestions rows affected: %w", err)
	}
	return int(n), nil
}
