package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/face-expand/internal/database"
)

// SuggestionRepository persists and reviews suggestions.
type SuggestionRepository struct {
	pool  *Pool
	faces *FaceRepository // kept in sync when accepted faces get assigned
}

// NewSuggestionRepository creates a new PostgreSQL suggestion repository.
func NewSuggestionRepository(pool *Pool, faces *FaceRepository) *SuggestionRepository {
	return &SuggestionRepository{pool: pool, faces: faces}
}

const suggestionColumns = `id, face_id, person_id, confidence, status, source, job_id, created_at, reviewed_at`

// InsertPending inserts a pending suggestion; the partial unique index turns a
// concurrent or repeated insert for the same pair into a no-op.
func (r *SuggestionRepository) InsertPending(ctx context.Context, s database.NewSuggestion) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		INSERT INTO suggestions (face_id, person_id, confidence, status, source, job_id)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (face_id, person_id) WHERE status = 'pending' DO NOTHING
	`, s.FaceID, s.PersonID, s.Confidence, string(s.Source), s.JobID)
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
func (r *SuggestionRepository) SuggestedFaceIDs(ctx context.Context, personID int64) (map[int64]struct{}, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT face_id FROM suggestions
		WHERE person_id = $1 AND status = 'pending'
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("query suggested faces: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan face id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggested faces: %w", err)
	}
	return ids, nil
}

// ListSuggestions returns suggestions of a person, highest confidence first.
func (r *SuggestionRepository) ListSuggestions(
	ctx context.Context, personID int64, status database.SuggestionStatus, limit int,
) ([]database.Suggestion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+suggestionColumns+`
		FROM suggestions
		WHERE person_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY confidence DESC, id
		LIMIT $3
	`, personID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	return scanSuggestions(rows)
}

// AcceptSuggestions marks pending suggestions accepted and assigns their faces.
// Other pending suggestions for a newly assigned face are rejected.
func (r *SuggestionRepository) AcceptSuggestions(ctx context.Context, ids []int64) ([]database.Suggestion, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		UPDATE suggestions SET status = 'accepted', reviewed_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'
		RETURNING `+suggestionColumns, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("accept suggestions: %w", err)
	}
	accepted, err := scanSuggestions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	assigned := make(map[int64]int64, len(accepted))
	for _, s := range accepted {
		ok, err := assignFace(ctx, tx, s.FaceID, s.PersonID)
		if err != nil {
			return nil, err
		}
		if ok {
			assigned[s.FaceID] = s.PersonID
		}
	}

	if len(assigned) > 0 {
		faceIDs := make([]int64, 0, len(assigned))
		for id := range assigned {
			faceIDs = append(faceIDs, id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE suggestions SET status = 'rejected', reviewed_at = NOW()
			WHERE face_id = ANY($1) AND status = 'pending'
		`, pq.Array(faceIDs)); err != nil {
			return nil, fmt.Errorf("supersede suggestions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}

	if r.faces != nil {
		r.faces.syncAssignments(assigned)
	}
	return accepted, nil
}

// RejectSuggestions marks pending suggestions rejected.
func (r *SuggestionRepository) RejectSuggestions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.pool.Exec(ctx, `
		UPDATE suggestions SET status = 'rejected', reviewed_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("reject suggestions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reject suggestions rows affected: %w", err)
	}
	return int(n), nil
}

func scanSuggestions(rows *sql.Rows) ([]database.Suggestion, error) {
	var out []database.Suggestion
	for rows.Next() {
		var s database.Suggestion
		var status, source string
		var reviewedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.FaceID, &s.PersonID, &s.Confidence, &status, &source,
			&s.JobID, &s.CreatedAt, &reviewedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		s.Status = database.SuggestionStatus(status)
		s.Source = database.SuggestionSource(source)
		if reviewedAt.Valid {
			t := reviewedAt.Time
			s.ReviewedAt = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return out, nil
}
