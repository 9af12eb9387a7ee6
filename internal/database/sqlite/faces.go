package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kozaktomas/face-expand/internal/database"
)

type faceRow struct {
	ID          int64           `db:"id"`
	PhotoUID    string          `db:"photo_uid"`
	FaceIndex   int             `db:"face_index"`
	Embedding   []byte          `db:"embedding"`
	Quality     sql.NullFloat64 `db:"quality"`
	PersonID    sql.NullInt64   `db:"person_id"`
	IsPrototype bool            `db:"is_prototype"`
	CreatedAt   int64           `db:"created_at"`
}

func (r faceRow) toFace() database.Face {
	f := database.Face{
		ID:          r.ID,
		PhotoUID:    r.PhotoUID,
		FaceIndex:   r.FaceIndex,
		Embedding:   decodeEmbedding(r.Embedding),
		IsPrototype: r.IsPrototype,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.Quality.Valid {
		q := r.Quality.Float64
		f.Quality = &q
	}
	if r.PersonID.Valid {
		f.PersonID = r.PersonID.Int64
	}
	return f
}

// encodeEmbedding packs float32 values little-endian.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

const faceColumns = `id, photo_uid, face_index, embedding, quality, person_id, is_prototype, created_at`

// LabeledFaces returns every face assigned to the person, prototypes included.
func (s *Store) LabeledFaces(ctx context.Context, personID int64) ([]database.Face, error) {
	var rows []faceRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+faceColumns+` FROM faces WHERE person_id = ? ORDER BY id`, personID); err != nil {
		return nil, fmt.Errorf("query labeled faces: %w", err)
	}

	faces := make([]database.Face, len(rows))
	for i, r := range rows {
		faces[i] = r.toFace()
	}
	return faces, nil
}

// CountEligible returns the number of labeled non-prototype faces of the person.
func (s *Store) CountEligible(ctx context.Context, personID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM faces WHERE person_id = ? AND is_prototype = 0`, personID); err != nil {
		return 0, fmt.Errorf("count eligible faces: %w", err)
	}
	return n, nil
}

// Count returns the total number of faces stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM faces`); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return n, nil
}

// QueryUnassigned scans every unassigned face and scores it against the embedding.
func (s *Store) QueryUnassigned(
	ctx context.Context, embedding []float32, minScore float64, limit int,
) ([]database.Match, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, embedding FROM faces WHERE person_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query unassigned faces: %w", err)
	}
	defer rows.Close()

	var matches []database.Match
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		score := database.SimilarityFromDistance(database.CosineDistance(embedding, decodeEmbedding(blob)))
		if score >= minScore {
			matches = append(matches, database.Match{FaceID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FaceID < matches[j].FaceID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// InsertFace stores a face and fills in its id and creation time.
func (s *Store) InsertFace(ctx context.Context, face *database.Face) error {
	var personID sql.NullInt64
	if face.PersonID != 0 {
		personID = sql.NullInt64{Int64: face.PersonID, Valid: true}
	}
	var quality sql.NullFloat64
	if face.Quality != nil {
		quality = sql.NullFloat64{Float64: *face.Quality, Valid: true}
	}

	created := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO faces (photo_uid, face_index, embedding, quality, person_id, is_prototype, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, face.PhotoUID, face.FaceIndex, encodeEmbedding(face.Embedding), quality, personID, face.IsPrototype, created)
	if err != nil {
		return fmt.Errorf("insert face: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert face id: %w", err)
	}
	face.ID = id
	face.CreatedAt = time.UnixMilli(created).UTC()
	return nil
}
