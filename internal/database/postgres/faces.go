package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/database"
)

// FaceRepository provides PostgreSQL-backed face storage with optional in-memory HNSW index.
type FaceRepository struct {
	pool          *Pool
	logger        *zap.Logger
	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string // Path to persist HNSW index (optional)
	hnswMu        sync.RWMutex
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool, logger *zap.Logger) *FaceRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaceRepository{pool: pool, logger: logger}
}

const faceColumns = `id, photo_uid, face_index, embedding, quality, person_id, is_prototype, created_at`

// LabeledFaces returns every face assigned to the person, prototypes included.
func (r *FaceRepository) LabeledFaces(ctx context.Context, personID int64) ([]database.Face, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE person_id = $1 ORDER BY id`, personID)
	if err != nil {
		return nil, fmt.Errorf("query labeled faces: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

// CountEligible returns the number of labeled non-prototype faces of the person.
func (r *FaceRepository) CountEligible(ctx context.Context, personID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM faces WHERE person_id = $1 AND NOT is_prototype", personID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count eligible faces: %w", err)
	}
	return count, nil
}

// Count returns the total number of faces stored.
func (r *FaceRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// QueryUnassigned finds unassigned faces similar to the embedding.
func (r *FaceRepository) QueryUnassigned(
	ctx context.Context, embedding []float32, minScore float64, limit int,
) ([]database.Match, error) {
	r.hnswMu.RLock()
	hnswEnabled := r.hnswEnabled && r.hnswIndex != nil
	idx := r.hnswIndex
	r.hnswMu.RUnlock()

	if hnswEnabled {
		matches, err := idx.QueryUnassigned(embedding, minScore, limit)
		if err != nil {
			return nil, fmt.Errorf("search HNSW index: %w", err)
		}
		return matches, nil
	}

	return r.queryUnassignedPostgres(ctx, embedding, minScore, limit)
}

func (r *FaceRepository) queryUnassignedPostgres(
	ctx context.Context, embedding []float32, minScore float64, limit int,
) ([]database.Match, error) {
	// Use transaction to set ef_search for better recall (matching in-memory HNSW config).
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	query := `
		SELECT id, embedding <=> $1::vector AS distance
		FROM faces
		WHERE person_id IS NULL AND embedding <=> $1::vector <= $2
		ORDER BY distance, id
		LIMIT $3
	`

	rows, err := tx.QueryContext(ctx, query, pgvector.NewVector(embedding), 1-minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	var matches []database.Match
	for rows.Next() {
		var m database.Match
		var distance float64
		if err := rows.Scan(&m.FaceID, &distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Score = database.SimilarityFromDistance(distance)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

// InsertFace stores a face and adds it to the HNSW index when enabled.
func (r *FaceRepository) InsertFace(ctx context.Context, face *database.Face) error {
	var personID sql.NullInt64
	if face.PersonID != 0 {
		personID = sql.NullInt64{Int64: face.PersonID, Valid: true}
	}
	var quality sql.NullFloat64
	if face.Quality != nil {
		quality = sql.NullFloat64{Float64: *face.Quality, Valid: true}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO faces (photo_uid, face_index, embedding, quality, person_id, is_prototype)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, face.PhotoUID, face.FaceIndex, pgvector.NewVector(face.Embedding), quality, personID, face.IsPrototype,
	).Scan(&face.ID, &face.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert face: %w", err)
	}

	if idx := r.enabledIndex(); idx != nil {
		copied := *face
		idx.Add(&copied)
	}
	return nil
}

// assignFace sets the person of an unassigned face inside tx.
// Returns false when the face was already assigned.
func assignFace(ctx context.Context, tx *sql.Tx, faceID, personID int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE faces SET person_id = $1 WHERE id = $2 AND person_id IS NULL", personID, faceID)
	if err != nil {
		return false, fmt.Errorf("assign face %d: %w", faceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign face %d: %w", faceID, err)
	}
	return n == 1, nil
}

func scanFaceRow(scanner interface{ Scan(...any) error }) (database.Face, error) {
	var face database.Face
	var vec pgvector.Vector
	var quality sql.NullFloat64
	var personID sql.NullInt64

	if err := scanner.Scan(
		&face.ID,
		&face.PhotoUID,
		&face.FaceIndex,
		&vec,
		&quality,
		&personID,
		&face.IsPrototype,
		&face.CreatedAt,
	); err != nil {
		return face, fmt.Errorf("scan face: %w", err)
	}

	face.Embedding = vec.Slice()
	if quality.Valid {
		q := quality.Float64
		face.Quality = &q
	}
	if personID.Valid {
		face.PersonID = personID.Int64
	}
	return face, nil
}

func scanFaces(rows *sql.Rows) ([]database.Face, error) {
	var faces []database.Face
	for rows.Next() {
		face, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// AllFaces returns every stored face, used to build the HNSW index.
func (r *FaceRepository) AllFaces(ctx context.Context) ([]database.Face, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+faceColumns+` FROM faces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query all faces: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

func (r *FaceRepository) enabledIndex() *database.HNSWIndex {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if !r.hnswEnabled {
		return nil
	}
	return r.hnswIndex
}

// syncAssignments mirrors face assignments into the HNSW index.
func (r *FaceRepository) syncAssignments(assigned map[int64]int64) {
	idx := r.enabledIndex()
	if idx == nil {
		return
	}
	for faceID, personID := range assigned {
		idx.UpdateFacePerson(faceID, personID)
	}
}

func (r *FaceRepository) faceStats(ctx context.Context) (count, maxID int64, err error) {
	err = r.pool.QueryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(id), 0) FROM faces").Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get face stats: %w", err)
	}
	return count, maxID, nil
}

func (r *FaceRepository) tryLoadFaceIndex(indexPath string, dbFaceCount, dbMaxFaceID int64) bool {
	metadata, err := database.LoadHNSWMetadata(indexPath)
	if err != nil {
		r.logger.Info("face index metadata unavailable, rebuilding", zap.Error(err))
		return false
	}
	if metadata.IsStale(dbFaceCount, dbMaxFaceID) {
		r.logger.Info("face index stale, rebuilding",
			zap.Int64("db_count", dbFaceCount), zap.Int64("db_max_id", dbMaxFaceID),
			zap.Int64("cached_count", metadata.FaceCount), zap.Int64("cached_max_id", metadata.MaxFaceID))
		return false
	}

	idx := database.NewHNSWIndex()
	if err := idx.LoadWithFaceMetadata(indexPath); err != nil {
		r.logger.Warn("face index load failed, rebuilding", zap.Error(err))
		return false
	}
	if idx.IsEmpty() {
		return false
	}
	r.hnswIndex = idx
	r.logger.Info("face index loaded from disk", zap.Int("faces", idx.Count()))
	return true
}

// EnableHNSW loads the persisted index when fresh, otherwise rebuilds it from the database.
func (r *FaceRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	r.hnswIndexPath = indexPath

	dbFaceCount, dbMaxFaceID, err := r.faceStats(ctx)
	if err != nil {
		return err
	}

	if indexPath != "" && r.tryLoadFaceIndex(indexPath, dbFaceCount, dbMaxFaceID) {
		r.hnswEnabled = true
		return nil
	}

	faces, err := r.AllFaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to load faces: %w", err)
	}

	r.hnswIndex = database.NewHNSWIndex()
	r.hnswIndex.BuildFromFaces(faces)
	r.logger.Info("face index built", zap.Int("faces", len(faces)))

	if indexPath != "" && len(faces) > 0 {
		metadata := database.HNSWIndexMetadata{FaceCount: dbFaceCount, MaxFaceID: dbMaxFaceID}
		if err := r.hnswIndex.SaveWithFaceMetadata(indexPath, metadata); err != nil {
			r.logger.Warn("failed to save face index to disk", zap.Error(err))
		}
	}

	r.hnswEnabled = true
	return nil
}

// RebuildHNSW discards any persisted index and rebuilds from the database.
func (r *FaceRepository) RebuildHNSW(ctx context.Context, indexPath string) error {
	r.hnswMu.Lock()
	r.hnswEnabled = false
	r.hnswIndex = nil
	r.hnswMu.Unlock()

	if indexPath == "" {
		return r.EnableHNSW(ctx, "")
	}
	if err := r.EnableHNSW(ctx, ""); err != nil {
		return err
	}
	r.hnswMu.Lock()
	r.hnswIndexPath = indexPath
	r.hnswMu.Unlock()
	return r.SaveHNSWIndex(ctx)
}

// DisableHNSW switches similarity search back to pgvector.
func (r *FaceRepository) DisableHNSW() {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	r.hnswEnabled = false
	r.hnswIndex = nil
}

// HNSWCount returns the number of faces in the in-memory index.
func (r *FaceRepository) HNSWCount() int {
	if idx := r.enabledIndex(); idx != nil {
		return idx.Count()
	}
	return 0
}

// SaveHNSWIndex persists the in-memory index with current database stats.
func (r *FaceRepository) SaveHNSWIndex(ctx context.Context) error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndexPath == "" || r.hnswIndex == nil {
		return nil
	}

	faceCount, maxFaceID, err := r.faceStats(ctx)
	if err != nil {
		return err
	}

	metadata := database.HNSWIndexMetadata{FaceCount: faceCount, MaxFaceID: maxFaceID}
	if err := r.hnswIndex.SaveWithFaceMetadata(r.hnswIndexPath, metadata); err != nil {
		return fmt.Errorf("saving HNSW face index: %w", err)
	}

	r.logger.Info("face index saved",
		zap.String("path", r.hnswIndexPath), zap.Int64("count", faceCount), zap.Int64("max_id", maxFaceID))
	return nil
}
