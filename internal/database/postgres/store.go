package postgres

import (
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/database"
)

// Store bundles the PostgreSQL repositories behind database.Store.
type Store struct {
	*FaceRepository
	*PersonRepository
	*SuggestionRepository
}

// NewStore creates the repositories sharing one pool.
func NewStore(pool *Pool, logger *zap.Logger) *Store {
	faces := NewFaceRepository(pool, logger)
	return &Store{
		FaceRepository:       faces,
		PersonRepository:     NewPersonRepository(pool),
		SuggestionRepository: NewSuggestionRepository(pool, faces),
	}
}

var _ database.Store = (*Store)(nil)
