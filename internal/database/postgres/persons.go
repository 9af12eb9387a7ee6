package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/facematch"
)

// PersonRepository resolves persons.
type PersonRepository struct {
	pool *Pool
}

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

// GetPerson returns database.ErrNotFound for unknown ids.
func (r *PersonRepository) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	var p database.Person
	err := r.pool.QueryRow(ctx, "SELECT id, name, created_at FROM persons WHERE id = $1", id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %d: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &p, nil
}

// FindPersonByName matches names after normalization so "jan-novak" finds "Jan Novák".
// The lowest id wins when several persons share a normalized name.
func (r *PersonRepository) FindPersonByName(ctx context.Context, name string) (*database.Person, error) {
	normalizedInput := facematch.NormalizePersonName(name)
	if normalizedInput == "" {
		return nil, fmt.Errorf("empty person name: %w", database.ErrNotFound)
	}

	// LOWER + unaccent + REPLACE mirrors facematch.NormalizePersonName.
	query := `
		SELECT id, name, created_at
		FROM persons
		WHERE regexp_replace(LOWER(REPLACE(REPLACE(unaccent(name), '-', ' '), '_', ' ')), '\s+', ' ', 'g') = $1
		ORDER BY id
		LIMIT 1
	`

	var p database.Person
	err := r.pool.QueryRow(ctx, query, normalizedInput).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %q: %w", name, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find person by name: %w", err)
	}
	return &p, nil
}

// CreatePerson inserts a person and returns it.
func (r *PersonRepository) CreatePerson(ctx context.Context, name string) (*database.Person, error) {
	p := database.Person{Name: name}
	err := r.pool.QueryRow(ctx,
		"INSERT INTO persons (name) VALUES ($1) RETURNING id, created_at", name).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}
	return &p, nil
}
