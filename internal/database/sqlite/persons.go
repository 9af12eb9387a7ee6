package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/facematch"
)

type personRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r personRow) toPerson() *database.Person {
	return &database.Person{ID: r.ID, Name: r.Name, CreatedAt: time.UnixMilli(r.CreatedAt).UTC()}
}

// GetPerson returns database.ErrNotFound for unknown ids.
func (s *Store) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	var row personRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, created_at FROM persons WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %d: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return row.toPerson(), nil
}

// FindPersonByName compares normalized names in Go; SQLite has no unaccent.
func (s *Store) FindPersonByName(ctx context.Context, name string) (*database.Person, error) {
	var rows []personRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, created_at FROM persons ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	for _, r := range rows {
		if facematch.NamesMatch(r.Name, name) {
			return r.toPerson(), nil
		}
	}
	return nil, fmt.Errorf("person %q: %w", name, database.ErrNotFound)
}

// CreatePerson inserts a person and returns it.
func (s *Store) CreatePerson(ctx context.Context, name string) (*database.Person, error) {
	created := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `INSERT INTO persons (name, created_at) VALUES (?, ?)`, name, created)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert person id: %w", err)
	}
	return &database.Person{ID: id, Name: name, CreatedAt: time.UnixMilli(created).UTC()}, nil
}
