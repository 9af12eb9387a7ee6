// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-expand/internal/database"
	"github.com/kozaktomas/face-expand/internal/facematch"
)

type pairKey struct {
	faceID, personID int64
}

// MockStore is an in-memory database.Store. Similarity search is brute force
// unless QueryFunc is set.
type MockStore struct {
	mu          sync.RWMutex
	faces       map[int64]*database.Face
	persons     map[int64]*database.Person
	suggestions map[int64]*database.Suggestion
	pending     map[pairKey]int64 // emulates the partial unique index
	nextID      int64

	// QueryFunc overrides QueryUnassigned when set
	QueryFunc func(embedding []float32, minScore float64, limit int) ([]database.Match, error)

	// Error injection
	LabeledFacesError  error
	CountEligibleError error
	GetPersonError     error
	InsertError        error
	SuggestedError     error
	AcceptError        error

	inserts []database.NewSuggestion
}

// NewMockStore creates an empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		faces:       make(map[int64]*database.Face),
		persons:     make(map[int64]*database.Person),
		suggestions: make(map[int64]*database.Suggestion),
		pending:     make(map[pairKey]int64),
	}
}

var _ database.Store = (*MockStore)(nil)

func (m *MockStore) newID() int64 {
	m.nextID++
	return m.nextID
}

// AddPerson adds a person and returns it
func (m *MockStore) AddPerson(name string) *database.Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &database.Person{ID: m.newID(), Name: name, CreatedAt: time.Now()}
	m.persons[p.ID] = p
	return p
}

// AddFace adds a face, assigning an id when zero
func (m *MockStore) AddFace(face database.Face) database.Face {
	m.mu.Lock()
	defer m.mu.Unlock()
	if face.ID == 0 {
		face.ID = m.newID()
	} else {
		m.nextID = max(m.nextID, face.ID)
	}
	m.faces[face.ID] = &face
	return face
}

// Inserts returns every InsertPending call in order, duplicates included
func (m *MockStore) Inserts() []database.NewSuggestion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]database.NewSuggestion(nil), m.inserts...)
}

// PendingCount returns the number of pending suggestions for a person
func (m *MockStore) PendingCount(personID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.pending {
		if k.personID == personID {
			n++
		}
	}
	return n
}

func (m *MockStore) LabeledFaces(ctx context.Context, personID int64) ([]database.Face, error) {
	if m.LabeledFacesError != nil {
		return nil, m.LabeledFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Face
	for _, f := range m.faces {
		if f.PersonID == personID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) CountEligible(ctx context.Context, personID int64) (int, error) {
	if m.CountEligibleError != nil {
		return 0, m.CountEligibleError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, f := range m.faces {
		if f.PersonID == personID && !f.IsPrototype {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faces), nil
}

func (m *MockStore) QueryUnassigned(
	ctx context.Context, embedding []float32, minScore float64, limit int,
) ([]database.Match, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(embedding, minScore, limit)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Match
	for _, f := range m.faces {
		if f.Assigned() {
			continue
		}
		score := database.SimilarityFromDistance(database.CosineDistance(embedding, f.Embedding))
		if score >= minScore {
			out = append(out, database.Match{FaceID: f.ID, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FaceID < out[j].FaceID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	if m.GetPersonError != nil {
		return nil, m.GetPersonError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %d: %w", id, database.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) FindPersonByName(ctx context.Context, name string) (*database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *database.Person
	for _, p := range m.persons {
		if facematch.NamesMatch(p.Name, name) && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("person %q: %w", name, database.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (m *MockStore) InsertPending(ctx context.Context, s database.NewSuggestion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts = append(m.inserts, s)
	if m.InsertError != nil {
		return false, m.InsertError
	}
	key := pairKey{s.FaceID, s.PersonID}
	if _, ok := m.pending[key]; ok {
		return false, nil
	}
	id := m.newID()
	m.suggestions[id] = &database.Suggestion{
		ID: id, FaceID: s.FaceID, PersonID: s.PersonID, Confidence: s.Confidence,
		Status: database.SuggestionPending, Source: s.Source, JobID: s.JobID, CreatedAt: time.Now(),
	}
	m.pending[key] = id
	return true, nil
}

func (m *MockStore) SuggestedFaceIDs(ctx context.Context, personID int64) (map[int64]struct{}, error) {
	if m.SuggestedError != nil {
		return nil, m.SuggestedError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]struct{})
	for _, s := range m.suggestions {
		if s.PersonID == personID && s.Status == database.SuggestionPending {
			out[s.FaceID] = struct{}{}
		}
	}
	return out, nil
}

func (m *MockStore) ListSuggestions(
	ctx context.Context, personID int64, status database.SuggestionStatus, limit int,
) ([]database.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Suggestion
	for _, s := range m.suggestions {
		if s.PersonID == personID && (status == "" || s.Status == status) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) AcceptSuggestions(ctx context.Context, ids []int64) ([]database.Suggestion, error) {
	if m.AcceptError != nil {
		return nil, m.AcceptError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []database.Suggestion
	for _, id := range ids {
		s, ok := m.suggestions[id]
		if !ok || s.Status != database.SuggestionPending {
			continue
		}
		m.review(s, database.SuggestionAccepted, now)
		out = append(out, *s)

		f, ok := m.faces[s.FaceID]
		if !ok || f.Assigned() {
			continue
		}
		f.PersonID = s.PersonID
		for _, other := range m.suggestions {
			if other.FaceID == f.ID && other.Status == database.SuggestionPending {
				m.review(other, database.SuggestionRejected, now)
			}
		}
	}
	return out, nil
}

func (m *MockStore) RejectSuggestions(ctx context.Context, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, id := range ids {
		if s, ok := m.suggestions[id]; ok && s.Status == database.SuggestionPending {
			m.review(s, database.SuggestionRejected, now)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) review(s *database.Suggestion, status database.SuggestionStatus, at time.Time) {
	delete(m.pending, pairKey{s.FaceID, s.PersonID})
	s.Status = status
	s.ReviewedAt = &at
}
