package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-expand/internal/database"
)

func NewTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "faces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func axis(i int, tilt float32) []float32 {
	v := make([]float32, 8)
	v[i%8] = 1
	v[(i+1)%8] = tilt
	return v
}

func insertFace(t *testing.T, s *Store, f database.Face) database.Face {
	t.Helper()
	require.NoError(t, s.InsertFace(context.Background(), &f))
	return f
}

func TestStore_Faces(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePerson(ctx, "Alice")
	require.NoError(t, err)

	q := 0.8
	insertFace(t, s, database.Face{PhotoUID: "a", Embedding: axis(0, 0), PersonID: p.ID, IsPrototype: true})
	insertFace(t, s, database.Face{PhotoUID: "b", Embedding: axis(0, 0.1), PersonID: p.ID, Quality: &q})
	near := insertFace(t, s, database.Face{PhotoUID: "c", Embedding: axis(0, 0.2)})
	nearer := insertFace(t, s, database.Face{PhotoUID: "d", Embedding: axis(0, 0.05)})
	insertFace(t, s, database.Face{PhotoUID: "e", Embedding: axis(4, 0)})

	labeled, err := s.LabeledFaces(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, labeled, 2)
	require.True(t, labeled[0].IsPrototype)
	require.Nil(t, labeled[0].Quality)
	require.NotNil(t, labeled[1].Quality)
	require.InDelta(t, 0.8, *labeled[1].Quality, 1e-9)
	require.Equal(t, axis(0, 0.1), labeled[1].Embedding)

	eligible, err := s.CountEligible(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, eligible)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, total)

	matches, err := s.QueryUnassigned(ctx, axis(0, 0), 0.9, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, nearer.ID, matches[0].FaceID)
	require.Equal(t, near.ID, matches[1].FaceID)
	require.Greater(t, matches[0].Score, matches[1].Score)

	limited, err := s.QueryUnassigned(ctx, axis(0, 0), 0.9, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestStore_Persons(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	created, err := s.CreatePerson(ctx, "Jan Novák")
	require.NoError(t, err)

	got, err := s.GetPerson(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Jan Novák", got.Name)

	_, err = s.GetPerson(ctx, created.ID+1)
	require.True(t, errors.Is(err, database.ErrNotFound))

	byName, err := s.FindPersonByName(ctx, "jan-novak")
	require.NoError(t, err)
	require.Equal(t, created.ID, byName.ID)

	_, err = s.FindPersonByName(ctx, "nobody")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestStore_InsertPendingIsIdempotent(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePerson(ctx, "Alice")
	require.NoError(t, err)
	f := insertFace(t, s, database.Face{PhotoUID: "a", Embedding: axis(1, 0)})

	ns := database.NewSuggestion{FaceID: f.ID, PersonID: p.ID, Confidence: 0.9,
		Source: database.SourceDynamicPrototype, JobID: "job-1"}

	created, err := s.InsertPending(ctx, ns)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.InsertPending(ctx, ns)
	require.NoError(t, err)
	require.False(t, created)

	// Once rejected, the pair may be proposed again.
	list, err := s.ListSuggestions(ctx, p.ID, database.SuggestionPending, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n, err := s.RejectSuggestions(ctx, []int64{list[0].ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	created, err = s.InsertPending(ctx, ns)
	require.NoError(t, err)
	require.True(t, created)
}

func TestStore_ConcurrentWritersNeverDuplicate(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePerson(ctx, "Alice")
	require.NoError(t, err)

	faces := make([]database.Face, 20)
	for i := range faces {
		faces[i] = insertFace(t, s, database.Face{PhotoUID: fmt.Sprintf("photo-%d", i), Embedding: axis(i, 0)})
	}

	// Two writers with overlapping candidate sets: 0..14 and 5..19.
	var createdTotal atomic.Int64
	var wg sync.WaitGroup
	for w, span := range [][2]int{{0, 15}, {5, 20}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := span[0]; i < span[1]; i++ {
				created, err := s.InsertPending(ctx, database.NewSuggestion{
					FaceID: faces[i].ID, PersonID: p.ID, Confidence: 0.7,
					Source: database.SourceDynamicPrototype, JobID: fmt.Sprintf("job-%d", w),
				})
				if err != nil {
					t.Errorf("insert failed: %v", err)
					return
				}
				if created {
					createdTotal.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(20), createdTotal.Load())

	list, err := s.ListSuggestions(ctx, p.ID, database.SuggestionPending, 100)
	require.NoError(t, err)
	require.Len(t, list, 20)

	seen := make(map[int64]bool)
	for _, sg := range list {
		require.False(t, seen[sg.FaceID], "face %d has two pending suggestions", sg.FaceID)
		seen[sg.FaceID] = true
	}
}

func TestStore_AcceptSuggestions(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, "Alice")
	require.NoError(t, err)
	bob, err := s.CreatePerson(ctx, "Bob")
	require.NoError(t, err)
	f := insertFace(t, s, database.Face{PhotoUID: "a", Embedding: axis(2, 0)})

	_, err = s.InsertPending(ctx, database.NewSuggestion{FaceID: f.ID, PersonID: alice.ID, Confidence: 0.9,
		Source: database.SourceDynamicPrototype})
	require.NoError(t, err)
	_, err = s.InsertPending(ctx, database.NewSuggestion{FaceID: f.ID, PersonID: bob.ID, Confidence: 0.6,
		Source: database.SourcePipeline})
	require.NoError(t, err)

	aliceList, err := s.ListSuggestions(ctx, alice.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, aliceList, 1)

	accepted, err := s.AcceptSuggestions(ctx, []int64{aliceList[0].ID})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.Equal(t, database.SuggestionAccepted, accepted[0].Status)
	require.NotNil(t, accepted[0].ReviewedAt)

	labeled, err := s.LabeledFaces(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, labeled, 1)
	require.Equal(t, f.ID, labeled[0].ID)

	bobPending, err := s.ListSuggestions(ctx, bob.ID, database.SuggestionPending, 10)
	require.NoError(t, err)
	require.Empty(t, bobPending)

	matches, err := s.QueryUnassigned(ctx, axis(2, 0), 0.5, 10)
	require.NoError(t, err)
	require.Empty(t, matches, "accepted face is no longer unassigned")

	again, err := s.AcceptSuggestions(ctx, []int64{aliceList[0].ID})
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestStore_SuggestedFaceIDs(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePerson(ctx, "Alice")
	require.NoError(t, err)
	pending := insertFace(t, s, database.Face{PhotoUID: "a", Embedding: axis(1, 0)})
	rejected := insertFace(t, s, database.Face{PhotoUID: "b", Embedding: axis(2, 0)})
	untouched := insertFace(t, s, database.Face{PhotoUID: "c", Embedding: axis(3, 0)})

	for _, f := range []database.Face{pending, rejected} {
		_, err := s.InsertPending(ctx, database.NewSuggestion{FaceID: f.ID, PersonID: p.ID, Confidence: 0.8,
			Source: database.SourceDynamicPrototype})
		require.NoError(t, err)
	}
	list, err := s.ListSuggestions(ctx, p.ID, database.SuggestionPending, 10)
	require.NoError(t, err)
	for _, sg := range list {
		if sg.FaceID == rejected.ID {
			_, err := s.RejectSuggestions(ctx, []int64{sg.ID})
			require.NoError(t, err)
		}
	}

	ids, err := s.SuggestedFaceIDs(ctx, p.ID)
	require.NoError(t, err)
	require.Contains(t, ids, pending.ID)
	require.NotContains(t, ids, rejected.ID)
	require.NotContains(t, ids, untouched.ID)
}
