package expand

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-expand/internal/database"
)

// scriptedIndex answers queries by prototype embedding axis.
type scriptedIndex struct {
	results map[float32][]database.Match // keyed by embedding[0]
	fail    map[float32]error
	calls   []float32
}

func (s *scriptedIndex) QueryUnassigned(
	ctx context.Context, embedding []float32, minScore float64, limit int,
) ([]database.Match, error) {
	key := embedding[0]
	s.calls = append(s.calls, key)
	if err := s.fail[key]; err != nil {
		return nil, err
	}
	return s.results[key], nil
}

func proto(id int64, key float32) database.Face {
	return database.Face{ID: id, Embedding: []float32{key}}
}

func TestAggregator_KeepsMaxScorePerFace(t *testing.T) {
	idx := &scriptedIndex{results: map[float32][]database.Match{
		1: {{FaceID: 100, Score: 0.70}, {FaceID: 101, Score: 0.90}},
		2: {{FaceID: 100, Score: 0.95}, {FaceID: 102, Score: 0.65}},
		3: {{FaceID: 100, Score: 0.80}, {FaceID: 101, Score: 0.75}},
	}}

	agg := NewAggregator(idx, 50).Search(context.Background(),
		[]database.Face{proto(1, 1), proto(2, 2), proto(3, 3)}, 0.6, nil, nil)

	require.Equal(t, map[int64]float64{100: 0.95, 101: 0.90, 102: 0.65}, agg.Scores)
	require.Equal(t, 3, agg.Queried)
	require.Empty(t, agg.Failures)
	require.Equal(t, 3, agg.CandidatesFound())
	require.Equal(t, []float32{1, 2, 3}, idx.calls, "prototypes are queried in order")
}

func TestAggregator_AppliesThreshold(t *testing.T) {
	idx := &scriptedIndex{results: map[float32][]database.Match{
		1: {{FaceID: 100, Score: 0.59}, {FaceID: 101, Score: 0.60}},
	}}

	agg := NewAggregator(idx, 50).Search(context.Background(), []database.Face{proto(1, 1)}, 0.6, nil, nil)
	require.Equal(t, map[int64]float64{101: 0.60}, agg.Scores)
}

func TestAggregator_DropsAlreadySuggested(t *testing.T) {
	idx := &scriptedIndex{results: map[float32][]database.Match{
		1: {{FaceID: 100, Score: 0.9}, {FaceID: 101, Score: 0.8}},
		2: {{FaceID: 100, Score: 0.7}, {FaceID: 102, Score: 0.8}},
	}}
	already := map[int64]struct{}{100: {}, 999: {}}

	agg := NewAggregator(idx, 50).Search(context.Background(),
		[]database.Face{proto(1, 1), proto(2, 2)}, 0.6, already, nil)

	require.Equal(t, map[int64]float64{101: 0.8, 102: 0.8}, agg.Scores)
	require.Equal(t, 1, agg.PreSuggested, "face 100 matched twice but is counted once")
	require.Equal(t, 3, agg.CandidatesFound())
}

func TestAggregator_ToleratesFailedQueries(t *testing.T) {
	boom := errors.New("index unavailable")
	idx := &scriptedIndex{
		results: map[float32][]database.Match{
			1: {{FaceID: 100, Score: 0.9}},
			3: {{FaceID: 101, Score: 0.8}},
		},
		fail: map[float32]error{2: boom},
	}

	var progress [][2]int
	agg := NewAggregator(idx, 50).Search(context.Background(),
		[]database.Face{proto(1, 1), proto(2, 2), proto(3, 3)}, 0.6, nil,
		func(done, total int) { progress = append(progress, [2]int{done, total}) })

	require.Equal(t, map[int64]float64{100: 0.9, 101: 0.8}, agg.Scores)
	require.Len(t, agg.Failures, 1)
	require.Equal(t, int64(2), agg.Failures[0].PrototypeFaceID)
	require.ErrorIs(t, agg.Failures[0], boom)
	require.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)
}

func TestAggregator_StopOnFailure(t *testing.T) {
	idx := &scriptedIndex{fail: map[float32]error{1: errors.New("timeout")}}
	a := NewAggregator(idx, 50)
	a.stopOnFailure = true

	agg := a.Search(context.Background(), []database.Face{proto(1, 1), proto(2, 2)}, 0.6, nil, nil)
	require.Equal(t, 1, agg.Queried)
	require.Len(t, agg.Failures, 1)
	require.Equal(t, []float32{1}, idx.calls)
}
