package expand

import (
	"context"

	"github.com/kozaktomas/face-expand/internal/database"
)

// SimilarityIndex answers nearest neighbour queries over unassigned faces.
type SimilarityIndex interface {
	QueryUnassigned(ctx context.Context, embedding []float32, minScore float64, limit int) ([]database.Match, error)
}

// ProgressFunc reports done out of total steps of the current phase.
type ProgressFunc func(done, total int)

// Aggregation is the merged outcome of the searching phase.
type Aggregation struct {
	// Scores holds the best score per face not suggested before.
	Scores map[int64]float64
	// PreSuggested counts distinct matched faces dropped because they were
	// already suggested for the person.
	PreSuggested int
	Failures     []*IndexQueryError
	// Queried is the number of prototypes whose query was issued.
	Queried int
}

// CandidatesFound counts distinct faces at or above the threshold, already
// suggested ones included.
func (a Aggregation) CandidatesFound() int {
	return len(a.Scores) + a.PreSuggested
}

// Aggregator fans out one query per prototype and max-merges the results.
type Aggregator struct {
	index SimilarityIndex
	limit int
	// stopOnFailure ends the search at the first failed query.
	stopOnFailure bool
}

// NewAggregator creates an aggregator asking the index for at most limit
// matches per prototype.
func NewAggregator(index SimilarityIndex, limit int) *Aggregator {
	return &Aggregator{index: index, limit: limit}
}

// Search queries the index for every prototype in order. A failed query is
// recorded and skipped. onProgress fires once per prototype regardless of
// outcome.
func (a *Aggregator) Search(
	ctx context.Context,
	prototypes []database.Face,
	threshold float64,
	alreadySuggested map[int64]struct{},
	onProgress ProgressFunc,
) Aggregation {
	agg := Aggregation{Scores: make(map[int64]float64)}
	seenSuggested := make(map[int64]struct{})

	for i, proto := range prototypes {
		agg.Queried++
		matches, err := a.index.QueryUnassigned(ctx, proto.Embedding, threshold, a.limit)
		if err != nil {
			agg.Failures = append(agg.Failures, &IndexQueryError{PrototypeFaceID: proto.ID, Err: err})
		} else {
			for _, m := range matches {
				if m.Score < threshold {
					continue
				}
				if _, ok := alreadySuggested[m.FaceID]; ok {
					seenSuggested[m.FaceID] = struct{}{}
					continue
				}
				if cur, ok := agg.Scores[m.FaceID]; !ok || m.Score > cur {
					agg.Scores[m.FaceID] = m.Score
				}
			}
		}

		if onProgress != nil {
			onProgress(i+1, len(prototypes))
		}
		if err != nil && a.stopOnFailure {
			break
		}
	}

	agg.PreSuggested = len(seenSuggested)
	return agg
}
