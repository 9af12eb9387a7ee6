package expand

import (
	"context"
	"sort"

	"github.com/kozaktomas/face-expand/internal/database"
)

// WriteResult summarizes the creating phase.
type WriteResult struct {
	Attempted  int
	Created    int
	Duplicates int // rows already pending in the store
}

// Writer persists candidates as pending suggestions. Deduplication is left
// to the store's unique index on pending (face, person) pairs.
type Writer struct {
	store database.SuggestionWriter
}

// NewWriter creates a writer backed by store.
func NewWriter(store database.SuggestionWriter) *Writer {
	return &Writer{store: store}
}

// RankCandidates orders candidates by score descending, face id ascending on ties.
func RankCandidates(candidates map[int64]float64) []database.Match {
	ranked := make([]database.Match, 0, len(candidates))
	for id, score := range candidates {
		ranked = append(ranked, database.Match{FaceID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].FaceID < ranked[j].FaceID
	})
	return ranked
}

// Write inserts the best limit candidates, best first. A store error aborts
// the write with a PersistenceError; rows written before it stay.
func (w *Writer) Write(
	ctx context.Context,
	personID int64,
	jobID string,
	candidates map[int64]float64,
	limit int,
	onProgress ProgressFunc,
) (WriteResult, error) {
	ranked := RankCandidates(candidates)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	var res WriteResult
	for i, m := range ranked {
		res.Attempted++
		created, err := w.store.InsertPending(ctx, database.NewSuggestion{
			FaceID:     m.FaceID,
			PersonID:   personID,
			Confidence: m.Score,
			Source:     database.SourceDynamicPrototype,
			JobID:      jobID,
		})
		if err != nil {
			return res, &PersistenceError{FaceID: m.FaceID, Err: err}
		}
		if created {
			res.Created++
		} else {
			res.Duplicates++
		}
		if onProgress != nil {
			onProgress(i+1, len(ranked))
		}
	}
	return res, nil
}
