package expand

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"github.com/kozaktomas/face-expand/internal/config"
	"github.com/kozaktomas/face-expand/internal/database"
)

// SelectionWeights parameterize the prototype score
//
//	score = Quality*quality + Diversity*(DiversityMax - min(DiversityMax, DiversityStep*uses))
//
// where uses counts faces already chosen from the same source asset.
type SelectionWeights struct {
	Quality        float64
	Diversity      float64
	DiversityMax   float64
	DiversityStep  float64
	DefaultQuality float64 // used when a face has no quality score
}

// DefaultWeights returns the stock weights.
func DefaultWeights() SelectionWeights {
	return SelectionWeights{
		Quality:        0.7,
		Diversity:      0.3,
		DiversityMax:   0.3,
		DiversityStep:  0.1,
		DefaultQuality: 0.5,
	}
}

// WeightsFromConfig converts the selection section of the configuration.
func WeightsFromConfig(cfg config.SelectionConfig) SelectionWeights {
	return SelectionWeights{
		Quality:        cfg.QualityWeight,
		Diversity:      cfg.DiversityWeight,
		DiversityMax:   cfg.DiversityMax,
		DiversityStep:  cfg.DiversityStep,
		DefaultQuality: cfg.DefaultQuality,
	}
}

// Score rates a face given how many faces of its asset were already chosen.
func (w SelectionWeights) Score(face database.Face, uses int) float64 {
	quality := w.DefaultQuality
	if face.Quality != nil {
		quality = *face.Quality
	}
	bonus := w.DiversityMax - min(w.DiversityMax, w.DiversityStep*float64(uses))
	return w.Quality*quality + w.Diversity*bonus
}

// EligibleCandidates drops configured prototypes from a person's labeled faces.
func EligibleCandidates(labeled []database.Face) []database.Face {
	out := make([]database.Face, 0, len(labeled))
	for _, f := range labeled {
		if !f.IsPrototype {
			out = append(out, f)
		}
	}
	return out
}

// Selector draws temporary prototypes.
type Selector struct {
	weights SelectionWeights
	rng     *rand.Rand
}

// NewSelector creates a selector with a deterministic random source.
func NewSelector(weights SelectionWeights, seed uint64) *Selector {
	return &Selector{
		weights: weights,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SeedFromJobID derives the random seed of a job, so a redelivered job picks
// the same prototypes.
func SeedFromJobID(jobID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return h.Sum64()
}

// Select returns min(count, len(candidates)) faces by weighted random draw
// without replacement. Scores are recomputed after every pick so that faces
// from an already represented asset become less likely. When count covers
// every candidate the candidates are returned unchanged.
func (s *Selector) Select(candidates []database.Face, count int) []database.Face {
	if count <= 0 {
		return nil
	}
	if count >= len(candidates) {
		return slices.Clone(candidates)
	}

	remaining := slices.Clone(candidates)
	weights := make([]float64, len(remaining))
	uses := make(map[string]int)
	selected := make([]database.Face, 0, count)

	for len(selected) < count {
		idx := s.draw(remaining, weights[:len(remaining)], uses)
		pick := remaining[idx]
		selected = append(selected, pick)
		uses[pick.PhotoUID]++
		remaining = slices.Delete(remaining, idx, idx+1)
	}
	return selected
}

// draw picks one index proportionally to the current scores, uniformly when
// no score is positive.
func (s *Selector) draw(faces []database.Face, weights []float64, uses map[string]int) int {
	total := 0.0
	lastPositive := -1
	for i, f := range faces {
		w := max(s.weights.Score(f, uses[f.PhotoUID]), 0)
		weights[i] = w
		total += w
		if w > 0 {
			lastPositive = i
		}
	}
	if total <= 0 {
		return s.rng.IntN(len(faces))
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 && w > 0 {
			return i
		}
	}
	// float rounding
	return lastPositive
}
