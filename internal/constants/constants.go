// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Expansion request bounds
const (
	// MinPrototypeCount is the smallest fixed sample size a caller may request
	MinPrototypeCount = 10

	// MaxPrototypeCount is the largest fixed sample size a caller may request
	MaxPrototypeCount = 1000

	// MinSuggestionCap is the smallest accepted suggestion cap
	MinSuggestionCap = 1

	// MaxSuggestionCap is the largest accepted suggestion cap
	MaxSuggestionCap = 500

	// MinEligibleFaces is the minimum number of labeled non-prototype faces
	// a person needs before an expansion job is admitted
	MinEligibleFaces = 10
)

// Request defaults
const (
	// DefaultPrototypeCount is used when a request omits prototype_count
	DefaultPrototypeCount = 50

	// DefaultSuggestionCap is used when a request omits suggestion_cap
	DefaultSuggestionCap = 100
)

// Face embedding constants
const (
	// EmbeddingDim is the dimension of face embeddings
	EmbeddingDim = 512
)
