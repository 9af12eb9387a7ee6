// Package constants provides shared constants used across the codebase.
package constants

// Handler constants
const (
	// MaxBulkSuggestionIDs is the maximum number of suggestion ids accepted in one bulk request
	MaxBulkSuggestionIDs = 1000

	// DefaultSuggestionListLimit is the page size for suggestion listings
	DefaultSuggestionListLimit = 100

	// MaxRequestBodySize is the maximum accepted JSON body size in bytes (1MB)
	MaxRequestBodySize = 1 << 20
)
