// Package expand discovers additional candidate faces for a person by sampling
// temporary prototypes from the person's labeled faces and proposing the
// closest unassigned faces as pending suggestions.
package expand

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kozaktomas/face-expand/internal/constants"
)

// PrototypeCount is either a fixed number of prototypes or All.
// The zero value means "not set".
type PrototypeCount struct {
	n   int
	all bool
}

// All selects every eligible face as a prototype.
var All = PrototypeCount{all: true}

// Fixed selects n prototypes.
func Fixed(n int) PrototypeCount {
	return PrototypeCount{n: n}
}

// IsAll reports whether every eligible face is used.
func (c PrototypeCount) IsAll() bool { return c.all }

// IsZero reports whether the count was never set.
func (c PrototypeCount) IsZero() bool { return !c.all && c.n == 0 }

// Normalize resolves the count against the number of available candidates.
func (c PrototypeCount) Normalize(available int) int {
	if c.all {
		return available
	}
	return min(c.n, available)
}

func (c PrototypeCount) String() string {
	if c.all {
		return "all"
	}
	return strconv.Itoa(c.n)
}

// ParsePrototypeCount accepts a number, "all" or the legacy -1.
func ParsePrototypeCount(s string) (PrototypeCount, error) {
	if s == "all" {
		return All, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return PrototypeCount{}, fmt.Errorf("%w: prototype_count must be a number or \"all\", got %q", ErrInvalidConfig, s)
	}
	if n == -1 {
		return All, nil
	}
	return Fixed(n), nil
}

func (c PrototypeCount) MarshalJSON() ([]byte, error) {
	if c.all {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.Itoa(c.n)), nil
}

func (c *PrototypeCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = PrototypeCount{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "all" {
			return fmt.Errorf("%w: prototype_count must be a number or \"all\", got %q", ErrInvalidConfig, s)
		}
		*c = All
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: prototype_count: %v", ErrInvalidConfig, err)
	}
	if n == -1 {
		*c = All
		return nil
	}
	*c = Fixed(n)
	return nil
}

// Config is the validated per-job configuration.
type Config struct {
	PrototypeCount PrototypeCount `json:"prototype_count"`
	// ConfidenceThreshold overrides the configured default when set.
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	SuggestionCap       int      `json:"suggestion_cap"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.PrototypeCount.IsZero() {
		c.PrototypeCount = Fixed(constants.DefaultPrototypeCount)
	}
	if c.SuggestionCap == 0 {
		c.SuggestionCap = constants.DefaultSuggestionCap
	}
	return c
}

// Validate checks the bounds of every field.
func (c Config) Validate() error {
	if !c.PrototypeCount.IsAll() {
		n := c.PrototypeCount.n
		if n < constants.MinPrototypeCount || n > constants.MaxPrototypeCount {
			return fmt.Errorf("%w: prototype_count must be between %d and %d or \"all\", got %d",
				ErrInvalidConfig, constants.MinPrototypeCount, constants.MaxPrototypeCount, n)
		}
	}
	if c.SuggestionCap < constants.MinSuggestionCap || c.SuggestionCap > constants.MaxSuggestionCap {
		return fmt.Errorf("%w: suggestion_cap must be between %d and %d, got %d",
			ErrInvalidConfig, constants.MinSuggestionCap, constants.MaxSuggestionCap, c.SuggestionCap)
	}
	if t := c.ConfidenceThreshold; t != nil && (*t <= 0 || *t > 1) {
		return fmt.Errorf("%w: confidence_threshold must be in (0, 1], got %g", ErrInvalidConfig, *t)
	}
	return nil
}

// Job is the queue payload of one expansion run.
type Job struct {
	JobID       string    `json:"job_id"`
	Token       string    `json:"progress_token"`
	PersonID    int64     `json:"person_id"`
	Config      Config    `json:"config"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// threshold returns the resolved confidence threshold.
func (j Job) threshold(fallback float64) float64 {
	if j.Config.ConfidenceThreshold != nil {
		return *j.Config.ConfidenceThreshold
	}
	return fallback
}
