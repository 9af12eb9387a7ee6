package expand

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrototypeCount_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    PrototypeCount
		wantErr bool
	}{
		{in: `50`, want: Fixed(50)},
		{in: `"all"`, want: All},
		{in: `-1`, want: All},
		{in: `null`, want: PrototypeCount{}},
		{in: `"some"`, wantErr: true},
		{in: `1.5`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got PrototypeCount
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPrototypeCount_Normalize(t *testing.T) {
	require.Equal(t, 10, Fixed(10).Normalize(40))
	require.Equal(t, 12, Fixed(50).Normalize(12))
	require.Equal(t, 40, All.Normalize(40))
	require.True(t, PrototypeCount{}.IsZero())
	require.Equal(t, "all", All.String())
}

func TestParsePrototypeCount(t *testing.T) {
	c, err := ParsePrototypeCount("all")
	require.NoError(t, err)
	require.True(t, c.IsAll())

	c, err = ParsePrototypeCount("-1")
	require.NoError(t, err)
	require.True(t, c.IsAll())

	c, err = ParsePrototypeCount("25")
	require.NoError(t, err)
	require.Equal(t, Fixed(25), c)

	_, err = ParsePrototypeCount("lots")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}.WithDefaults()},
		{name: "all prototypes", cfg: Config{PrototypeCount: All, SuggestionCap: 1}},
		{name: "bounds", cfg: Config{PrototypeCount: Fixed(1000), SuggestionCap: 500, ConfidenceThreshold: ptr(1.0)}},
		{name: "too few prototypes", cfg: Config{PrototypeCount: Fixed(9), SuggestionCap: 10}, wantErr: true},
		{name: "cap zero", cfg: Config{PrototypeCount: Fixed(10)}, wantErr: true},
		{name: "threshold zero", cfg: Config{PrototypeCount: Fixed(10), SuggestionCap: 10, ConfidenceThreshold: ptr(0.0)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJob_PayloadKeepsAll(t *testing.T) {
	data, err := json.Marshal(Job{JobID: "j", Config: Config{PrototypeCount: All, SuggestionCap: 5}})
	require.NoError(t, err)
	require.Contains(t, string(data), `"prototype_count":"all"`)

	var job Job
	require.NoError(t, json.Unmarshal(data, &job))
	require.True(t, job.Config.PrototypeCount.IsAll())
}
