package migrations

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"0001_a.down.sql": {Data: []byte("SELECT 1")},
		"0002_b.up.sql":   {Data: []byte("SELECT 1")},
		"0002_b.down.sql": {Data: []byte("SELECT 1")},
		"0003_c.up.sql":   {Data: []byte("SELECT 1")},
		"0003_c.down.sql": {Data: []byte("SELECT 1")},
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		applied   map[string]bool
		steps     int
		want      []string
	}{
		{
			name:      "up_from_empty",
			direction: Up,
			want:      []string{"0001_a", "0002_b", "0003_c"},
		},
		{
			name:      "up_skips_applied",
			direction: Up,
			applied:   map[string]bool{"0001_a": true},
			want:      []string{"0002_b", "0003_c"},
		},
		{
			name:      "up_with_steps",
			direction: Up,
			steps:     1,
			want:      []string{"0001_a"},
		},
		{
			name:      "down_reverse_order",
			direction: Down,
			applied:   map[string]bool{"0001_a": true, "0002_b": true},
			want:      []string{"0002_b", "0001_a"},
		},
		{
			name:      "down_nothing_applied",
			direction: Down,
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(testFS(), tt.direction, tt.applied, tt.steps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanRejectsBadDirection(t *testing.T) {
	_, err := Plan(testFS(), Direction("sideways"), nil, 0)
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Files(), "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(Files(), "*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))

	versions, err := Plan(Files(), Up, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_permission_grants", "0002_signing_keys"}, versions)
}
