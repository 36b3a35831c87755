package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

func TestBuildSnapshot(t *testing.T) {
	out := stateIn("C9", "V1", "Slides", base)
	out.VenueID = nil

	states := []models.ChildLocationState{
		stateIn("C3", "V1", "Slides", base),
		stateIn("C1", "V1", "Slides", base),
		stateIn("C2", "V1", "Ball Pit", base),
		stateIn("C4", "V2", "Slides", base),
		out,
	}

	snap := BuildSnapshot("V1", states, base)

	assert.Equal(t, "V1", snap.VenueID)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, []string{"C1", "C3"}, snap.Zones["Slides"])
	assert.Equal(t, []string{"C2"}, snap.Zones["Ball Pit"])
	assert.Equal(t, map[string]int{"Slides": 2, "Ball Pit": 1}, snap.Occupancy)
	require.Len(t, snap.Children, 3)
	assert.Equal(t, "C2", snap.Children[0].ChildID)
}

func TestBuildSnapshot_Empty(t *testing.T) {
	snap := BuildSnapshot("V1", nil, base)
	assert.Equal(t, 0, snap.Total)
	assert.Empty(t, snap.Zones)
	assert.NotNil(t, snap.Children)
}

func TestSnapshotCache_GenerationGuard(t *testing.T) {
	c := NewSnapshotCache(time.Minute)
	snap := BuildSnapshot("V1", nil, base)

	gen := c.Generation("V1")
	c.Invalidate("V1")
	assert.False(t, c.StoreIf("V1", gen, snap), "stale computation must not be cached")

	_, ok := c.Get("V1")
	assert.False(t, ok)

	gen = c.Generation("V1")
	assert.True(t, c.StoreIf("V1", gen, snap))

	got, ok := c.Get("V1")
	require.True(t, ok)
	assert.Same(t, snap, got)

	c.Invalidate("V1", "")
	_, ok = c.Get("V1")
	assert.False(t, ok)
}

func TestSnapshotCache_Disabled(t *testing.T) {
	c := NewSnapshotCache(0)
	assert.False(t, c.StoreIf("V1", 0, BuildSnapshot("V1", nil, base)))
	_, ok := c.Get("V1")
	assert.False(t, ok)
	c.Invalidate("V1")
}
