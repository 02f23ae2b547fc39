package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(clk), clk
}

func TestRegistrySnapshotHasNoZeroCounts(t *testing.T) {
	reg, _ := newTestRegistry()

	require.NoError(t, reg.Register("c1", 100))
	require.NoError(t, reg.Register("c2", 100))
	require.NoError(t, reg.Register("c2", 200))
	require.NoError(t, reg.Register("c2", 200))

	snap := reg.GetSnapshot()
	assert.Equal(t, 2, snap.TotalConnections)
	assert.Equal(t, map[snowflake.ID]int{100: 2, 200: 1}, snap.PerStreamCounts)

	assert.True(t, reg.Unregister("c2", 200))
	assert.False(t, reg.Unregister("c2", 200))
	snap = reg.GetSnapshot()
	_, present := snap.PerStreamCounts[200]
	assert.False(t, present)

	assert.True(t, reg.Unregister("c1", 100))
	snap = reg.GetSnapshot()
	assert.Equal(t, 1, snap.TotalConnections)
	assert.Equal(t, map[snowflake.ID]int{100: 1}, snap.PerStreamCounts)
}

func TestRegistryRejectsInvalidInput(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.ErrorIs(t, reg.Register(" ", 1), ErrInvalidConnection)
	assert.ErrorIs(t, reg.Register("c1", 0), ErrInvalidStream)
	assert.False(t, reg.Touch("ghost"))
	assert.Zero(t, reg.UnregisterConnection("ghost"))
}

func TestPruneStaleConnectionsIsIdempotent(t *testing.T) {
	reg, clk := newTestRegistry()
	var pruned []string
	reg.OnPrune(func(connID string) { pruned = append(pruned, connID) })

	require.NoError(t, reg.Register("idle", 100))
	require.NoError(t, reg.Register("idle", 200))
	require.NoError(t, reg.Register("busy", 100))

	clk.Advance(90 * time.Second)
	assert.True(t, reg.Touch("busy"))
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, reg.PruneStaleConnections(2*time.Minute))
	assert.Equal(t, []string{"idle"}, pruned)

	snap := reg.GetSnapshot()
	assert.Equal(t, 1, snap.TotalConnections)
	assert.Equal(t, map[snowflake.ID]int{100: 1}, snap.PerStreamCounts)

	assert.Zero(t, reg.PruneStaleConnections(2*time.Minute))
	assert.Len(t, pruned, 1)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg, clk := newTestRegistry()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				connID := fmt.Sprintf("conn-%d-%d", w, i%10)
				streamID := snowflake.ID(i%7 + 1)
				_ = reg.Register(connID, streamID)
				reg.Touch(connID)
				_ = reg.Subscribers(streamID)
				_ = reg.GetSnapshot()
				if i%3 == 0 {
					reg.Unregister(connID, streamID)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			reg.PruneStaleConnections(time.Hour)
		}
	}()
	wg.Wait()

	snap := reg.GetSnapshot()
	for streamID, count := range snap.PerStreamCounts {
		assert.Positive(t, count, "stream %d", streamID)
	}

	clk.Advance(2 * time.Hour)
	reg.PruneStaleConnections(time.Hour)
	snap = reg.GetSnapshot()
	assert.Zero(t, snap.TotalConnections)
	assert.Empty(t, snap.PerStreamCounts)
}
