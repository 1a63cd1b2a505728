package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/types"
)

func intp(v int) *int          { return &v }
func floatp(v float64) *float64 { return &v }

func TestSelect_LowestQueueDepthWins(t *testing.T) {
	now := time.Now()
	a := &types.Instance{ID: "a", WorkerQueueDepth: intp(5), CreatedAt: now}
	b := &types.Instance{ID: "b", WorkerQueueDepth: intp(1), CreatedAt: now}
	chosen := Select([]*types.Instance{a, b}, "", nil)
	require.NotNil(t, chosen)
	assert.Equal(t, "b", chosen.ID)
}

func TestSelect_TiesBrokenByGPUUtilization(t *testing.T) {
	now := time.Now()
	a := &types.Instance{ID: "a", WorkerQueueDepth: intp(2), WorkerGPUUtilization: floatp(80), CreatedAt: now}
	b := &types.Instance{ID: "b", WorkerQueueDepth: intp(2), WorkerGPUUtilization: floatp(20), CreatedAt: now}
	chosen := Select([]*types.Instance{a, b}, "", nil)
	require.NotNil(t, chosen)
	assert.Equal(t, "b", chosen.ID)
}

func TestSelect_TiesBrokenByEarliestCreatedAt(t *testing.T) {
	earlier := time.Now().Add(-time.Hour)
	later := time.Now()
	a := &types.Instance{ID: "a", WorkerQueueDepth: intp(2), WorkerGPUUtilization: floatp(50), CreatedAt: later}
	b := &types.Instance{ID: "b", WorkerQueueDepth: intp(2), WorkerGPUUtilization: floatp(50), CreatedAt: earlier}
	chosen := Select([]*types.Instance{a, b}, "", nil)
	require.NotNil(t, chosen)
	assert.Equal(t, "b", chosen.ID)
}

func TestSelect_StickyAffinityReusesQualifyingCandidate(t *testing.T) {
	now := time.Now()
	a := &types.Instance{ID: "a", WorkerQueueDepth: intp(0), CreatedAt: now}
	b := &types.Instance{ID: "b", WorkerQueueDepth: intp(9), CreatedAt: now}
	sticky := newStickyCache()

	first := Select([]*types.Instance{a, b}, "session-1", sticky)
	require.Equal(t, "a", first.ID)

	sticky.set("session-1", "b")
	second := Select([]*types.Instance{a, b}, "session-1", sticky)
	assert.Equal(t, "b", second.ID)
}

func TestSelect_StickyIgnoredWhenCandidateNoLongerQualifies(t *testing.T) {
	now := time.Now()
	a := &types.Instance{ID: "a", WorkerQueueDepth: intp(0), CreatedAt: now}
	sticky := newStickyCache()
	sticky.set("session-1", "gone")

	chosen := Select([]*types.Instance{a}, "session-1", sticky)
	require.NotNil(t, chosen)
	assert.Equal(t, "a", chosen.ID)
}

func TestSelect_EmptyCandidatesReturnsNil(t *testing.T) {
	assert.Nil(t, Select(nil, "", nil))
}
