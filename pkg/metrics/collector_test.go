package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

type fakeCollectorStore struct {
	storage.Store
	instanceCounts map[types.InstanceStatus]int
	instanceErr    error
	volumeCounts   map[types.VolumeStatus]int
	volumeErr      error
}

func (f *fakeCollectorStore) CountInstancesByStatus(ctx context.Context) (map[types.InstanceStatus]int, error) {
	return f.instanceCounts, f.instanceErr
}

func (f *fakeCollectorStore) CountVolumesByStatus(ctx context.Context) (map[types.VolumeStatus]int, error) {
	return f.volumeCounts, f.volumeErr
}

func TestCollector_TickSetsGauges(t *testing.T) {
	store := &fakeCollectorStore{
		instanceCounts: map[types.InstanceStatus]int{
			types.InstanceStatusReady:   4,
			types.InstanceStatusBooting: 2,
		},
		volumeCounts: map[types.VolumeStatus]int{
			types.VolumeStatusAttached: 7,
		},
	}
	c := NewCollector(store)

	err := c.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(4), testutil.ToFloat64(InstancesTotal.WithLabelValues(string(types.InstanceStatusReady))))
	assert.Equal(t, float64(2), testutil.ToFloat64(InstancesTotal.WithLabelValues(string(types.InstanceStatusBooting))))
	assert.Equal(t, float64(7), testutil.ToFloat64(VolumesTotal.WithLabelValues(string(types.VolumeStatusAttached))))
}

func TestCollector_TickAccumulatesBothErrors(t *testing.T) {
	store := &fakeCollectorStore{
		instanceErr: errors.New("instances query failed"),
		volumeErr:   errors.New("volumes query failed"),
	}
	c := NewCollector(store)

	err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instances query failed")
	assert.Contains(t, err.Error(), "volumes query failed")
}

func TestCollector_TickPartialFailureStillSetsTheOtherGauge(t *testing.T) {
	store := &fakeCollectorStore{
		instanceErr:  errors.New("instances query failed"),
		volumeCounts: map[types.VolumeStatus]int{types.VolumeStatusDetached: 1},
	}
	c := NewCollector(store)

	err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instances query failed")
	assert.Equal(t, float64(1), testutil.ToFloat64(VolumesTotal.WithLabelValues(string(types.VolumeStatusDetached))))
}
