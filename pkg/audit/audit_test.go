package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

type fakeStore struct {
	storage.Store
	entries []*types.ActionLog
	failNth int
	calls   int
}

func (f *fakeStore) InsertActionLog(ctx context.Context, entry *types.ActionLog) error {
	f.calls++
	if f.failNth != 0 && f.calls == f.failNth {
		return errors.New("db unavailable")
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestStep_RecordsSuccess(t *testing.T) {
	store := &fakeStore{}
	logger := New(store, "corr-1")

	err := logger.Step(context.Background(), "inst-1", "PROVIDER_CREATE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	assert.Equal(t, types.ActionLogStatusSuccess, store.entries[0].Status)
	assert.Equal(t, "corr-1", store.entries[0].CorrelationID)
}

func TestStep_RecordsFailureAndPropagates(t *testing.T) {
	store := &fakeStore{}
	logger := New(store, "corr-2")
	stepErr := errors.New("provider 503")

	err := logger.Step(context.Background(), "inst-1", "PROVIDER_CREATE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return stepErr
	})
	assert.ErrorIs(t, err, stepErr)
	require.Len(t, store.entries, 1)
	assert.Equal(t, types.ActionLogStatusFailed, store.entries[0].Status)
}

func TestNew_GeneratesCorrelationIDWhenEmpty(t *testing.T) {
	store := &fakeStore{}
	logger := New(store, "")
	assert.NotEmpty(t, logger.CorrelationID())
}
