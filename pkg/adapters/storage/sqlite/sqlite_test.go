package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/pkg/adapters/storage/storagetest"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ports.Store {
		return newTestStore(t)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentpipe.db")

	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	run := &domain.Run{
		ID:         "r1",
		PipelineID: "p1",
		UserID:     "u1",
		Status:     domain.RunStatusPending,
		Input:      "hi",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Input)
	assert.Nil(t, got.Variables)
}

func TestUpdateStepMissing(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateStep(context.Background(), &domain.RunStep{RunID: "nope", StepOrder: 0})
	assert.Error(t, err)
}
