package llm

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/pkg/adapters/storage/memory"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResolveMissingCredentials(t *testing.T) {
	r := NewResolver(memory.NewStore(), time.Second, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrCredentialsNotConfigured)
}

func TestResolveEmptyKey(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveCredential(context.Background(), &domain.Credential{UserID: "u1", Provider: ProviderAnthropic}))
	r := NewResolver(store, time.Second, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrCredentialsNotConfigured)
}

func TestResolveDefaultsModel(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveCredential(context.Background(), &domain.Credential{UserID: "u1", Provider: ProviderMock}))
	r := NewResolver(store, time.Second, zaptest.NewLogger(t))

	handle, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, handle.Name)
	assert.Equal(t, DefaultModel(ProviderMock), handle.Model)
	_, streaming := handle.Provider.(ports.StreamingChatProvider)
	assert.True(t, streaming)
}

func TestResolveExplicitModel(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveCredential(context.Background(), &domain.Credential{
		UserID: "u1", Provider: ProviderAnthropic, APIKey: "sk-test", Model: "claude-haiku-4-5",
	}))
	r := NewResolver(store, time.Second, zaptest.NewLogger(t))

	handle, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", handle.Model)
}

func TestResolveUnknownProvider(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveCredential(context.Background(), &domain.Credential{UserID: "u1", Provider: "nope", APIKey: "k"}))
	r := NewResolver(store, time.Second, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
}
