package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

// Resolver implements ports.CredentialResolver over a credential store
type Resolver struct {
	store          ports.CredentialStore
	requestTimeout time.Duration
	logger         *zap.Logger
	newClient      func(cfg *Config) (ports.ChatProvider, error)
}

// NewResolver creates a resolver that builds providers with NewClient
func NewResolver(store ports.CredentialStore, requestTimeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:          store,
		requestTimeout: requestTimeout,
		logger:         logger,
		newClient:      NewClient,
	}
}

// Resolve returns the user's provider and model
func (r *Resolver) Resolve(ctx context.Context, userID string) (*ports.ProviderHandle, error) {
	cred, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.APIKey == "" && cred.Provider != ProviderMock {
		return nil, fmt.Errorf("%w: empty API key for user %s", domain.ErrCredentialsNotConfigured, userID)
	}

	provider, err := r.newClient(&Config{
		Provider:       cred.Provider,
		APIKey:         cred.APIKey,
		RequestTimeout: r.requestTimeout,
		Logger:         r.logger,
	})
	if err != nil {
		return nil, domain.NewConfigError(err, "invalid LLM provider configuration: %v", err)
	}

	model := cred.Model
	if model == "" {
		model = DefaultModel(cred.Provider)
	}

	r.logger.Debug("credentials resolved",
		zap.String("user_id", userID),
		zap.String("provider", cred.Provider),
		zap.String("model", model))

	return &ports.ProviderHandle{
		Name:     cred.Provider,
		Provider: provider,
		Model:    model,
	}, nil
}
