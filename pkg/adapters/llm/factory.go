package llm

import (
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/pkg/adapters/llm/anthropic"
	"github.com/aescanero/agentpipe/pkg/adapters/llm/mock"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Config holds LLM client configuration
type Config struct {
	Provider       string
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewClient creates a new chat provider based on provider
func NewClient(cfg *Config) (ports.ChatProvider, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return anthropic.NewClient(cfg.APIKey, cfg.RequestTimeout, cfg.Logger)
	case ProviderMock:
		return mock.NewClient(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// DefaultModel returns the model used when a credential names none
func DefaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return anthropic.DefaultModel
	case ProviderMock:
		return mock.Model
	default:
		return ""
	}
}
