package main

import (
	"fmt"
	"os"

	"github.com/aescanero/agentpipe/internal/config"
	"github.com/aescanero/agentpipe/pkg/adapters/llm"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage user LLM provider credentials",
	}
	cmd.AddCommand(newCredentialsSetCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var file string
	cred := &domain.Credential{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a user's provider, API key and model",
		Long: `Stores the provider configuration used for a user's runs.

Values come from flags or from a YAML file with userId, provider, apiKey
and model fields; flags win. For the anthropic provider the API key falls
back to ANTHROPIC_API_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				fromFile, err := loadCredential(file)
				if err != nil {
					return err
				}
				mergeCredential(cred, fromFile, cmd.Flags().Changed("provider"))
			}

			if cred.APIKey == "" && cred.Provider == llm.ProviderAnthropic {
				cred.APIKey = os.Getenv("ANTHROPIC_API_KEY")
			}
			if err := validateCredential(cred); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := initLogger(logLevel(cmd, "warn"))
			defer func() { _ = logger.Sync() }()

			store, closeStore, err := openAdminStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.SaveCredential(cmd.Context(), cred); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stored %s credentials for user %s\n", cred.Provider, cred.UserID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a credentials YAML file")
	cmd.Flags().StringVar(&cred.UserID, "user", "", "User id")
	cmd.Flags().StringVar(&cred.Provider, "provider", llm.ProviderAnthropic, "Provider (anthropic, mock)")
	cmd.Flags().StringVar(&cred.APIKey, "api-key", "", "Provider API key")
	cmd.Flags().StringVar(&cred.Model, "model", "", "Model id; defaults to the provider's default model")

	return cmd
}

func loadCredential(path string) (*domain.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var cred domain.Credential
	if err := yaml.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return &cred, nil
}

// mergeCredential fills fields of dst not given as flags from src
func mergeCredential(dst, src *domain.Credential, providerSet bool) {
	if dst.UserID == "" {
		dst.UserID = src.UserID
	}
	if src.Provider != "" && !providerSet {
		dst.Provider = src.Provider
	}
	if dst.APIKey == "" {
		dst.APIKey = src.APIKey
	}
	if dst.Model == "" {
		dst.Model = src.Model
	}
}

func validateCredential(cred *domain.Credential) error {
	if cred.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if llm.DefaultModel(cred.Provider) == "" {
		return fmt.Errorf("unsupported LLM provider: %s", cred.Provider)
	}
	if cred.Provider != llm.ProviderMock && cred.APIKey == "" {
		return fmt.Errorf("an API key is required for provider %s", cred.Provider)
	}
	return nil
}
