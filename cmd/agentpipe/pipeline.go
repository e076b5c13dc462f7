package main

import (
	"fmt"
	"os"

	"github.com/aescanero/agentpipe/internal/application/orchestrator"
	"github.com/aescanero/agentpipe/internal/config"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage stored pipelines",
	}
	cmd.AddCommand(newPipelineImportCmd())
	return cmd
}

func newPipelineImportCmd() *cobra.Command {
	var file, userID, id string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a pipeline file and save it to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := loadPipeline(file)
			if err != nil {
				return err
			}
			if id != "" {
				pipeline.ID = id
			}
			if pipeline.ID == "" {
				pipeline.ID = uuid.New().String()
			}
			if userID != "" {
				pipeline.UserID = userID
			}
			if pipeline.UserID == "" {
				return fmt.Errorf("pipeline userId is required (set it in the file or with --user)")
			}

			if err := orchestrator.NewValidator().Validate(&pipeline.Graph); err != nil {
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

			if err := store.SavePipeline(cmd.Context(), pipeline); err != nil {
				return err
			}

			steps := orchestrator.Linearize(pipeline.Graph.Nodes, pipeline.Graph.Edges)
			fmt.Fprintf(cmd.OutOrStdout(), "imported pipeline %s (%d steps)\n", pipeline.ID, len(steps))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the pipeline file (YAML or JSON)")
	cmd.Flags().StringVar(&userID, "user", "", "Owner user id, overriding the file")
	cmd.Flags().StringVar(&id, "id", "", "Pipeline id, overriding the file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadPipeline(path string) (*domain.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var pipeline domain.Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	return &pipeline, nil
}
