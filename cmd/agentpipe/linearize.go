package main

import (
	"fmt"
	"os"

	"github.com/aescanero/agentpipe/internal/application/orchestrator"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// graphFile accepts either a bare graph or a pipeline document
type graphFile struct {
	domain.PipelineGraph `yaml:",inline"`
	Graph                *domain.PipelineGraph `yaml:"graph"`
}

func newLinearizeCmd() *cobra.Command {
	var file string
	var skipValidation bool

	cmd := &cobra.Command{
		Use:   "linearize",
		Short: "Print the execution order of a pipeline graph",
		Long: `Reads a pipeline graph (or a pipeline document with a graph field)
from a YAML or JSON file and prints the ordered execution steps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(file)
			if err != nil {
				return err
			}

			if !skipValidation {
				if err := orchestrator.NewValidator().Validate(graph); err != nil {
					return err
				}
			}

			steps := orchestrator.Linearize(graph.Nodes, graph.Edges)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(steps); err != nil {
				return fmt.Errorf("failed to write steps: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the graph file (YAML or JSON)")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Linearize without rejecting invalid graphs")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadGraph(path string) (*domain.PipelineGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}

	var doc graphFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse graph file: %w", err)
	}
	if doc.Graph != nil {
		return doc.Graph, nil
	}
	return &doc.PipelineGraph, nil
}
