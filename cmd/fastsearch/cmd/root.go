// Package cmd provides the CLI commands for FastSearch.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaojinlii/fastsearch/pkg/version"
)

var configPath string

// NewRootCmd creates the root command for the fastsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fastsearch",
		Short: "Knowledge-base management and hybrid retrieval service",
		Long: `FastSearch manages named knowledge bases: upload documents, ingest them
into a search index, and answer natural-language queries with hybrid
BM25 + dense-vector retrieval fused by Reciprocal Rank Fusion.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("fastsearch version {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKBsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI with signal-aware context cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
