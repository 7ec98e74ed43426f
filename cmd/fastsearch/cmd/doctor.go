package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/catalog"
	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/kb"
	_ "github.com/xiaojinlii/fastsearch/internal/vectordb/es"    // register the es backend
	_ "github.com/xiaojinlii/fastsearch/internal/vectordb/local" // register the local backend
)

// openManager wires a manager for one-shot CLI commands.
func openManager() (*kb.Manager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, nil, err
	}

	blobStore, err := blob.NewStore(cfg.KB.RootPath)
	if err != nil {
		_ = cat.Close()
		return nil, nil, err
	}

	embedder := embedding.NewClient(cfg.Embed.BaseURL,
		embedding.WithDimensions(cfg.Embed.Dimensions),
		embedding.WithTimeout(cfg.Embed.Timeout))

	manager := kb.NewManager(cfg, cat, blobStore, embedder)
	cleanup := func() {
		_ = manager.Close()
		_ = cat.Close()
	}
	return manager, cleanup, nil
}

// newDoctorCmd audits the three-way consistency of every knowledge base.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Audit catalog / blob / index consistency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			names, err := manager.ListKBNames(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			drifted := 0
			for _, name := range names {
				svc, err := manager.GetService(cmd.Context(), name)
				if err != nil {
					drifted++
					fmt.Fprintf(out, "%s: %s\n", name, warnStyle.Render(err.Error()))
					continue
				}
				report, err := svc.CheckConsistency(cmd.Context())
				if err != nil {
					return err
				}
				if len(report) == 0 {
					fmt.Fprintf(out, "%s: %s\n", name, okStyle.Render("consistent"))
					continue
				}
				drifted++
				for _, drift := range report {
					fmt.Fprintf(out, "%s: %s — %s\n", name,
						warnStyle.Render(drift.FileName), drift.Issue)
				}
			}

			if drifted > 0 {
				return fmt.Errorf("%d knowledge base(s) drifted", drifted)
			}
			return nil
		},
	}
}
