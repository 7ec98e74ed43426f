package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/catalog"
	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/kb"
	"github.com/xiaojinlii/fastsearch/internal/logging"
	"github.com/xiaojinlii/fastsearch/internal/reranker"
	"github.com/xiaojinlii/fastsearch/internal/server"
	_ "github.com/xiaojinlii/fastsearch/internal/vectordb/es"    // register the es backend
	_ "github.com/xiaojinlii/fastsearch/internal/vectordb/local" // register the local backend
	"github.com/xiaojinlii/fastsearch/internal/watcher"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the knowledge-base HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings (no embedding service required)")
	return cmd
}

func runServe(ctx context.Context, offline bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cleanup, err := logging.SetupDefault(logging.Config{
		Level:         cfg.Server.LogLevel,
		FilePath:      cfg.Server.LogFile,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	blobStore, err := blob.NewStore(cfg.KB.RootPath)
	if err != nil {
		return err
	}

	// One service instance per KB root.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another fastsearch instance is already serving %s", cfg.KB.RootPath)
	}
	defer func() { _ = lock.Unlock() }()

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	var embedder embedding.Embedder
	if offline {
		slog.Info("using_static_embeddings", slog.Int("dims", cfg.Embed.Dimensions))
		embedder = embedding.NewStatic(cfg.Embed.Dimensions)
	} else {
		embedder = embedding.NewClient(cfg.Embed.BaseURL,
			embedding.WithDimensions(cfg.Embed.Dimensions),
			embedding.WithTimeout(cfg.Embed.Timeout))
	}

	opts := []kb.ManagerOption{}
	if cfg.Search.UseReranker {
		opts = append(opts, kb.WithReranker(
			reranker.NewClient(cfg.Reranker.BaseURL, reranker.WithTimeout(cfg.Reranker.Timeout))))
	}

	if cfg.KB.WatchContent {
		w, err := watcher.New()
		if err != nil {
			slog.Warn("content_watcher_unavailable", slog.String("error", err.Error()))
		} else {
			defer func() { _ = w.Close() }()
			names, err := blobStore.ListKBs()
			if err == nil {
				for _, name := range names {
					if err := w.WatchKB(name, blobStore.ContentPath(name)); err != nil {
						slog.Warn("content_watch_failed",
							slog.String("kb", name),
							slog.String("error", err.Error()))
					}
				}
			}
			// CheckConsistency surfaces the watcher's dirty files as drift;
			// re-ingest clears them.
			opts = append(opts, kb.WithWatcher(w))
		}
	}

	manager := kb.NewManager(cfg, cat, blobStore, embedder, opts...)
	defer func() { _ = manager.Close() }()

	srv := server.New(cfg, manager)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
