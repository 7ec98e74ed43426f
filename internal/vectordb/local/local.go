// Package local implements an in-process index backend: bleve for BM25,
// an HNSW graph for dense kNN, and a gob-persisted document store. It serves
// offline development and tests, and exercises the same VectorDB contract as
// the remote backend.
package local

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/vectordb"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})

	vectordb.Register("local", func(cfg *config.Config, emb embedding.Embedder) (vectordb.VectorDB, error) {
		return New(cfg, emb)
	})
}

// DB is the in-process backend. One KB handle is kept per knowledge base.
type DB struct {
	mu       sync.Mutex
	root     string
	perKB    bool // true when KB dirs live under <kb_root>/<kb>/vector_store/local
	embedder embedding.Embedder
	kbs      map[string]*KB
}

// Verify interface implementation at compile time.
var _ vectordb.VectorDB = (*DB)(nil)

// New creates the local backend from process config.
func New(cfg *config.Config, emb embedding.Embedder) (*DB, error) {
	db := &DB{
		embedder: emb,
		kbs:      make(map[string]*KB),
	}
	if cfg.VectorDB.Local.Path != "" {
		db.root = cfg.VectorDB.Local.Path
	} else {
		db.root = cfg.KB.RootPath
		db.perKB = true
	}
	return db, nil
}

// kbDir returns the on-disk directory of a KB's local index.
func (db *DB) kbDir(kbName string) string {
	if db.perKB {
		return filepath.Join(db.root, kbName, "vector_store", "local")
	}
	return filepath.Join(db.root, kbName)
}

// ExistKB implements vectordb.VectorDB.
func (db *DB) ExistKB(_ context.Context, kbName string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.kbs[kbName]; ok {
		return true, nil
	}
	info, err := os.Stat(db.kbDir(kbName))
	return err == nil && info.IsDir(), nil
}

// CreateKB implements vectordb.VectorDB.
func (db *DB) CreateKB(_ context.Context, kbName string) (vectordb.VectorKB, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if kb, ok := db.kbs[kbName]; ok {
		return kb, nil
	}
	kb, err := openKB(db.kbDir(kbName), db.embedder)
	if err != nil {
		return nil, err
	}
	db.kbs[kbName] = kb
	return kb, nil
}

// GetKB implements vectordb.VectorDB.
func (db *DB) GetKB(ctx context.Context, kbName string) (vectordb.VectorKB, error) {
	exists, err := db.ExistKB(ctx, kbName)
	if err != nil || !exists {
		return nil, err
	}
	return db.CreateKB(ctx, kbName)
}

// DeleteKB implements vectordb.VectorDB.
func (db *DB) DeleteKB(_ context.Context, kbName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if kb, ok := db.kbs[kbName]; ok {
		_ = kb.close()
		delete(db.kbs, kbName)
	}
	if err := os.RemoveAll(db.kbDir(kbName)); err != nil {
		return errors.New(errors.KindIndex, "remove local index: "+err.Error(), err)
	}
	return nil
}

// ClearKB implements vectordb.VectorDB.
func (db *DB) ClearKB(ctx context.Context, kbName string) error {
	if err := db.DeleteKB(ctx, kbName); err != nil {
		return err
	}
	_, err := db.CreateKB(ctx, kbName)
	return err
}

// Close implements vectordb.VectorDB.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for name, kb := range db.kbs {
		_ = kb.close()
		delete(db.kbs, name)
	}
	return nil
}
