// Package vectordb abstracts the search-index backend behind a uniform
// contract. A VectorDB manages per-knowledge-base indexes; a VectorKB is the
// handle for one of them. Backends register themselves by vs_type string and
// are selectable without touching the KB service.
package vectordb

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// VectorKB is the per-knowledge-base index handle.
type VectorKB interface {
	// AddDocs computes embeddings if needed, writes the chunks, and returns
	// backend-minted ids. The local backend returns them in insertion order;
	// the ES backend returns them in the order of its read-back by source.
	// After insert, a read-back by source must return at least one hit or
	// KindIndexIntegrity is returned.
	AddDocs(ctx context.Context, docs []*schema.Document) ([]schema.DocInfo, error)

	// DeleteDocs deletes all chunks whose metadata.source equals source,
	// looping until none remain.
	DeleteDocs(ctx context.Context, source string) error

	// GetDocsByIDs resolves ids to chunks, skipping ids the index no longer
	// has.
	GetDocsByIDs(ctx context.Context, ids []string) ([]*schema.Document, error)

	// KNNSearch embeds the query and returns the k nearest chunks.
	KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error)

	// BM25Search runs lexical search over the content and heading fields.
	BM25Search(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error)

	// Search runs KNNSearch and BM25Search independently and fuses the lists
	// with Reciprocal Rank Fusion. scoreThreshold is passed through for
	// callers that pre-filter; the hybrid path does not apply it because RRF
	// scores are not comparable to raw similarities.
	Search(ctx context.Context, query string, k int, scoreThreshold float64) ([]schema.ScoredDocument, error)
}

// VectorDB manages per-KB indexes for one backend.
type VectorDB interface {
	// ExistKB reports whether the KB's index exists.
	ExistKB(ctx context.Context, kbName string) (bool, error)

	// CreateKB creates the KB's index (idempotent) and returns its handle.
	CreateKB(ctx context.Context, kbName string) (VectorKB, error)

	// GetKB returns the handle for an existing KB, or nil when absent.
	GetKB(ctx context.Context, kbName string) (VectorKB, error)

	// DeleteKB removes the KB's index. Removing an absent index is not an
	// error.
	DeleteKB(ctx context.Context, kbName string) error

	// ClearKB drops and recreates the KB's index.
	ClearKB(ctx context.Context, kbName string) error

	// Close releases backend resources.
	Close() error
}

// Constructor builds a backend from process config and the shared embedder.
type Constructor func(cfg *config.Config, emb embedding.Embedder) (VectorDB, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a backend constructor under a vs_type name.
// Later registrations under the same name win, so tests can substitute
// backends.
func Register(vsType string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[vsType] = ctor
}

// Open instantiates the backend registered for vsType.
func Open(vsType string, cfg *config.Config, emb embedding.Embedder) (VectorDB, error) {
	registryMu.RLock()
	ctor, ok := registry[vsType]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.NotFound("不存在向量库：%s", vsType)
	}
	return ctor(cfg, emb)
}

// Types returns the registered vs_type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cache holds one VectorKB handle per KB name, populated lazily. The local
// and ES backends keep their own handles and do not use it.
type cache struct {
	mu  sync.Mutex
	kbs map[string]VectorKB
}

func newCache() *cache {
	return &cache{kbs: make(map[string]VectorKB)}
}

func (c *cache) get(name string) (VectorKB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kb, ok := c.kbs[name]
	return kb, ok
}

func (c *cache) put(name string, kb VectorKB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kbs[name] = kb
}

func (c *cache) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kbs, name)
}
