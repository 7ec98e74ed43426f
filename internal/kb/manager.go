// Package kb is the knowledge-base service facade. It owns the process-wide
// service handle cache and enforces the three-way consistency between the
// blob store, the catalog, and the vector index.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/catalog"
	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/reranker"
	"github.com/xiaojinlii/fastsearch/internal/vectordb"
	"github.com/xiaojinlii/fastsearch/internal/watcher"
)

// Manager owns shared dependencies and the service handle cache. The cache
// is populated on first access, evicted on DeleteKB, and flushed on process
// restart.
type Manager struct {
	cfg      *config.Config
	catalog  *catalog.Store
	blob     *blob.Store
	embedder embedding.Embedder
	reranker reranker.Reranker
	watcher  *watcher.Watcher

	mu       sync.Mutex
	services map[string]*Service // key: lowercased KB name

	dbMu sync.Mutex
	dbs  map[string]vectordb.VectorDB // key: vs_type
}

// ManagerOption configures optional Manager dependencies.
type ManagerOption func(*Manager)

// WithReranker installs the cross-encoder used when search.use_reranker is
// set.
func WithReranker(r reranker.Reranker) ManagerOption {
	return func(m *Manager) { m.reranker = r }
}

// WithWatcher installs the content watcher. Created KBs are registered with
// it, CheckConsistency reports its dirty files as drift, and a successful
// re-ingest clears the mark.
func WithWatcher(w *watcher.Watcher) ManagerOption {
	return func(m *Manager) { m.watcher = w }
}

// NewManager wires the manager from its stores and the shared embedder.
func NewManager(cfg *config.Config, cat *catalog.Store, blobStore *blob.Store, emb embedding.Embedder, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		catalog:  cat,
		blob:     blobStore,
		embedder: emb,
		services: make(map[string]*Service),
		dbs:      make(map[string]vectordb.VectorDB),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close releases backend connections.
func (m *Manager) Close() error {
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	for vsType, db := range m.dbs {
		if err := db.Close(); err != nil {
			slog.Warn("vector_db_close_failed",
				slog.String("vs_type", vsType),
				slog.String("error", err.Error()))
		}
		delete(m.dbs, vsType)
	}
	return nil
}

// ValidateKBName rejects empty names and path traversal.
func ValidateKBName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Validation("知识库名称不能为空，请重新填写知识库名称")
	}
	if strings.Contains(name, "../") {
		return errors.Validation("Don't attack me")
	}
	return nil
}

// vectorDB returns the backend for a vs_type, opening it on first use.
func (m *Manager) vectorDB(vsType string) (vectordb.VectorDB, error) {
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	if db, ok := m.dbs[vsType]; ok {
		return db, nil
	}
	db, err := vectordb.Open(vsType, m.cfg, m.embedder)
	if err != nil {
		return nil, err
	}
	m.dbs[vsType] = db
	return db, nil
}

// CreateKB creates a knowledge base across the blob store, the vector index,
// and the catalog. On failure, completed steps are undone in reverse, best
// effort.
func (m *Manager) CreateKB(ctx context.Context, name, vsType string) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}
	if vsType == "" {
		vsType = m.cfg.KB.DefaultVSType
	}
	if m.ExistKB(ctx, name) {
		return errors.AlreadyExists("已存在知识库%s", name)
	}

	db, err := m.vectorDB(vsType)
	if err != nil {
		return err
	}

	if err := m.blob.CreateKBDirs(name); err != nil {
		return err
	}

	if _, err := db.CreateKB(ctx, name); err != nil {
		if undoErr := m.blob.DeleteKBTree(name); undoErr != nil {
			slog.Warn("create_kb_undo_failed", slog.String("kb", name), slog.String("error", undoErr.Error()))
		}
		return err
	}

	info := fmt.Sprintf("关于%s的知识库", name)
	if err := m.catalog.UpsertKB(ctx, name, info, vsType); err != nil {
		if undoErr := db.DeleteKB(ctx, name); undoErr != nil {
			slog.Warn("create_kb_undo_failed", slog.String("kb", name), slog.String("error", undoErr.Error()))
		}
		if undoErr := m.blob.DeleteKBTree(name); undoErr != nil {
			slog.Warn("create_kb_undo_failed", slog.String("kb", name), slog.String("error", undoErr.Error()))
		}
		return err
	}

	if m.watcher != nil {
		if err := m.watcher.WatchKB(name, m.blob.ContentPath(name)); err != nil {
			slog.Warn("content_watch_failed",
				slog.String("kb", name),
				slog.String("error", err.Error()))
		}
	}

	slog.Info("kb_created", slog.String("kb", name), slog.String("vs_type", vsType))
	return nil
}

// DeleteKB removes a knowledge base from the index, the catalog, and the
// blob store, then evicts its service handle.
func (m *Manager) DeleteKB(ctx context.Context, name string) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}

	svc, err := m.GetService(ctx, name)
	if err != nil {
		return err
	}

	svc.kbMu.Lock()
	defer svc.kbMu.Unlock()

	db, err := m.vectorDB(svc.vsType)
	if err != nil {
		return err
	}
	if err := db.DeleteKB(ctx, svc.kbName); err != nil {
		return err
	}
	if err := m.catalog.DeleteFilesForKB(ctx, svc.kbName); err != nil {
		return err
	}
	if err := m.catalog.DeleteKB(ctx, svc.kbName); err != nil {
		return err
	}
	if err := m.blob.DeleteKBTree(svc.kbName); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.services, strings.ToLower(name))
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.ForgetKB(svc.kbName)
	}

	slog.Info("kb_deleted", slog.String("kb", svc.kbName))
	return nil
}

// ExistKB reports whether the KB exists: a cache hit, or a successful
// rehydrate across catalog, index, and blob store.
func (m *Manager) ExistKB(ctx context.Context, name string) bool {
	m.mu.Lock()
	_, cached := m.services[strings.ToLower(name)]
	m.mu.Unlock()
	if cached {
		return true
	}
	_, err := m.GetService(ctx, name)
	return err == nil
}

// GetService returns the cached service handle for a KB, rehydrating it on
// first access. All three legs must be present: catalog row, index, and blob
// directory.
func (m *Manager) GetService(ctx context.Context, name string) (*Service, error) {
	key := strings.ToLower(name)

	m.mu.Lock()
	if svc, ok := m.services[key]; ok {
		m.mu.Unlock()
		return svc, nil
	}
	m.mu.Unlock()

	row, err := m.catalog.LoadKB(ctx, name)
	if err != nil {
		return nil, err
	}

	db, err := m.vectorDB(row.VSType)
	if err != nil {
		return nil, err
	}
	vkb, err := db.GetKB(ctx, row.Name)
	if err != nil {
		return nil, err
	}
	if vkb == nil {
		return nil, errors.NotFound("不存在向量数据库：%s", row.Name)
	}

	if !m.blob.KBExists(row.Name) {
		return nil, errors.NotFound("文件管理中不存在知识库目录：%s", row.Name)
	}

	svc := newService(m, row.Name, row.VSType, vkb)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.services[key]; ok {
		return existing, nil
	}
	m.services[key] = svc
	return svc, nil
}

// ListKBNames returns the catalog's KB names.
func (m *Manager) ListKBNames(ctx context.Context) ([]string, error) {
	return m.catalog.ListKBs(ctx, -1)
}

// KBDetail is one row of the cross-joined KB listing.
type KBDetail struct {
	No         int    `json:"No"`
	KBName     string `json:"kb_name"`
	VSType     string `json:"vs_type"`
	KBInfo     string `json:"kb_info"`
	FileCount  int    `json:"file_count"`
	CreateTime string `json:"create_time"`
	InFolder   bool   `json:"in_folder"`
	InDB       bool   `json:"in_db"`
}

// ListKBDetails cross-joins KB directories on disk with catalog rows.
func (m *Manager) ListKBDetails(ctx context.Context) ([]KBDetail, error) {
	inFolder, err := m.blob.ListKBs()
	if err != nil {
		return nil, err
	}
	inDB, err := m.catalog.ListKBs(ctx, -1)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*KBDetail)
	var order []string

	for _, name := range inFolder {
		key := strings.ToLower(name)
		result[key] = &KBDetail{KBName: name, InFolder: true}
		order = append(order, key)
	}
	for _, name := range inDB {
		detail, err := m.catalog.GetKBDetail(ctx, name)
		if err != nil {
			return nil, err
		}
		if detail == nil {
			continue
		}
		key := strings.ToLower(name)
		entry, ok := result[key]
		if !ok {
			entry = &KBDetail{KBName: detail.Name}
			result[key] = entry
			order = append(order, key)
		}
		entry.InDB = true
		entry.VSType = detail.VSType
		entry.KBInfo = detail.Info
		entry.FileCount = detail.FileCount
		entry.CreateTime = detail.CreateTime.Format("2006-01-02 15:04:05")
	}

	sort.Strings(order)
	details := make([]KBDetail, 0, len(order))
	for i, key := range order {
		entry := result[key]
		entry.No = i + 1
		details = append(details, *entry)
	}
	return details, nil
}
