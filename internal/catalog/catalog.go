// Package catalog persists knowledge-base metadata in SQLite: knowledge
// bases, files, and per-file document chunks. It is the relational leg of the
// three-way consistency invariant.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/xiaojinlii/fastsearch/internal/errors"
)

// KnowledgeBase is a row of the knowledge_base table.
type KnowledgeBase struct {
	Name       string    `json:"kb_name"`
	Info       string    `json:"kb_info"`
	VSType     string    `json:"vs_type"`
	FileCount  int       `json:"file_count"`
	CreateTime time.Time `json:"create_time"`
}

// File is a row of the file table.
type File struct {
	KBName      string    `json:"kb_name"`
	FileName    string    `json:"file_name"`
	Ext         string    `json:"file_ext"`
	FileVersion int       `json:"file_version"`
	Loader      string    `json:"document_loader"`
	Splitter    string    `json:"text_splitter"`
	DocsCount   int       `json:"docs_count"`
	CreateTime  time.Time `json:"create_time"`
}

// FileDoc is a row of the file_doc table: one indexed chunk.
type FileDoc struct {
	ID       string         `json:"id"`
	KBName   string         `json:"kb_name"`
	FileName string         `json:"file_name"`
	Ordinal  int            `json:"ordinal"`
	Metadata map[string]any `json:"metadata"`
}

// Store is the SQLite-backed catalog. Safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open opens (or creates) the catalog at path. An empty path opens an
// in-memory catalog for testing.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS knowledge_base (
		kb_name     TEXT PRIMARY KEY COLLATE NOCASE,
		kb_info     TEXT NOT NULL DEFAULT '',
		vs_type     TEXT NOT NULL,
		file_count  INTEGER NOT NULL DEFAULT 0,
		create_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS file (
		kb_name         TEXT NOT NULL COLLATE NOCASE,
		file_name       TEXT NOT NULL COLLATE NOCASE,
		file_ext        TEXT NOT NULL DEFAULT '',
		file_version    INTEGER NOT NULL DEFAULT 1,
		document_loader TEXT NOT NULL DEFAULT '',
		text_splitter   TEXT NOT NULL DEFAULT '',
		docs_count      INTEGER NOT NULL DEFAULT 0,
		create_time     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kb_name, file_name),
		FOREIGN KEY (kb_name) REFERENCES knowledge_base(kb_name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS file_doc (
		id        TEXT NOT NULL,
		kb_name   TEXT NOT NULL COLLATE NOCASE,
		file_name TEXT NOT NULL COLLATE NOCASE,
		ordinal   INTEGER NOT NULL DEFAULT 0,
		metadata  TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (kb_name, id),
		FOREIGN KEY (kb_name, file_name) REFERENCES file(kb_name, file_name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_file_doc_file ON file_doc(kb_name, file_name);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the catalog.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// UpsertKB creates the knowledge base or updates its info and vs_type.
func (s *Store) UpsertKB(ctx context.Context, name, info, vsType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_base (kb_name, kb_info, vs_type)
		VALUES (?, ?, ?)
		ON CONFLICT(kb_name) DO UPDATE SET kb_info = excluded.kb_info, vs_type = excluded.vs_type`,
		name, info, vsType)
	if err != nil {
		return errors.Internal("upsert knowledge base", err)
	}
	return nil
}

// ListKBs returns KB names whose file_count exceeds minFileCount.
// Pass -1 to list every knowledge base.
func (s *Store) ListKBs(ctx context.Context, minFileCount int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT kb_name FROM knowledge_base WHERE file_count > ? ORDER BY create_time`, minFileCount)
	if err != nil {
		return nil, errors.Internal("list knowledge bases", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Internal("scan knowledge base", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// KBExists reports whether a KB row exists, matching case-insensitively.
func (s *Store) KBExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_base WHERE kb_name = ?`, name).Scan(&n)
	if err != nil {
		return false, errors.Internal("check knowledge base", err)
	}
	return n > 0, nil
}

// LoadKB returns the stored name and vs_type for a KB, or NotFound.
func (s *Store) LoadKB(ctx context.Context, name string) (*KnowledgeBase, error) {
	kb, err := s.GetKBDetail(ctx, name)
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, errors.NotFound("数据库中不存在知识库：%s", name)
	}
	return kb, nil
}

// GetKBDetail returns the KB row, or nil when absent.
func (s *Store) GetKBDetail(ctx context.Context, name string) (*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kb KnowledgeBase
	err := s.db.QueryRowContext(ctx, `
		SELECT kb_name, kb_info, vs_type, file_count, create_time
		FROM knowledge_base WHERE kb_name = ?`, name).
		Scan(&kb.Name, &kb.Info, &kb.VSType, &kb.FileCount, &kb.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("load knowledge base", err)
	}
	return &kb, nil
}

// DeleteKB removes the KB row; file and file_doc rows cascade.
func (s *Store) DeleteKB(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_base WHERE kb_name = ?`, name)
	if err != nil {
		return errors.Internal("delete knowledge base", err)
	}
	return nil
}

// AddFile records a file and its chunks. When a prior row exists its
// file_version increments by one. The KB's file_count is refreshed in the
// same transaction.
func (s *Store) AddFile(ctx context.Context, file *File, docs []*FileDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("begin add file", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A caller-provided FileVersion acts as a floor, so re-ingest flows that
	// delete the row before re-adding still see a monotone version.
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT file_version FROM file WHERE kb_name = ? AND file_name = ?`,
		file.KBName, file.FileName).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		version = file.FileVersion
		if version <= 0 {
			version = 1
		}
	case err != nil:
		return errors.Internal("load file version", err)
	default:
		version++
		if file.FileVersion > version {
			version = file.FileVersion
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file (kb_name, file_name, file_ext, file_version, document_loader, text_splitter, docs_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kb_name, file_name) DO UPDATE SET
			file_ext = excluded.file_ext,
			file_version = excluded.file_version,
			document_loader = excluded.document_loader,
			text_splitter = excluded.text_splitter,
			docs_count = excluded.docs_count,
			create_time = CURRENT_TIMESTAMP`,
		file.KBName, file.FileName, file.Ext, version, file.Loader, file.Splitter, file.DocsCount)
	if err != nil {
		return errors.Internal("save file", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_doc WHERE kb_name = ? AND file_name = ?`,
		file.KBName, file.FileName); err != nil {
		return errors.Internal("clear file docs", err)
	}

	for _, doc := range docs {
		md, err := json.Marshal(doc.Metadata)
		if err != nil {
			return errors.Internal("encode chunk metadata", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_doc (id, kb_name, file_name, ordinal, metadata)
			VALUES (?, ?, ?, ?, ?)`,
			doc.ID, file.KBName, file.FileName, doc.Ordinal, string(md)); err != nil {
			return errors.Internal("save file doc", err)
		}
	}

	if err := refreshFileCount(ctx, tx, file.KBName); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Internal("commit add file", err)
	}
	file.FileVersion = version
	return nil
}

// FileExists reports whether a catalog row exists for (kb, filename).
func (s *Store) FileExists(ctx context.Context, kbName, fileName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file WHERE kb_name = ? AND file_name = ?`, kbName, fileName).Scan(&n)
	if err != nil {
		return false, errors.Internal("check file", err)
	}
	return n > 0, nil
}

// ListFiles returns the file names recorded for a KB.
func (s *Store) ListFiles(ctx context.Context, kbName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_name FROM file WHERE kb_name = ? ORDER BY create_time`, kbName)
	if err != nil {
		return nil, errors.Internal("list files", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Internal("scan file", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetFileDetail returns the file row, or nil when absent.
func (s *Store) GetFileDetail(ctx context.Context, kbName, fileName string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f File
	err := s.db.QueryRowContext(ctx, `
		SELECT kb_name, file_name, file_ext, file_version, document_loader, text_splitter, docs_count, create_time
		FROM file WHERE kb_name = ? AND file_name = ?`, kbName, fileName).
		Scan(&f.KBName, &f.FileName, &f.Ext, &f.FileVersion, &f.Loader, &f.Splitter, &f.DocsCount, &f.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("load file", err)
	}
	return &f, nil
}

// DeleteFile removes a file row and its chunks, then refreshes file_count.
func (s *Store) DeleteFile(ctx context.Context, kbName, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("begin delete file", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_doc WHERE kb_name = ? AND file_name = ?`, kbName, fileName); err != nil {
		return errors.Internal("delete file docs", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file WHERE kb_name = ? AND file_name = ?`, kbName, fileName); err != nil {
		return errors.Internal("delete file", err)
	}
	if err := refreshFileCount(ctx, tx, kbName); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Internal("commit delete file", err)
	}
	return nil
}

// DeleteFilesForKB removes all file and file_doc rows of a KB and zeroes its
// file_count. The KB row itself stays.
func (s *Store) DeleteFilesForKB(ctx context.Context, kbName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("begin clear files", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_doc WHERE kb_name = ?`, kbName); err != nil {
		return errors.Internal("clear file docs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file WHERE kb_name = ?`, kbName); err != nil {
		return errors.Internal("clear files", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE knowledge_base SET file_count = 0 WHERE kb_name = ?`, kbName); err != nil {
		return errors.Internal("reset file count", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Internal("commit clear files", err)
	}
	return nil
}

// ListFileDocs returns chunk rows for a KB, optionally filtered by a
// file-name pattern (SQL LIKE wildcards supported) and by one-level metadata
// equality.
func (s *Store) ListFileDocs(ctx context.Context, kbName, fileName string, metadata map[string]any) ([]*FileDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kb_name, file_name, ordinal, metadata FROM file_doc WHERE kb_name = ?`
	args := []any{kbName}
	if fileName != "" {
		query += ` AND file_name LIKE ?`
		args = append(args, fileName)
	}
	query += ` ORDER BY file_name, ordinal`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal("list file docs", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*FileDoc
	for rows.Next() {
		var doc FileDoc
		var md string
		if err := rows.Scan(&doc.ID, &doc.KBName, &doc.FileName, &doc.Ordinal, &md); err != nil {
			return nil, errors.Internal("scan file doc", err)
		}
		if err := json.Unmarshal([]byte(md), &doc.Metadata); err != nil {
			doc.Metadata = map[string]any{}
		}
		if !metadataMatches(doc.Metadata, metadata) {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// metadataMatches checks one-level key equality against the filter.
func metadataMatches(md, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// refreshFileCount recomputes file_count from the file table.
func refreshFileCount(ctx context.Context, tx *sql.Tx, kbName string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE knowledge_base
		SET file_count = (SELECT COUNT(*) FROM file WHERE file.kb_name = knowledge_base.kb_name)
		WHERE kb_name = ?`, kbName)
	if err != nil {
		return errors.Internal("refresh file count", err)
	}
	return nil
}
