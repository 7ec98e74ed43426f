package kb

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xiaojinlii/fastsearch/internal/catalog"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/pipeline"
	"github.com/xiaojinlii/fastsearch/internal/schema"
	"github.com/xiaojinlii/fastsearch/internal/vectordb"
)

// docCacheSize bounds the per-KB cache of chunks resolved by id.
const docCacheSize = 1024

// Service is the per-knowledge-base handle. Create/delete/clear take the
// exclusive KB lock; retrieval takes the shared lock; add/delete of the same
// file serialize on a per-file lock.
type Service struct {
	manager  *Manager
	kbName   string // stored casing
	vsType   string
	vectorKB vectordb.VectorKB

	kbMu      sync.RWMutex
	fileLocks keyedMutex
	docCache  *lru.Cache[string, *schema.Document]
}

func newService(m *Manager, kbName, vsType string, vkb vectordb.VectorKB) *Service {
	cache, _ := lru.New[string, *schema.Document](docCacheSize)
	return &Service{
		manager:  m,
		kbName:   kbName,
		vsType:   vsType,
		vectorKB: vkb,
		docCache: cache,
	}
}

// Name returns the KB's stored name.
func (s *Service) Name() string { return s.kbName }

// VSType returns the KB's backend type.
func (s *Service) VSType() string { return s.vsType }

// splitOptions fills pipeline options from process defaults when the caller
// passes zero values.
func (s *Service) splitOptions(opts pipeline.Options) pipeline.Options {
	cfg := s.manager.cfg
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = cfg.Split.ChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = cfg.Split.ChunkOverlap
	}
	if opts.Workers <= 0 {
		opts.Workers = cfg.Ingest.Workers
	}
	return opts
}

// UpdateKBInfo updates the KB description in the catalog.
func (s *Service) UpdateKBInfo(ctx context.Context, info string) error {
	return s.manager.catalog.UpsertKB(ctx, s.kbName, info, s.vsType)
}

// Upload is one file body handed to UploadFiles.
type Upload struct {
	FileName string
	Data     []byte
}

// UploadFiles saves blobs only; the index and catalog are untouched.
// Returns the saved filenames and a filename -> message map of failures.
func (s *Service) UploadFiles(uploads []Upload, override bool) (saved []string, failed map[string]string) {
	failed = make(map[string]string)
	for _, up := range uploads {
		if err := s.manager.blob.SaveUpload(s.kbName, up.FileName, up.Data, override); err != nil {
			msg := err.Error()
			if fe, isStructured := err.(*errors.Error); isStructured {
				msg = fe.Message
			}
			failed[up.FileName] = msg
			continue
		}
		saved = append(saved, up.FileName)
	}
	return saved, failed
}

// UpdateFiles re-ingests the named files: load+split in the bounded pool,
// then per file delete-and-add under the file lock. Per-file errors collect
// into the returned map; the batch never aborts.
func (s *Service) UpdateFiles(ctx context.Context, fileNames []string, opts pipeline.Options) map[string]string {
	opts = s.splitOptions(opts)
	failed := make(map[string]string)

	var files []*pipeline.KnowledgeFile
	for _, name := range fileNames {
		kf, err := pipeline.NewKnowledgeFile(s.manager.blob, s.kbName, name)
		if err != nil {
			slog.Error("load_file_failed",
				slog.String("kb", s.kbName),
				slog.String("file", name),
				slog.String("error", err.Error()))
			failed[name] = err.Error()
			continue
		}
		files = append(files, kf)
	}

	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	for outcome := range pipeline.Run(ctx, files, opts) {
		if outcome.Err != nil {
			failed[outcome.File.FileName] = outcome.Err.Error()
			continue
		}
		if err := s.replaceFile(ctx, outcome.File, opts); err != nil {
			failed[outcome.File.FileName] = err.Error()
		}
	}
	return failed
}

// replaceFile swaps a file's chunks: old index rows and catalog rows go
// first, then the fresh chunks are added. The blob stays and file_version
// keeps climbing across the delete-and-add.
func (s *Service) replaceFile(ctx context.Context, kf *pipeline.KnowledgeFile, opts pipeline.Options) error {
	unlock := s.fileLocks.lock(s.fileKey(kf.FileName))
	defer unlock()

	nextVersion := 0
	if detail, err := s.manager.catalog.GetFileDetail(ctx, s.kbName, kf.FileName); err == nil && detail != nil {
		nextVersion = detail.FileVersion + 1
	}

	if err := s.deleteFileLocked(ctx, kf.FileName, false); err != nil {
		return err
	}
	return s.addFileVersionLocked(ctx, kf, opts, nextVersion)
}

// AddFile ingests one file under its file lock. Chunks are the work item's
// cached docs, or freshly produced.
func (s *Service) AddFile(ctx context.Context, kf *pipeline.KnowledgeFile, opts pipeline.Options) error {
	opts = s.splitOptions(opts)

	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	unlock := s.fileLocks.lock(s.fileKey(kf.FileName))
	defer unlock()

	return s.addFileLocked(ctx, kf, opts)
}

func (s *Service) addFileLocked(ctx context.Context, kf *pipeline.KnowledgeFile, opts pipeline.Options) error {
	return s.addFileVersionLocked(ctx, kf, opts, 0)
}

// addFileVersionLocked ingests under an already-held file lock. version is a
// floor for the catalog's file_version (0 means let the catalog decide).
func (s *Service) addFileVersionLocked(ctx context.Context, kf *pipeline.KnowledgeFile, opts pipeline.Options, version int) error {
	docs, err := kf.Docs(opts)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return errors.Newf(errors.KindLoader, "文件 %s 未解析出内容", kf.FileName)
	}

	// The source must be the KB-relative filename no matter what the loader
	// recorded.
	for _, doc := range docs {
		doc.SetSource(kf.FileName)
	}

	infos, err := s.vectorKB.AddDocs(ctx, docs)
	if err != nil {
		return err
	}

	fileDocs := make([]*catalog.FileDoc, len(infos))
	for i, info := range infos {
		fileDocs[i] = &catalog.FileDoc{
			ID:       info.ID,
			KBName:   s.kbName,
			FileName: kf.FileName,
			Ordinal:  i,
			Metadata: info.Metadata,
		}
	}

	file := &catalog.File{
		KBName:      s.kbName,
		FileName:    kf.FileName,
		Ext:         kf.Ext,
		FileVersion: version,
		Loader:      kf.LoaderName,
		Splitter:    kf.SplitterName,
		DocsCount:   len(docs),
	}
	if err := s.manager.catalog.AddFile(ctx, file, fileDocs); err != nil {
		// The catalog row failed: take the freshly written chunks back out so
		// invariant 2 holds.
		if undoErr := s.vectorKB.DeleteDocs(ctx, kf.FileName); undoErr != nil {
			slog.Warn("add_file_undo_failed",
				slog.String("kb", s.kbName),
				slog.String("file", kf.FileName),
				slog.String("error", undoErr.Error()))
		}
		return err
	}

	// The index now reflects the blob; the file is no longer drifted.
	if w := s.manager.watcher; w != nil {
		w.MarkClean(s.kbName, kf.FileName)
	}
	return nil
}

// DeleteFile removes a file's chunks and catalog row; the blob goes too when
// deleteContent is set.
func (s *Service) DeleteFile(ctx context.Context, fileName string, deleteContent bool) error {
	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	unlock := s.fileLocks.lock(s.fileKey(fileName))
	defer unlock()

	return s.deleteFileLocked(ctx, fileName, deleteContent)
}

func (s *Service) deleteFileLocked(ctx context.Context, fileName string, deleteContent bool) error {
	if err := s.vectorKB.DeleteDocs(ctx, fileName); err != nil {
		return err
	}
	if err := s.manager.catalog.DeleteFile(ctx, s.kbName, fileName); err != nil {
		return err
	}
	if deleteContent {
		blobPath, err := s.manager.blob.FilePath(s.kbName, fileName)
		if err != nil {
			return err
		}
		if err := s.manager.blob.DeleteFile(blobPath); err != nil {
			return err
		}
	}
	s.docCache.Purge()
	return nil
}

// FileExists reports whether the catalog tracks the file.
func (s *Service) FileExists(ctx context.Context, fileName string) (bool, error) {
	return s.manager.catalog.FileExists(ctx, s.kbName, fileName)
}

// ClearKB drops and recreates the KB's index and clears its catalog rows.
// Blobs stay on disk for re-ingest.
func (s *Service) ClearKB(ctx context.Context) error {
	s.kbMu.Lock()
	defer s.kbMu.Unlock()

	db, err := s.manager.vectorDB(s.vsType)
	if err != nil {
		return err
	}
	if err := db.ClearKB(ctx, s.kbName); err != nil {
		return err
	}
	// The backend may hand out a fresh handle after recreation.
	vkb, err := db.GetKB(ctx, s.kbName)
	if err != nil {
		return err
	}
	if vkb != nil {
		s.vectorKB = vkb
	}

	if err := s.manager.catalog.DeleteFilesForKB(ctx, s.kbName); err != nil {
		return err
	}
	s.docCache.Purge()
	return nil
}

// ReadFile returns the raw blob bytes for download.
func (s *Service) ReadFile(fileName string) ([]byte, error) {
	return s.manager.blob.ReadFile(s.kbName, fileName)
}

// ListFiles returns the file names under the KB's content root.
func (s *Service) ListFiles() ([]string, error) {
	return s.manager.blob.ListFiles(s.kbName)
}

// FileDetail is one row of the file listing, cross-joining disk and catalog.
type FileDetail struct {
	No          int    `json:"No"`
	KBName      string `json:"kb_name"`
	FileName    string `json:"file_name"`
	Ext         string `json:"file_ext"`
	FileVersion int    `json:"file_version"`
	Loader      string `json:"document_loader"`
	Splitter    string `json:"text_splitter"`
	DocsCount   int    `json:"docs_count"`
	CreateTime  string `json:"create_time"`
	InFolder    bool   `json:"in_folder"`
	InDB        bool   `json:"in_db"`
}

// ListKBFileDetails cross-joins files on disk with catalog rows.
func (s *Service) ListKBFileDetails(ctx context.Context) ([]FileDetail, error) {
	inFolder, err := s.manager.blob.ListFiles(s.kbName)
	if err != nil {
		return nil, err
	}
	inDB, err := s.manager.catalog.ListFiles(ctx, s.kbName)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*FileDetail)
	var order []string

	for _, name := range inFolder {
		key := strings.ToLower(name)
		result[key] = &FileDetail{
			KBName:   s.kbName,
			FileName: name,
			Ext:      path.Ext(name),
			InFolder: true,
		}
		order = append(order, key)
	}

	for _, name := range inDB {
		detail, err := s.manager.catalog.GetFileDetail(ctx, s.kbName, name)
		if err != nil {
			return nil, err
		}
		if detail == nil {
			continue
		}
		key := strings.ToLower(name)
		entry, ok := result[key]
		if !ok {
			entry = &FileDetail{KBName: s.kbName, FileName: detail.FileName, Ext: detail.Ext}
			result[key] = entry
			order = append(order, key)
		}
		entry.InDB = true
		entry.FileVersion = detail.FileVersion
		entry.Loader = detail.Loader
		entry.Splitter = detail.Splitter
		entry.DocsCount = detail.DocsCount
		entry.CreateTime = detail.CreateTime.Format("2006-01-02 15:04:05")
	}

	details := make([]FileDetail, 0, len(order))
	for i, key := range order {
		entry := result[key]
		entry.No = i + 1
		details = append(details, *entry)
	}
	return details, nil
}

// ListFileDocs resolves catalog chunk rows to index chunks, by file-name
// pattern and one-level metadata filter. Ids the index no longer has are
// silently skipped.
func (s *Service) ListFileDocs(ctx context.Context, fileName string, metadata map[string]any) ([]DocumentWithID, error) {
	rows, err := s.manager.catalog.ListFileDocs(ctx, s.kbName, fileName, metadata)
	if err != nil {
		return nil, err
	}

	out := make([]DocumentWithID, 0, len(rows))
	for _, row := range rows {
		doc, ok := s.docCache.Get(row.ID)
		if !ok {
			resolved, err := s.vectorKB.GetDocsByIDs(ctx, []string{row.ID})
			if err != nil {
				return nil, err
			}
			if len(resolved) == 0 {
				continue
			}
			doc = resolved[0]
			s.docCache.Add(row.ID, doc)
		}
		out = append(out, DocumentWithID{Document: doc, ID: row.ID})
	}
	return out, nil
}

// fileKey builds the per-file lock key; filenames compare case-insensitively.
func (s *Service) fileKey(fileName string) string {
	return strings.ToLower(s.kbName) + "|" + strings.ToLower(fileName)
}
