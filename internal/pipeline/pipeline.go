// Package pipeline turns uploaded files into indexable chunks. Per-file
// load+split work runs in a bounded worker pool; a single consumer drains
// outcomes in completion order, not input order.
package pipeline

import (
	"context"
	"log/slog"
	"path"
	"runtime"
	"sync"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/loader"
	"github.com/xiaojinlii/fastsearch/internal/schema"
	"github.com/xiaojinlii/fastsearch/internal/splitter"
)

// Options configures one pipeline run.
type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	ZhTitleEnhance bool
	// Workers bounds the pool; 0 means min(2*CPU, len(files)).
	Workers int
}

// KnowledgeFile is one (kb, filename) work item. Produced chunks are cached
// on the item so the consumer does not re-split.
type KnowledgeFile struct {
	KBName   string
	FileName string
	Ext      string

	LoaderName   string
	SplitterName string

	path string
	docs []*schema.Document
}

// NewKnowledgeFile resolves (kb, filename) against the blob store.
// The blob must exist.
func NewKnowledgeFile(store *blob.Store, kbName, fileName string) (*KnowledgeFile, error) {
	abs, err := store.FilePath(kbName, fileName)
	if err != nil {
		return nil, err
	}
	if !store.FileExists(kbName, fileName) {
		return nil, errors.NotFound("未找到文件 %s", fileName)
	}
	return &KnowledgeFile{
		KBName:   kbName,
		FileName: fileName,
		Ext:      path.Ext(fileName),
		path:     abs,
	}, nil
}

// SetDocs caches pre-split chunks on the work item.
func (kf *KnowledgeFile) SetDocs(docs []*schema.Document) {
	kf.docs = docs
}

// Docs returns cached chunks, splitting the file on first use.
func (kf *KnowledgeFile) Docs(opts Options) ([]*schema.Document, error) {
	if kf.docs != nil {
		return kf.docs, nil
	}
	return kf.FileToText(opts)
}

// FileToText loads the file, splits it, runs the optional title-enhance
// pass, forces metadata.source to the KB-relative filename, and caches the
// result.
func (kf *KnowledgeFile) FileToText(opts Options) ([]*schema.Document, error) {
	raw, loaderName, err := loader.Load(kf.path)
	kf.LoaderName = loaderName
	if err != nil {
		return nil, errors.Wrap(errors.KindLoader, err)
	}

	chunks, splitterName, err := splitter.Split(kf.Ext, raw, opts.ChunkSize, opts.ChunkOverlap)
	kf.SplitterName = splitterName
	if err != nil {
		return nil, errors.Wrap(errors.KindSplitter, err)
	}

	if opts.ZhTitleEnhance {
		chunks = splitter.EnhanceTitles(chunks)
	}

	// Loaders record absolute paths; retrieval wants the KB-relative name.
	for _, chunk := range chunks {
		chunk.SetSource(kf.FileName)
	}

	kf.docs = chunks
	return chunks, nil
}

// Outcome is one pipeline result: either Docs or Err is set.
type Outcome struct {
	File *KnowledgeFile
	Docs []*schema.Document
	Err  error
}

// Run dispatches files to the worker pool and returns the outcome channel.
// The channel closes after all outcomes are delivered. Cancelling ctx drops
// still-queued items; started items finish and their outcomes are discarded
// by the closed consumer.
func Run(ctx context.Context, files []*KnowledgeFile, opts Options) <-chan Outcome {
	out := make(chan Outcome, len(files))

	workers := opts.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	if workers > len(files) {
		workers = len(files)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan *KnowledgeFile)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for kf := range jobs {
				docs, err := kf.FileToText(opts)
				if err != nil {
					slog.Error("file_to_docs_failed",
						slog.String("kb", kf.KBName),
						slog.String("file", kf.FileName),
						slog.String("error", err.Error()))
				}
				out <- Outcome{File: kf, Docs: docs, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, kf := range files {
			select {
			case <-ctx.Done():
				return
			case jobs <- kf:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
