package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

func newBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	s, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.CreateKBDirs("samples"))
	return s
}

func addFile(t *testing.T, s *blob.Store, name, content string) {
	t.Helper()
	require.NoError(t, s.SaveUpload("samples", name, []byte(content), true))
}

func TestNewKnowledgeFileMissingBlob(t *testing.T) {
	s := newBlobStore(t)

	_, err := NewKnowledgeFile(s, "samples", "absent.txt")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestFileToTextMarkdown(t *testing.T) {
	s := newBlobStore(t)
	addFile(t, s, "foo.md", "# H1\n\nhello world")

	kf, err := NewKnowledgeFile(s, "samples", "foo.md")
	require.NoError(t, err)

	docs, err := kf.FileToText(Options{ChunkSize: 250, ChunkOverlap: 50})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "hello world", docs[0].PageContent)
	assert.Equal(t, "H1", docs[0].Metadata[schema.KeyHead1])
	assert.Equal(t, "foo.md", docs[0].Source(), "source is rewritten to the KB-relative name")
	assert.Equal(t, "TextLoader", kf.LoaderName)
	assert.Equal(t, "MarkdownHeaderTextSplitter", kf.SplitterName)
}

func TestDocsCachesChunks(t *testing.T) {
	s := newBlobStore(t)
	addFile(t, s, "a.txt", "some text content")

	kf, err := NewKnowledgeFile(s, "samples", "a.txt")
	require.NoError(t, err)

	first, err := kf.Docs(Options{ChunkSize: 250, ChunkOverlap: 50})
	require.NoError(t, err)

	// Pre-set docs survive: consumer must not re-split.
	cached, err := kf.Docs(Options{ChunkSize: 10, ChunkOverlap: 0})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%p", first), fmt.Sprintf("%p", cached))
}

func TestSetDocsOverridesSplitting(t *testing.T) {
	s := newBlobStore(t)
	addFile(t, s, "a.txt", "ignored")

	kf, err := NewKnowledgeFile(s, "samples", "a.txt")
	require.NoError(t, err)

	pre := []*schema.Document{schema.New("pre-split")}
	kf.SetDocs(pre)

	docs, err := kf.Docs(Options{})
	require.NoError(t, err)
	assert.Equal(t, pre, docs)
}

func TestRunYieldsAllOutcomes(t *testing.T) {
	s := newBlobStore(t)

	var files []*KnowledgeFile
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		addFile(t, s, name, fmt.Sprintf("content of file %d", i))
		kf, err := NewKnowledgeFile(s, "samples", name)
		require.NoError(t, err)
		files = append(files, kf)
	}

	seen := map[string]bool{}
	for outcome := range Run(context.Background(), files, Options{ChunkSize: 250, ChunkOverlap: 50, Workers: 3}) {
		require.NoError(t, outcome.Err)
		require.NotEmpty(t, outcome.Docs)
		seen[outcome.File.FileName] = true
	}
	assert.Len(t, seen, 8)
}

func TestRunReportsPerFileErrors(t *testing.T) {
	s := newBlobStore(t)
	addFile(t, s, "good.txt", "fine")

	good, err := NewKnowledgeFile(s, "samples", "good.txt")
	require.NoError(t, err)

	// A file whose blob disappeared after item creation.
	addFile(t, s, "gone.txt", "x")
	bad, err := NewKnowledgeFile(s, "samples", "gone.txt")
	require.NoError(t, err)
	path, err := s.FilePath("samples", "gone.txt")
	require.NoError(t, err)
	require.NoError(t, s.DeleteFile(path))

	var okCount, errCount int
	for outcome := range Run(context.Background(), []*KnowledgeFile{good, bad}, Options{ChunkSize: 100}) {
		if outcome.Err != nil {
			errCount++
			assert.Equal(t, "gone.txt", outcome.File.FileName)
		} else {
			okCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, errCount)
}

func TestRunCancelDropsQueuedWork(t *testing.T) {
	s := newBlobStore(t)

	var files []*KnowledgeFile
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		addFile(t, s, name, "content")
		kf, err := NewKnowledgeFile(s, "samples", name)
		require.NoError(t, err)
		files = append(files, kf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for range Run(ctx, files, Options{ChunkSize: 100, Workers: 2}) {
		count++
	}
	assert.Less(t, count, 50, "queued items are dropped after cancellation")
}

func TestRunEmptyInput(t *testing.T) {
	count := 0
	for range Run(context.Background(), nil, Options{}) {
		count++
	}
	assert.Zero(t, count)
}
