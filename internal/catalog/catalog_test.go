package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaojinlii/fastsearch/internal/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "info.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndLoadKB(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKB(ctx, "samples", "关于samples的知识库", "es"))

	kb, err := s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, "samples", kb.Name)
	assert.Equal(t, "es", kb.VSType)
	assert.Equal(t, 0, kb.FileCount)
	assert.False(t, kb.CreateTime.IsZero())

	// Upsert updates info, keeps identity.
	require.NoError(t, s.UpsertKB(ctx, "samples", "updated", "es"))
	kb, err = s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, "updated", kb.Info)

	names, err := s.ListKBs(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"samples"}, names)
}

func TestKBIdentityIsCaseInsensitive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKB(ctx, "Samples", "", "es"))

	exists, err := s.KBExists(ctx, "sAMPLES")
	require.NoError(t, err)
	assert.True(t, exists)

	kb, err := s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	// Stored form preserves original casing.
	assert.Equal(t, "Samples", kb.Name)

	// Upserting under different case updates the same row.
	require.NoError(t, s.UpsertKB(ctx, "SAMPLES", "info2", "es"))
	names, err := s.ListKBs(ctx, -1)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestLoadKBNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.LoadKB(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAddFileVersioningAndCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))

	file := &File{KBName: "samples", FileName: "foo.md", Ext: ".md", Loader: "TextLoader", Splitter: "MarkdownHeaderTextSplitter", DocsCount: 2}
	docs := []*FileDoc{
		{ID: "c1", Ordinal: 0, Metadata: map[string]any{"source": "foo.md", "head1": "H1"}},
		{ID: "c2", Ordinal: 1, Metadata: map[string]any{"source": "foo.md"}},
	}
	require.NoError(t, s.AddFile(ctx, file, docs))
	assert.Equal(t, 1, file.FileVersion)

	kb, err := s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.FileCount)

	// Re-add increments file_version and replaces docs.
	file2 := &File{KBName: "samples", FileName: "foo.md", Ext: ".md", Loader: "TextLoader", Splitter: "MarkdownHeaderTextSplitter", DocsCount: 1}
	require.NoError(t, s.AddFile(ctx, file2, []*FileDoc{{ID: "c3", Ordinal: 0, Metadata: map[string]any{"source": "foo.md"}}}))
	assert.Equal(t, 2, file2.FileVersion)

	detail, err := s.GetFileDetail(ctx, "samples", "FOO.MD")
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, 2, detail.FileVersion)
	assert.Equal(t, 1, detail.DocsCount)

	listed, err := s.ListFileDocs(ctx, "samples", "", nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "c3", listed[0].ID)

	kb, err = s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.FileCount)
}

func TestAddFileVersionFloor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))

	// Re-ingest flows delete the row first and pass the next version in.
	f := &File{KBName: "samples", FileName: "a.txt", FileVersion: 3, DocsCount: 1}
	require.NoError(t, s.AddFile(ctx, f, []*FileDoc{{ID: "x", Metadata: map[string]any{}}}))
	assert.Equal(t, 3, f.FileVersion)

	detail, err := s.GetFileDetail(ctx, "samples", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, detail.FileVersion)
}

func TestDeleteFileCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))

	for _, name := range []string{"a.txt", "b.txt"} {
		f := &File{KBName: "samples", FileName: name, Ext: ".txt", DocsCount: 1}
		require.NoError(t, s.AddFile(ctx, f, []*FileDoc{{ID: name + "-1", Metadata: map[string]any{"source": name}}}))
	}

	require.NoError(t, s.DeleteFile(ctx, "samples", "a.txt"))

	exists, err := s.FileExists(ctx, "samples", "a.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	docs, err := s.ListFileDocs(ctx, "samples", "", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.txt", docs[0].FileName)

	kb, err := s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.FileCount)
}

func TestDeleteKBCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))
	f := &File{KBName: "samples", FileName: "a.txt", DocsCount: 1}
	require.NoError(t, s.AddFile(ctx, f, []*FileDoc{{ID: "x", Metadata: map[string]any{}}}))

	require.NoError(t, s.DeleteKB(ctx, "samples"))

	exists, err := s.KBExists(ctx, "samples")
	require.NoError(t, err)
	assert.False(t, exists)

	files, err := s.ListFiles(ctx, "samples")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteFilesForKB(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))
	f := &File{KBName: "samples", FileName: "a.txt", DocsCount: 1}
	require.NoError(t, s.AddFile(ctx, f, []*FileDoc{{ID: "x", Metadata: map[string]any{}}}))

	require.NoError(t, s.DeleteFilesForKB(ctx, "samples"))

	kb, err := s.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 0, kb.FileCount)

	files, err := s.ListFiles(ctx, "samples")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListFileDocsFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertKB(ctx, "samples", "", "es"))

	f1 := &File{KBName: "samples", FileName: "guide.md", DocsCount: 2}
	require.NoError(t, s.AddFile(ctx, f1, []*FileDoc{
		{ID: "g1", Ordinal: 0, Metadata: map[string]any{"source": "guide.md", "head1": "Intro"}},
		{ID: "g2", Ordinal: 1, Metadata: map[string]any{"source": "guide.md", "head1": "Usage"}},
	}))
	f2 := &File{KBName: "samples", FileName: "notes.txt", DocsCount: 1}
	require.NoError(t, s.AddFile(ctx, f2, []*FileDoc{
		{ID: "n1", Ordinal: 0, Metadata: map[string]any{"source": "notes.txt"}},
	}))

	// Wildcard file name filter.
	docs, err := s.ListFileDocs(ctx, "samples", "%.md", nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	// Metadata filter, one-level keys.
	docs, err = s.ListFileDocs(ctx, "samples", "", map[string]any{"head1": "Usage"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "g2", docs[0].ID)

	// Ordinals preserved.
	docs, err = s.ListFileDocs(ctx, "samples", "guide.md", nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 0, docs[0].Ordinal)
	assert.Equal(t, 1, docs[1].Ordinal)
}
