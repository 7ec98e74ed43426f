package vectordb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

func scored(content string, score float64) schema.ScoredDocument {
	return schema.ScoredDocument{Document: schema.New(content), Score: score}
}

func TestFuseWeightsAndRanks(t *testing.T) {
	knn := []schema.ScoredDocument{scored("a", 0.9), scored("b", 0.8)}
	bm25 := []schema.ScoredDocument{scored("b", 7.0), scored("c", 3.0)}

	out := Fuse([][]schema.ScoredDocument{knn, bm25}, []float64{0.5, 0.5})
	require.Len(t, out, 3)

	// b appears in both lists (rank 2 and rank 1) and wins.
	assert.Equal(t, "b", out[0].Document.PageContent)
	// a (rank 1, one list) beats c (rank 2, one list).
	assert.Equal(t, "a", out[1].Document.PageContent)
	assert.Equal(t, "c", out[2].Document.PageContent)
}

func TestFuseDeterministicOnTies(t *testing.T) {
	// Same rank in disjoint lists produces equal scores; insertion order of
	// the first list containing each document breaks the tie.
	knn := []schema.ScoredDocument{scored("x", 1)}
	bm25 := []schema.ScoredDocument{scored("y", 1)}

	for i := 0; i < 10; i++ {
		out := Fuse([][]schema.ScoredDocument{knn, bm25}, []float64{0.5, 0.5})
		require.Len(t, out, 2)
		assert.Equal(t, "x", out[0].Document.PageContent)
		assert.Equal(t, "y", out[1].Document.PageContent)
	}
}

func TestFuseDuplicateContentMergesOnce(t *testing.T) {
	knn := []schema.ScoredDocument{scored("same", 0.9)}
	bm25 := []schema.ScoredDocument{scored("same", 5.0)}

	out := Fuse([][]schema.ScoredDocument{knn, bm25}, []float64{0.5, 0.5})
	require.Len(t, out, 1)
	// The surviving entry is the one from the first list.
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
}

func TestFuseMismatchedWeightsPanics(t *testing.T) {
	assert.Panics(t, func() {
		Fuse([][]schema.ScoredDocument{{scored("a", 1)}}, []float64{0.5, 0.5})
	})
}

// fakeKB implements just enough of VectorKB for HybridSearch tests.
type fakeKB struct {
	VectorKB
	knn     []schema.ScoredDocument
	bm25    []schema.ScoredDocument
	knnErr  error
	bm25Err error
}

func (f *fakeKB) KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	return f.knn, f.knnErr
}

func (f *fakeKB) BM25Search(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	return f.bm25, f.bm25Err
}

func TestHybridSearchFuses(t *testing.T) {
	kb := &fakeKB{
		knn:  []schema.ScoredDocument{scored("a", 0.9)},
		bm25: []schema.ScoredDocument{scored("b", 2.0), scored("a", 1.0)},
	}

	out, err := HybridSearch(context.Background(), kb, "q", 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Document.PageContent)
}

func TestHybridSearchZeroK(t *testing.T) {
	out, err := HybridSearch(context.Background(), &fakeKB{}, "q", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHybridSearchDegradesWhenOneSideFails(t *testing.T) {
	kb := &fakeKB{
		knnErr: errors.Newf(errors.KindEmbedding, "embedder down"),
		bm25:   []schema.ScoredDocument{scored("lexical", 2.0)},
	}

	out, err := HybridSearch(context.Background(), kb, "q", 3)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lexical", out[0].Document.PageContent)
}

func TestHybridSearchFailsWhenBothFail(t *testing.T) {
	kb := &fakeKB{
		knnErr:  errors.Newf(errors.KindEmbedding, "down"),
		bm25Err: errors.Newf(errors.KindIndex, "down"),
	}

	_, err := HybridSearch(context.Background(), kb, "q", 3)
	assert.Error(t, err)
}

func TestHybridSearchTruncatesToK(t *testing.T) {
	kb := &fakeKB{
		knn:  []schema.ScoredDocument{scored("a", 3), scored("b", 2), scored("c", 1)},
		bm25: []schema.ScoredDocument{scored("d", 9), scored("e", 8)},
	}

	out, err := HybridSearch(context.Background(), kb, "q", 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
