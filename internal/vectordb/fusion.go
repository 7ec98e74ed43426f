package vectordb

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// RRF fusion parameters. The constant controls the balance between the
// importance of high-ranked items and the consideration given to lower
// ranks; 60 is the value from the original RRF paper.
const (
	RRFConstant = 60
	KNNWeight   = 0.5
	BM25Weight  = 0.5
)

// HybridSearch runs kNN and BM25 in parallel against kb and fuses the lists
// with weighted Reciprocal Rank Fusion. If one side fails the other's
// results are returned; an error is returned only when both fail.
//
// Backends implement Search by delegating here so fusion behaves identically
// across vs_types.
func HybridSearch(ctx context.Context, kb VectorKB, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 {
		return []schema.ScoredDocument{}, nil
	}

	var (
		knnDocs, bm25Docs []schema.ScoredDocument
		knnErr, bm25Err   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		knnDocs, knnErr = kb.KNNSearch(gctx, query, k)
		return nil // errors handled below for graceful degradation
	})
	g.Go(func() error {
		bm25Docs, bm25Err = kb.BM25Search(gctx, query, k)
		return nil
	})
	_ = g.Wait()

	if knnErr != nil && bm25Err != nil {
		return nil, fmt.Errorf("hybrid search failed: knn: %v, bm25: %w", knnErr, bm25Err)
	}
	if knnErr != nil {
		return truncate(bm25Docs, k), nil
	}
	if bm25Err != nil {
		return truncate(knnDocs, k), nil
	}

	fused := Fuse([][]schema.ScoredDocument{knnDocs, bm25Docs}, []float64{KNNWeight, BM25Weight})
	return truncate(fused, k), nil
}

// Fuse applies weighted Reciprocal Rank Fusion across ranked lists.
// Documents are keyed by page content; ranks start at 1 and a list that
// does not contain a document contributes nothing. Ties keep the insertion
// order of the first list containing the document, so fusion is
// deterministic regardless of which search completes first.
func Fuse(lists [][]schema.ScoredDocument, weights []float64) []schema.ScoredDocument {
	if len(lists) != len(weights) {
		panic("vectordb: rank list and weight counts differ")
	}

	type fused struct {
		doc   schema.ScoredDocument
		score float64
		order int
	}

	byContent := make(map[string]*fused)
	var insertion []*fused

	for li, list := range lists {
		for rank, sd := range list {
			key := sd.Document.PageContent
			rrf := weights[li] * (1.0 / float64(rank+1+RRFConstant))
			if entry, ok := byContent[key]; ok {
				entry.score += rrf
				continue
			}
			entry := &fused{doc: sd, score: rrf, order: len(insertion)}
			byContent[key] = entry
			insertion = append(insertion, entry)
		}
	}

	sort.SliceStable(insertion, func(i, j int) bool {
		if insertion[i].score != insertion[j].score {
			return insertion[i].score > insertion[j].score
		}
		return insertion[i].order < insertion[j].order
	})

	out := make([]schema.ScoredDocument, len(insertion))
	for i, entry := range insertion {
		out[i] = entry.doc
	}
	return out
}

func truncate(docs []schema.ScoredDocument, k int) []schema.ScoredDocument {
	if docs == nil {
		return []schema.ScoredDocument{}
	}
	if len(docs) > k {
		return docs[:k]
	}
	return docs
}
