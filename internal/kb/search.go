package kb

import (
	"context"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// DocumentWithID is a retrieved chunk with its index-minted id and the
// backend score it carried into fusion.
type DocumentWithID struct {
	Document *schema.Document `json:"document"`
	Score    float64          `json:"score"`
	ID       string           `json:"id"`
}

// SearchDocs answers a query against this KB: hybrid kNN+BM25 retrieval
// fused with RRF, optionally refined by the cross-encoder re-ranker.
//
// topK passes through verbatim: an explicit 0 yields zero results, and the
// HTTP layer substitutes the configured default only when the field is
// absent from the request. scoreThreshold passes through to the backend for
// callers that pre-filter; post-fusion thresholding is left to the caller
// because RRF scores are not comparable to raw similarities.
func (s *Service) SearchDocs(ctx context.Context, query string, topK int, scoreThreshold float64) ([]DocumentWithID, error) {
	if topK < 0 {
		return nil, nil
	}

	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	scored, err := s.vectorKB.Search(ctx, query, topK, scoreThreshold)
	if err != nil {
		return nil, err
	}

	docs := make([]*schema.Document, len(scored))
	scores := make(map[*schema.Document]float64, len(scored))
	for i, sd := range scored {
		docs[i] = sd.Document
		scores[sd.Document] = sd.Score
	}

	cfg := s.manager.cfg.Search
	if cfg.UseReranker && s.manager.reranker != nil {
		topN := cfg.RerankTopN
		if topN <= 0 {
			topN = topK
		}
		docs, err = s.manager.reranker.Rerank(ctx, query, docs, cfg.RerankScoreMin, topN)
		if err != nil {
			return nil, err
		}
	}

	out := make([]DocumentWithID, 0, len(docs))
	for _, doc := range docs {
		id, _ := doc.Metadata[schema.KeyID].(string)
		out = append(out, DocumentWithID{Document: doc, Score: scores[doc], ID: id})
	}
	return out, nil
}
