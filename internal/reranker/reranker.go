// Package reranker calls the remote cross-encoder that scores (query, text)
// pairs. The retrieval pipeline uses it to refine the fused candidate list.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

const scorePath = "/worker_compute_score_by_query"

// DefaultTimeout bounds a single re-rank call.
const DefaultTimeout = 300 * time.Second

// Reranker scores candidate texts against a query.
type Reranker interface {
	// Rerank sorts docs by relevance to query, attaches
	// metadata.relevance_score, drops docs scoring at or below scoreMin, and
	// truncates to topN.
	Rerank(ctx context.Context, query string, docs []*schema.Document, scoreMin float64, topN int) ([]*schema.Document, error)
}

// Client calls the remote re-ranker worker over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// Verify interface implementation at compile time.
var _ Reranker = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for the re-ranker worker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{baseURL: baseURL, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}
	return c
}

type scoreRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

// Rerank implements Reranker.
func (c *Client) Rerank(ctx context.Context, query string, docs []*schema.Document, scoreMin float64, topN int) ([]*schema.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}

	scores, err := c.computeScores(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(docs) {
		return nil, errors.Newf(errors.KindRerank,
			"re-ranker returned %d scores for %d texts", len(scores), len(docs))
	}

	for i, doc := range docs {
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any)
		}
		doc.Metadata[schema.KeyRelevanceScore] = scores[i]
	}

	sorted := make([]*schema.Document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return relevance(sorted[i]) > relevance(sorted[j])
	})

	kept := sorted[:0]
	for _, doc := range sorted {
		if relevance(doc) > scoreMin {
			kept = append(kept, doc)
		}
	}
	if topN > 0 && len(kept) > topN {
		kept = kept[:topN]
	}
	return kept, nil
}

func relevance(doc *schema.Document) float64 {
	score, _ := doc.Metadata[schema.KeyRelevanceScore].(float64)
	return score
}

func (c *Client) computeScores(ctx context.Context, query string, texts []string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(scoreRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, errors.Internal("encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scorePath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Internal("create rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.KindRerank, "re-ranker unreachable: "+err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Newf(errors.KindRerank,
			"re-ranker returned %d: %s", resp.StatusCode, string(msg))
	}

	var scores []float64
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, errors.New(errors.KindRerank, "decode rerank response: "+err.Error(), err)
	}
	return scores, nil
}
