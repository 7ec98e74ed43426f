package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiaojinlii/fastsearch/internal/errors"
)

const (
	embedDocumentsPath = "/worker_embed_documents"
	embedQueryPath     = "/worker_embed_query"

	// DefaultTimeout bounds a single embedding call.
	DefaultTimeout = 300 * time.Second

	// DefaultDimensions matches the default index mapping.
	DefaultDimensions = 1024
)

// Client calls the remote embedding worker over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	dims    int
}

// Verify interface implementation at compile time.
var _ Embedder = (*Client)(nil)

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

// WithDimensions declares the deployment's embedding dimension.
func WithDimensions(dims int) ClientOption {
	return func(c *Client) { c.dims = dims }
}

// NewClient creates a client for the embedding worker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		timeout: DefaultTimeout,
		dims:    DefaultDimensions,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		// Per-request context deadlines govern timeouts; the transport only
		// pools connections.
		c.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}
	return c
}

// Dimensions implements Embedder.
func (c *Client) Dimensions() int { return c.dims }

// EmbedQuery implements Embedder.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	if err := c.post(ctx, embedQueryPath, text, &vector); err != nil {
		return nil, err
	}
	if len(vector) != c.dims {
		return nil, errors.Newf(errors.KindEmbedding,
			"embedding dimension mismatch: got %d, want %d", len(vector), c.dims)
	}
	return vector, nil
}

// EmbedDocuments implements Embedder.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var vectors [][]float32
	if err := c.post(ctx, embedDocumentsPath, texts, &vectors); err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, errors.Newf(errors.KindEmbedding,
			"embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for _, v := range vectors {
		if len(v) != c.dims {
			return nil, errors.Newf(errors.KindEmbedding,
				"embedding dimension mismatch: got %d, want %d", len(v), c.dims)
		}
	}
	return vectors, nil
}

// post sends a JSON body and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Internal("encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Internal("create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.New(errors.KindEmbedding, "embedding service unreachable: "+err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf(errors.KindEmbedding,
			"embedding service returned %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.KindEmbedding,
			fmt.Sprintf("decode embedding response: %v", err), err)
	}
	return nil
}
