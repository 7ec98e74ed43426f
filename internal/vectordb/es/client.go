// Package es implements the Elasticsearch-style index backend over its REST
// API: per-KB indices with a BM25-analyzed context field, a dense_vector
// field for kNN, and heading metadata fields.
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/errors"
)

// client is a minimal typed REST client for the index backend.
type client struct {
	baseURL string
	http    *http.Client
	user    string
	pass    string
	timeout time.Duration
}

func newClient(cfg config.ESConfig, timeout time.Duration) (*client, error) {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
		if cfg.User != "" || cfg.CACerts != "" {
			scheme = "https"
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     60 * time.Second,
	}
	if cfg.CACerts != "" {
		pem, err := os.ReadFile(cfg.CACerts)
		if err != nil {
			return nil, errors.Internal("read index backend CA certs", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf(errors.KindInternal, "no certificates in %s", cfg.CACerts)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	return &client{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		http:    &http.Client{Transport: transport},
		user:    cfg.User,
		pass:    cfg.Password,
		timeout: timeout,
	}, nil
}

// do sends a request with optional JSON body and decodes the JSON response
// into out (when non-nil). Responses with status >= 400 become KindIndex
// errors unless the status is 404, which is reported via the bool return.
func (c *client) do(ctx context.Context, method, path string, body, out any) (found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, errors.Internal("encode index request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, errors.Internal("create index request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, errors.New(errors.KindIndex, "index backend unreachable: "+err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, errors.Newf(errors.KindIndex,
			"index backend returned %d for %s %s: %s", resp.StatusCode, method, path, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, errors.New(errors.KindIndex, "decode index response: "+err.Error(), err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return true, nil
}

func (c *client) indexExists(ctx context.Context, index string) (bool, error) {
	return c.do(ctx, http.MethodHead, "/"+url.PathEscape(index), nil, nil)
}

func (c *client) createIndex(ctx context.Context, index string, body any) error {
	_, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(index), body, nil)
	return err
}

func (c *client) deleteIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+url.PathEscape(index), nil, nil)
	return err
}

// searchResponse is the subset of the _search reply the backend consumes.
type searchResponse struct {
	Hits struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

type hit struct {
	ID     string         `json:"_id"`
	Score  float64        `json:"_score"`
	Source map[string]any `json:"_source"`
}

func (c *client) search(ctx context.Context, index string, body any) (*searchResponse, error) {
	var out searchResponse
	found, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_search", body, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Newf(errors.KindIndex, "index %s missing", index)
	}
	return &out, nil
}

func (c *client) indexDoc(ctx context.Context, index string, doc any) error {
	_, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_doc?refresh=true", doc, nil)
	return err
}

func (c *client) deleteDoc(ctx context.Context, index, id string) error {
	_, err := c.do(ctx, http.MethodDelete,
		"/"+url.PathEscape(index)+"/_doc/"+url.PathEscape(id)+"?refresh=true", nil, nil)
	return err
}

// getResponse is the subset of the _doc reply the backend consumes.
type getResponse struct {
	Found  bool           `json:"found"`
	Source map[string]any `json:"_source"`
}

func (c *client) getDoc(ctx context.Context, index, id string) (*getResponse, error) {
	var out getResponse
	found, err := c.do(ctx, http.MethodGet,
		"/"+url.PathEscape(index)+"/_doc/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}
