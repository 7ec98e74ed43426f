package es

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// fakeES is an in-memory stand-in for the index backend, covering the REST
// subset the adapter uses.
type fakeES struct {
	mu      sync.Mutex
	indices map[string]map[string]map[string]any // index -> id -> row
	nextID  int
	// dropReadBack makes source searches return nothing, simulating a
	// write that never became visible.
	dropReadBack bool
}

func newFakeES() *fakeES {
	return &fakeES{indices: make(map[string]map[string]map[string]any)}
}

func (f *fakeES) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		index := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodHead:
			if _, ok := f.indices[index]; !ok {
				w.WriteHeader(http.StatusNotFound)
			}
		case len(parts) == 1 && r.Method == http.MethodPut:
			f.indices[index] = make(map[string]map[string]any)
			_ = json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case len(parts) == 1 && r.Method == http.MethodDelete:
			delete(f.indices, index)
			_ = json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case len(parts) == 2 && parts[1] == "_search":
			f.handleSearch(w, r, index)
		case len(parts) == 2 && parts[1] == "_doc" && r.Method == http.MethodPost:
			rows, ok := f.indices[index]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var row map[string]any
			_ = json.NewDecoder(r.Body).Decode(&row)
			f.nextID++
			id := fmt.Sprintf("doc-%d", f.nextID)
			rows[id] = row
			_ = json.NewEncoder(w).Encode(map[string]any{"_id": id, "result": "created"})
		case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodDelete:
			rows, ok := f.indices[index]
			if !ok || rows[parts[2]] == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(rows, parts[2])
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "deleted"})
		case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodGet:
			rows, ok := f.indices[index]
			if !ok || rows[parts[2]] == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "_source": rows[parts[2]]})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func (f *fakeES) handleSearch(w http.ResponseWriter, r *http.Request, index string) {
	rows, ok := f.indices[index]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	size := 10
	if s, ok := body["size"].(float64); ok {
		size = int(s)
	}

	type rankedHit struct {
		id    string
		score float64
		row   map[string]any
	}
	var ranked []rankedHit

	add := func(id string, score float64, row map[string]any) {
		ranked = append(ranked, rankedHit{id: id, score: score, row: row})
	}

	switch {
	case body["knn"] != nil:
		for id, row := range rows {
			add(id, 1.0, row)
		}
	case body["query"] != nil:
		query := body["query"].(map[string]any)
		if term, ok := query["term"].(map[string]any); ok {
			if f.dropReadBack {
				break
			}
			want := fmt.Sprint(term["metadata.source"])
			for id, row := range rows {
				md, _ := row["metadata"].(map[string]any)
				if md != nil && fmt.Sprint(md["source"]) == want {
					add(id, 1.0, row)
				}
			}
		} else if mm, ok := query["multi_match"].(map[string]any); ok {
			needle := strings.ToLower(fmt.Sprint(mm["query"]))
			for id, row := range rows {
				text, _ := row["context"].(string)
				if strings.Contains(strings.ToLower(text), needle) {
					add(id, 2.0, row)
				}
			}
		}
	}

	if len(ranked) > size {
		ranked = ranked[:size]
	}

	hits := make([]map[string]any, 0, len(ranked))
	for _, h := range ranked {
		hits = append(hits, map[string]any{"_id": h.id, "_score": h.score, "_source": h.row})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
}

func newTestDB(t *testing.T) (*DB, *fakeES) {
	t.Helper()
	fake := newFakeES()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	var host string
	var port int
	_, err := fmt.Sscanf(srv.URL, "http://127.0.0.1:%d", &port)
	require.NoError(t, err)
	host = "127.0.0.1"
	cfg.VectorDB.ES = config.ESConfig{Host: host, Port: port, Scheme: "http"}

	db, err := New(cfg, embedding.NewStatic(32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, fake
}

func sampleDocs(source string, contents ...string) []*schema.Document {
	docs := make([]*schema.Document, len(contents))
	for i, c := range contents {
		d := schema.New(c)
		d.SetSource(source)
		docs[i] = d
	}
	return docs
}

func TestCreateKBIsIdempotent(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	exists, err := db.ExistKB(ctx, "samples")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = db.CreateKB(ctx, "samples")
	require.NoError(t, err)
	_, err = db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	exists, err = db.ExistKB(ctx, "samples")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddDocsReturnsMintedIDs(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	infos, err := kb.AddDocs(ctx, sampleDocs("foo.md", "hello world", "second chunk"))
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotEmpty(t, info.ID)
		assert.Equal(t, "foo.md", fmt.Sprint(info.Metadata["source"]))
	}
}

func TestAddDocsIntegrityFailure(t *testing.T) {
	db, fake := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	fake.dropReadBack = true
	_, err = kb.AddDocs(ctx, sampleDocs("foo.md", "hello"))
	require.Error(t, err)
	assert.Equal(t, errors.KindIndexIntegrity, errors.KindOf(err))
}

func TestDeleteDocsLoopsPastBatchCap(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	// More chunks than one delete batch.
	contents := make([]string, deleteBatchSize+5)
	for i := range contents {
		contents[i] = fmt.Sprintf("chunk %d", i)
	}
	_, err = kb.AddDocs(ctx, sampleDocs("big.txt", contents...))
	require.NoError(t, err)

	require.NoError(t, kb.DeleteDocs(ctx, "big.txt"))

	hits, err := kb.(*KB).searchBySource(ctx, "big.txt", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteDocsOnlyTouchesSource(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	_, err = kb.AddDocs(ctx, sampleDocs("a.txt", "alpha content"))
	require.NoError(t, err)
	_, err = kb.AddDocs(ctx, sampleDocs("b.txt", "beta content"))
	require.NoError(t, err)

	require.NoError(t, kb.DeleteDocs(ctx, "a.txt"))

	hits, err := kb.(*KB).searchBySource(ctx, "b.txt", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestGetDocsByIDsSkipsMissing(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	infos, err := kb.AddDocs(ctx, sampleDocs("a.txt", "alpha"))
	require.NoError(t, err)

	docs, err := kb.GetDocsByIDs(ctx, []string{infos[0].ID, "missing-id"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "alpha", docs[0].PageContent)
}

func TestHybridSearchReturnsMatches(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	_, err = kb.AddDocs(ctx, sampleDocs("foo.md", "hello world", "unrelated text"))
	require.NoError(t, err)

	out, err := kb.Search(ctx, "hello", 3, 1.0)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Document.PageContent, "hello world")
}

func TestSearchMissingIndex(t *testing.T) {
	db, _ := newTestDB(t)
	kb := db.kb("ghost")

	_, err := kb.BM25Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Equal(t, errors.KindIndex, errors.KindOf(err))
}

func TestClearKBEmptiesIndex(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)
	_, err = kb.AddDocs(ctx, sampleDocs("a.txt", "alpha"))
	require.NoError(t, err)

	require.NoError(t, db.ClearKB(ctx, "samples"))

	exists, err := db.ExistKB(ctx, "samples")
	require.NoError(t, err)
	assert.True(t, exists)

	hits, err := db.kb("samples").searchBySource(ctx, "a.txt", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
