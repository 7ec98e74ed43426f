package es

import (
	"context"
	"log/slog"
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
	"github.com/xiaojinlii/fastsearch/internal/vectordb"
)

// Field names of the per-KB index mapping.
const (
	fieldContext  = "context"
	fieldVector   = "dense_vector"
	fieldMetadata = "metadata"
)

// deleteBatchSize caps how many chunk ids one delete pass collects. When a
// file has more chunks than this, DeleteDocs loops until none remain.
const deleteBatchSize = 50

func init() {
	vectordb.Register("es", func(cfg *config.Config, emb embedding.Embedder) (vectordb.VectorDB, error) {
		return New(cfg, emb)
	})
}

// DB is the Elasticsearch-style backend.
type DB struct {
	client   *client
	embedder embedding.Embedder
	cfg      config.ESConfig
	dims     int
}

// Verify interface implementation at compile time.
var _ vectordb.VectorDB = (*DB)(nil)

// New connects to the configured index backend.
func New(cfg *config.Config, emb embedding.Embedder) (*DB, error) {
	cl, err := newClient(cfg.VectorDB.ES, cfg.Ingest.RemoteTimeout)
	if err != nil {
		return nil, err
	}
	return &DB{
		client:   cl,
		embedder: emb,
		cfg:      cfg.VectorDB.ES,
		dims:     emb.Dimensions(),
	}, nil
}

// ExistKB implements vectordb.VectorDB.
func (db *DB) ExistKB(ctx context.Context, kbName string) (bool, error) {
	return db.client.indexExists(ctx, indexName(kbName))
}

// CreateKB implements vectordb.VectorDB. Creating an existing index is a
// no-op; the handle is returned either way.
func (db *DB) CreateKB(ctx context.Context, kbName string) (vectordb.VectorKB, error) {
	exists, err := db.ExistKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		body := indexBody(db.dims, db.cfg.Similarity, db.cfg.SynonymsPath)
		if err := db.client.createIndex(ctx, indexName(kbName), body); err != nil {
			return nil, err
		}
	}
	return db.kb(kbName), nil
}

// GetKB implements vectordb.VectorDB.
func (db *DB) GetKB(ctx context.Context, kbName string) (vectordb.VectorKB, error) {
	exists, err := db.ExistKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return db.kb(kbName), nil
}

// DeleteKB implements vectordb.VectorDB.
func (db *DB) DeleteKB(ctx context.Context, kbName string) error {
	exists, err := db.ExistKB(ctx, kbName)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return db.client.deleteIndex(ctx, indexName(kbName))
}

// ClearKB implements vectordb.VectorDB: delete then recreate.
func (db *DB) ClearKB(ctx context.Context, kbName string) error {
	if err := db.DeleteKB(ctx, kbName); err != nil {
		return err
	}
	_, err := db.CreateKB(ctx, kbName)
	return err
}

// Close implements vectordb.VectorDB.
func (db *DB) Close() error {
	db.client.http.CloseIdleConnections()
	return nil
}

func (db *DB) kb(kbName string) *KB {
	return &KB{db: db, kbName: kbName, index: indexName(kbName)}
}

// indexName maps a KB name to its backend index. The backend requires
// lowercase index names; the catalog guarantees case-insensitive uniqueness,
// so folding is safe.
func indexName(kbName string) string {
	return strings.ToLower(kbName)
}

// KB is the per-knowledge-base handle of the ES backend.
type KB struct {
	db     *DB
	kbName string
	index  string
}

// Verify interface implementation at compile time.
var _ vectordb.VectorKB = (*KB)(nil)

// AddDocs implements vectordb.VectorKB. Embeddings are computed for the
// whole batch, rows are written one by one with refresh, then a read-back by
// source verifies the insert and yields the backend-minted ids.
func (kb *KB) AddDocs(ctx context.Context, docs []*schema.Document) ([]schema.DocInfo, error) {
	if len(docs) == 0 {
		return nil, errors.Validation("no documents to add")
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
	}
	vectors, err := kb.db.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}

	for i, doc := range docs {
		row := map[string]any{
			fieldContext:  doc.PageContent,
			fieldVector:   vectors[i],
			fieldMetadata: doc.Metadata,
		}
		if err := kb.db.client.indexDoc(ctx, kb.index, row); err != nil {
			return nil, err
		}
	}

	// Read back by source; zero hits after a successful write is an index
	// integrity failure for this file.
	source := docs[0].Source()
	hits, err := kb.searchBySource(ctx, source, len(docs))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, errors.Newf(errors.KindIndexIntegrity,
			"read-back for source %s returned zero hits", source)
	}

	infos := make([]schema.DocInfo, 0, len(hits))
	for _, h := range hits {
		md, _ := h.Source[fieldMetadata].(map[string]any)
		infos = append(infos, schema.DocInfo{ID: h.ID, Metadata: md})
	}
	return infos, nil
}

// DeleteDocs implements vectordb.VectorKB. Deletes run in batches of
// deleteBatchSize until no chunk with the source remains.
func (kb *KB) DeleteDocs(ctx context.Context, source string) error {
	for {
		hits, err := kb.searchBySource(ctx, source, deleteBatchSize)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return nil
		}
		for _, h := range hits {
			if err := kb.db.client.deleteDoc(ctx, kb.index, h.ID); err != nil {
				slog.Error("index_delete_doc_failed",
					slog.String("kb", kb.kbName),
					slog.String("id", h.ID),
					slog.String("error", err.Error()))
				return err
			}
		}
		if len(hits) < deleteBatchSize {
			return nil
		}
	}
}

// GetDocsByIDs implements vectordb.VectorKB. Missing ids are skipped.
func (kb *KB) GetDocsByIDs(ctx context.Context, ids []string) ([]*schema.Document, error) {
	docs := make([]*schema.Document, 0, len(ids))
	for _, id := range ids {
		res, err := kb.db.client.getDoc(ctx, kb.index, id)
		if err != nil {
			return nil, err
		}
		if res == nil || !res.Found {
			continue
		}
		docs = append(docs, docFromSource(res.Source))
	}
	return docs, nil
}

// KNNSearch implements vectordb.VectorKB.
func (kb *KB) KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 {
		return []schema.ScoredDocument{}, nil
	}
	vector, err := kb.db.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	numCandidates := k * 10
	if numCandidates < 50 {
		numCandidates = 50
	}
	body := map[string]any{
		"knn": map[string]any{
			"field":          fieldVector,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"size": k,
	}
	res, err := kb.db.client.search(ctx, kb.index, body)
	if err != nil {
		return nil, err
	}
	return scoredFromHits(res.Hits.Hits), nil
}

// BM25Search implements vectordb.VectorKB: multi_match over the content and
// heading fields, most_fields scoring.
func (kb *KB) BM25Search(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 {
		return []schema.ScoredDocument{}, nil
	}
	body := map[string]any{
		"explain": false,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query": query,
				"type":  "most_fields",
				"fields": []string{
					fieldContext,
					"metadata.head1",
					"metadata.head2",
					"metadata.head3",
				},
			},
		},
		"size": k,
	}
	res, err := kb.db.client.search(ctx, kb.index, body)
	if err != nil {
		return nil, err
	}
	return scoredFromHits(res.Hits.Hits), nil
}

// Search implements vectordb.VectorKB via the shared RRF fusion.
func (kb *KB) Search(ctx context.Context, query string, k int, _ float64) ([]schema.ScoredDocument, error) {
	return vectordb.HybridSearch(ctx, kb, query, k)
}

func (kb *KB) searchBySource(ctx context.Context, source string, size int) ([]hit, error) {
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{
				"metadata.source": source,
			},
		},
		"size": size,
	}
	res, err := kb.db.client.search(ctx, kb.index, body)
	if err != nil {
		return nil, err
	}
	return res.Hits.Hits, nil
}

func docFromSource(source map[string]any) *schema.Document {
	content, _ := source[fieldContext].(string)
	md, _ := source[fieldMetadata].(map[string]any)
	if md == nil {
		md = map[string]any{}
	}
	return &schema.Document{PageContent: content, Metadata: md}
}

func scoredFromHits(hits []hit) []schema.ScoredDocument {
	out := make([]schema.ScoredDocument, 0, len(hits))
	for _, h := range hits {
		doc := docFromSource(h.Source)
		if doc.Metadata != nil {
			doc.Metadata[schema.KeyID] = h.ID
		}
		out = append(out, schema.ScoredDocument{Document: doc, Score: h.Score})
	}
	return out
}

// indexBody builds the index settings and mappings: custom BM25 similarity
// over an ik_smart analyzer with a synonym filter, a dense vector field, and
// heading metadata fields sharing the context's text settings.
func indexBody(dims int, similarity, synonymsPath string) map[string]any {
	if similarity == "" {
		similarity = "l2_norm"
	}

	analysis := map[string]any{
		"analyzer": map[string]any{
			"custom_analyzer": map[string]any{
				"tokenizer": "ik_smart",
				"filter":    []string{"custom_synonyms_filter"},
			},
		},
		"filter": map[string]any{
			"custom_synonyms_filter": map[string]any{
				"type":          "synonym",
				"synonyms_path": synonymsPathOrDefault(synonymsPath),
			},
		},
	}

	textField := map[string]any{
		"type":       "text",
		"similarity": "custom_bm25",
		"analyzer":   "custom_analyzer",
	}

	return map[string]any{
		"settings": map[string]any{
			"analysis": analysis,
			"similarity": map[string]any{
				"custom_bm25": map[string]any{
					"type": "BM25",
					"k1":   2.0,
					"b":    0.75,
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				fieldContext: textField,
				fieldVector: map[string]any{
					"type":       "dense_vector",
					"dims":       dims,
					"index":      true,
					"similarity": similarity,
				},
				fieldMetadata: map[string]any{
					"properties": map[string]any{
						"head1":  textField,
						"head2":  textField,
						"head3":  textField,
						"source": map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}
}

func synonymsPathOrDefault(path string) string {
	if path == "" {
		return "synonyms.dic"
	}
	return path
}
