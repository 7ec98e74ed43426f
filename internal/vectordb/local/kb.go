package local

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/cjk" // registers the cjk analyzer
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
	"github.com/xiaojinlii/fastsearch/internal/vectordb"
)

const (
	docsFile = "docs.gob"
	bleveDir = "bm25"
	cjkName  = "cjk"
	hnswM    = 16
	hnswEf   = 20
)

// record is one stored chunk.
type record struct {
	Content  string
	Metadata map[string]any
	Vector   []float32
	Key      uint64 // hnsw node key
	Seq      int    // insertion order
}

// kbState is the gob-persisted portion of a KB.
type kbState struct {
	Records map[string]*record
	NextKey uint64
	NextSeq int
}

// bleveRow is the document shape indexed for BM25.
type bleveRow struct {
	Context string `json:"context"`
	Head1   string `json:"head1"`
	Head2   string `json:"head2"`
	Head3   string `json:"head3"`
}

// KB is the per-knowledge-base handle of the local backend.
type KB struct {
	mu       sync.RWMutex
	dir      string
	embedder embedding.Embedder
	state    *kbState
	bm25     bleve.Index
	graph    *hnsw.Graph[uint64]
	keyToID  map[uint64]string
}

// Verify interface implementation at compile time.
var _ vectordb.VectorKB = (*KB)(nil)

func openKB(dir string, embedder embedding.Embedder) (*KB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.KindIndex, "create local index dir: "+err.Error(), err)
	}

	kb := &KB{
		dir:      dir,
		embedder: embedder,
		state:    &kbState{Records: make(map[string]*record)},
		keyToID:  make(map[uint64]string),
	}

	if err := kb.loadState(); err != nil {
		return nil, err
	}
	if err := kb.openBleve(); err != nil {
		return nil, err
	}
	kb.rebuildGraph()
	return kb, nil
}

func (kb *KB) loadState() error {
	f, err := os.Open(filepath.Join(kb.dir, docsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.New(errors.KindIndex, "open local doc store: "+err.Error(), err)
	}
	defer func() { _ = f.Close() }()

	var state kbState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return errors.New(errors.KindIndex, "decode local doc store: "+err.Error(), err)
	}
	if state.Records == nil {
		state.Records = make(map[string]*record)
	}
	kb.state = &state
	return nil
}

func (kb *KB) saveState() error {
	tmp := filepath.Join(kb.dir, docsFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return errors.New(errors.KindIndex, "write local doc store: "+err.Error(), err)
	}
	if err := gob.NewEncoder(f).Encode(kb.state); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.New(errors.KindIndex, "encode local doc store: "+err.Error(), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.KindIndex, "close local doc store: "+err.Error(), err)
	}
	if err := os.Rename(tmp, filepath.Join(kb.dir, docsFile)); err != nil {
		return errors.New(errors.KindIndex, "finalize local doc store: "+err.Error(), err)
	}
	return nil
}

func (kb *KB) openBleve() error {
	path := filepath.Join(kb.dir, bleveDir)

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := bleve.NewIndexMapping()

		text := bleve.NewTextFieldMapping()
		text.Analyzer = cjkName

		doc := bleve.NewDocumentMapping()
		doc.AddFieldMappingsAt("context", text)
		doc.AddFieldMappingsAt("head1", text)
		doc.AddFieldMappingsAt("head2", text)
		doc.AddFieldMappingsAt("head3", text)
		mapping.DefaultMapping = doc
		mapping.DefaultAnalyzer = cjkName

		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		return errors.New(errors.KindIndex, "open bm25 index: "+err.Error(), err)
	}
	kb.bm25 = idx
	return nil
}

func (kb *KB) rebuildGraph() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = hnswM
	graph.EfSearch = hnswEf
	graph.Ml = 0.25

	kb.keyToID = make(map[uint64]string, len(kb.state.Records))
	for id, rec := range kb.state.Records {
		graph.Add(hnsw.MakeNode(rec.Key, rec.Vector))
		kb.keyToID[rec.Key] = id
	}
	kb.graph = graph
}

func (kb *KB) close() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if kb.bm25 != nil {
		return kb.bm25.Close()
	}
	return nil
}

// AddDocs implements vectordb.VectorKB.
func (kb *KB) AddDocs(ctx context.Context, docs []*schema.Document) ([]schema.DocInfo, error) {
	if len(docs) == 0 {
		return nil, errors.Validation("no documents to add")
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
	}
	vectors, err := kb.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	batch := kb.bm25.NewBatch()
	infos := make([]schema.DocInfo, 0, len(docs))

	for i, doc := range docs {
		id := uuid.NewString()
		key := kb.state.NextKey
		kb.state.NextKey++

		md := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}

		rec := &record{
			Content:  doc.PageContent,
			Metadata: md,
			Vector:   vectors[i],
			Key:      key,
			Seq:      kb.state.NextSeq,
		}
		kb.state.NextSeq++
		kb.state.Records[id] = rec
		kb.keyToID[key] = id
		kb.graph.Add(hnsw.MakeNode(key, vectors[i]))

		if err := batch.Index(id, rowFromRecord(rec)); err != nil {
			return nil, errors.New(errors.KindIndex, "index chunk: "+err.Error(), err)
		}

		infos = append(infos, schema.DocInfo{ID: id, Metadata: md})
	}

	if err := kb.bm25.Batch(batch); err != nil {
		return nil, errors.New(errors.KindIndex, "commit bm25 batch: "+err.Error(), err)
	}
	if err := kb.saveState(); err != nil {
		return nil, err
	}

	// Read-back: zero chunks for the source after a successful write is an
	// integrity failure.
	source := docs[0].Source()
	if len(kb.idsBySourceLocked(source)) == 0 {
		return nil, errors.Newf(errors.KindIndexIntegrity,
			"read-back for source %s returned zero hits", source)
	}
	return infos, nil
}

// DeleteDocs implements vectordb.VectorKB.
func (kb *KB) DeleteDocs(_ context.Context, source string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	ids := kb.idsBySourceLocked(source)
	if len(ids) == 0 {
		return nil
	}

	batch := kb.bm25.NewBatch()
	for _, id := range ids {
		rec := kb.state.Records[id]
		// Lazy deletion from the graph: drop the mappings, keep the node.
		delete(kb.keyToID, rec.Key)
		delete(kb.state.Records, id)
		batch.Delete(id)
	}
	if err := kb.bm25.Batch(batch); err != nil {
		return errors.New(errors.KindIndex, "commit bm25 delete: "+err.Error(), err)
	}
	return kb.saveState()
}

// GetDocsByIDs implements vectordb.VectorKB. Missing ids are skipped.
func (kb *KB) GetDocsByIDs(_ context.Context, ids []string) ([]*schema.Document, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	docs := make([]*schema.Document, 0, len(ids))
	for _, id := range ids {
		rec, ok := kb.state.Records[id]
		if !ok {
			continue
		}
		docs = append(docs, docFromRecord(rec))
	}
	return docs, nil
}

// KNNSearch implements vectordb.VectorKB.
func (kb *KB) KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 {
		return []schema.ScoredDocument{}, nil
	}

	vector, err := kb.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	if kb.graph.Len() == 0 {
		return []schema.ScoredDocument{}, nil
	}

	// Over-fetch to compensate for lazily deleted nodes.
	nodes := kb.graph.Search(vector, k+len(kb.state.Records))
	out := make([]schema.ScoredDocument, 0, k)
	for _, node := range nodes {
		id, ok := kb.keyToID[node.Key]
		if !ok {
			continue
		}
		rec := kb.state.Records[id]
		doc := docFromRecord(rec)
		doc.Metadata[schema.KeyID] = id
		distance := kb.graph.Distance(vector, node.Value)
		// Report cosine similarity, not distance.
		out = append(out, schema.ScoredDocument{Document: doc, Score: float64(1 - distance)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// BM25Search implements vectordb.VectorKB: a disjunction of match queries
// over the content and heading fields, mirroring most_fields scoring.
func (kb *KB) BM25Search(ctx context.Context, queryStr string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(queryStr) == "" {
		return []schema.ScoredDocument{}, nil
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	fields := []string{"context", "head1", "head2", "head3"}
	queries := make([]query.Query, 0, len(fields))
	for _, field := range fields {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		queries = append(queries, mq)
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(queries...))
	req.Size = k

	res, err := kb.bm25.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.New(errors.KindIndex, "bm25 search: "+err.Error(), err)
	}

	out := make([]schema.ScoredDocument, 0, len(res.Hits))
	for _, hit := range res.Hits {
		rec, ok := kb.state.Records[hit.ID]
		if !ok {
			continue
		}
		doc := docFromRecord(rec)
		doc.Metadata[schema.KeyID] = hit.ID
		out = append(out, schema.ScoredDocument{Document: doc, Score: hit.Score})
	}
	return out, nil
}

// Search implements vectordb.VectorKB via the shared RRF fusion.
func (kb *KB) Search(ctx context.Context, query string, k int, _ float64) ([]schema.ScoredDocument, error) {
	return vectordb.HybridSearch(ctx, kb, query, k)
}

// idsBySourceLocked returns chunk ids with metadata.source == source, in
// insertion order. Caller holds the lock.
func (kb *KB) idsBySourceLocked(source string) []string {
	type entry struct {
		id  string
		seq int
	}
	var entries []entry
	for id, rec := range kb.state.Records {
		if src, _ := rec.Metadata[schema.KeySource].(string); src == source {
			entries = append(entries, entry{id: id, seq: rec.Seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func rowFromRecord(rec *record) bleveRow {
	row := bleveRow{Context: rec.Content}
	if v, ok := rec.Metadata[schema.KeyHead1].(string); ok {
		row.Head1 = v
	}
	if v, ok := rec.Metadata[schema.KeyHead2].(string); ok {
		row.Head2 = v
	}
	if v, ok := rec.Metadata[schema.KeyHead3].(string); ok {
		row.Head3 = v
	}
	return row
}

func docFromRecord(rec *record) *schema.Document {
	md := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		md[k] = v
	}
	return &schema.Document{PageContent: rec.Content, Metadata: md}
}
