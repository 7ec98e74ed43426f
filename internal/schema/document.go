// Package schema defines the document types shared by loaders, splitters,
// the vector index, and the retrieval pipeline.
package schema

// Metadata keys with reserved meaning.
const (
	// KeySource is the owning filename, relative to the KB content root.
	KeySource = "source"
	// KeyID mirrors the index-minted chunk id.
	KeyID = "id"
	// KeyRelevanceScore is attached by the re-ranker.
	KeyRelevanceScore = "relevance_score"
	// KeyHead1..KeyHead4 carry the markdown heading hierarchy.
	KeyHead1 = "head1"
	KeyHead2 = "head2"
	KeyHead3 = "head3"
	KeyHead4 = "head4"
)

// Document is a text fragment plus free-form metadata. Loaders produce
// documents from files; splitters subdivide them into chunks; the vector
// index stores and returns them.
type Document struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
}

// New returns a Document with an initialized metadata map.
func New(content string) *Document {
	return &Document{PageContent: content, Metadata: make(map[string]any)}
}

// Source returns the metadata source, or "" when unset.
func (d *Document) Source() string {
	s, _ := d.Metadata[KeySource].(string)
	return s
}

// SetSource records the owning filename, overwriting any loader-provided value.
func (d *Document) SetSource(filename string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	d.Metadata[KeySource] = filename
}

// Clone returns a deep copy (one level of metadata).
func (d *Document) Clone() *Document {
	md := make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		md[k] = v
	}
	return &Document{PageContent: d.PageContent, Metadata: md}
}

// ScoredDocument pairs a document with a backend similarity score.
type ScoredDocument struct {
	Document *Document `json:"document"`
	Score    float64   `json:"score"`
}

// DocInfo describes a chunk the index minted an id for.
type DocInfo struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}
