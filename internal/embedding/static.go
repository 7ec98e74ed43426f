package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// Static generates deterministic hash-based embeddings. No network, no
// model: reduced semantic quality, stable across runs. Used by tests and by
// `serve --offline`.
type Static struct {
	dims int
}

// Verify interface implementation at compile time.
var _ Embedder = (*Static)(nil)

// NewStatic creates a static embedder with the given dimension.
func NewStatic(dims int) *Static {
	if dims <= 0 {
		dims = 256
	}
	return &Static{dims: dims}
}

// Dimensions implements Embedder.
func (e *Static) Dimensions() int { return e.dims }

// EmbedQuery implements Embedder.
func (e *Static) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// EmbedDocuments implements Embedder.
func (e *Static) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *Static) embed(text string) []float32 {
	vector := make([]float32, e.dims)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vector
	}

	for _, token := range tokenize(trimmed) {
		vector[hashToIndex(token, e.dims)] += tokenWeight
	}
	for _, ngram := range extractNgrams(trimmed, ngramSize) {
		vector[hashToIndex(ngram, e.dims)] += ngramWeight
	}

	return normalizeVector(vector)
}

// tokenize splits text into lowercase word tokens. CJK characters count as
// single-character tokens so Chinese text contributes signal too.
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, strings.ToLower(word.String()))
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Han):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// extractNgrams yields rune n-grams of the lowercased text.
func extractNgrams(text string, n int) []string {
	runes := []rune(strings.ToLower(text))
	if len(runes) < n {
		return nil
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

// hashToIndex maps a token to a vector index via FNV-1a.
func hashToIndex(token string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(dims))
}
