package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

var (
	_ retriever.Retriever = (*LexicalIndex)(nil)
	_ indexer.Indexer     = (*LexicalIndex)(nil)
	_ retriever.Retriever = (*VectorIndex)(nil)
	_ indexer.Indexer     = (*VectorIndex)(nil)
)

type entry struct {
	doc    *schema.Document
	terms  map[string]float64
	vector []float64
}

type store struct {
	mu      sync.RWMutex
	entries []entry
	nextID  int
}

func (s *store) add(e entry) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.doc.ID == "" {
		s.nextID++
		e.doc.ID = fmt.Sprintf("doc-%d", s.nextID)
	}
	s.entries = append(s.entries, e)
	return e.doc.ID
}

type scored struct {
	doc   *schema.Document
	score float64
	order int
}

func (s *store) search(filter string, threshold *float64, topK int, score func(entry) float64) []*schema.Document {
	s.mu.RLock()
	candidates := make([]scored, 0, len(s.entries))
	for i, e := range s.entries {
		if !visible(e.doc, filter) {
			continue
		}
		v := score(e)
		if v <= 0 || (threshold != nil && v < *threshold) {
			continue
		}
		candidates = append(candidates, scored{doc: e.doc, score: v, order: i})
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]*schema.Document, 0, len(candidates))
	for _, c := range candidates {
		doc := &schema.Document{ID: c.doc.ID, Content: c.doc.Content, MetaData: copyMeta(c.doc.MetaData)}
		out = append(out, doc.WithScore(c.score))
	}
	return out
}

func searchParams(opts []retriever.Option) (filter string, threshold *float64, topK int) {
	defaultK := DefaultTopK
	o := retriever.GetCommonOptions(&retriever.Options{TopK: &defaultK}, opts...)
	if o.TopK != nil {
		topK = *o.TopK
	}
	if sid, ok := o.DSLInfo[MetaSessionID].(string); ok {
		filter = sid
	}
	return filter, o.ScoreThreshold, topK
}

// LexicalIndex ranks documents by cosine similarity of term frequencies.
type LexicalIndex struct {
	store store
}

func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{}
}

func (ix *LexicalIndex) Store(ctx context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		ids = append(ids, ix.store.add(entry{doc: d, terms: termFreq(d.Content)}))
	}
	return ids, nil
}

func (ix *LexicalIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, threshold, topK := searchParams(opts)
	q := termFreq(query)
	return ix.store.search(filter, threshold, topK, func(e entry) float64 {
		return cosineTerms(q, e.terms)
	}), nil
}

// VectorIndex ranks documents by cosine similarity of embeddings.
type VectorIndex struct {
	store    store
	embedder embedding.Embedder
}

func NewVectorIndex(embedder embedding.Embedder) *VectorIndex {
	return &VectorIndex{embedder: embedder}
}

func (ix *VectorIndex) Store(ctx context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	texts := make([]string, 0, len(docs))
	kept := make([]*schema.Document, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		texts = append(texts, d.Content)
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	vectors, err := ix.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(kept) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vectors), len(kept))
	}

	ids := make([]string, 0, len(kept))
	for i, d := range kept {
		ids = append(ids, ix.store.add(entry{doc: d, vector: vectors[i]}))
	}
	return ids, nil
}

func (ix *VectorIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	filter, threshold, topK := searchParams(opts)
	vectors, err := ix.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	q := vectors[0]
	return ix.store.search(filter, threshold, topK, func(e entry) float64 {
		return cosine(q, e.vector)
	}), nil
}

func termFreq(text string) map[string]float64 {
	out := map[string]float64{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(tok)) < 2 {
			continue
		}
		out[tok]++
	}
	return out
}

func cosineTerms(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		dot += v * b[k]
		na += v * v
	}
	for _, v := range b {
		nb += v * v
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
