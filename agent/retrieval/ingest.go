package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/schema"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Ingestor splits text into overlapping chunks and stores them tagged with
// the owning session.
type Ingestor struct {
	index     indexer.Indexer
	chunkSize int
	overlap   int
}

func NewIngestor(index indexer.Indexer) *Ingestor {
	return &Ingestor{index: index, chunkSize: DefaultChunkSize, overlap: DefaultChunkOverlap}
}

func (in *Ingestor) Ingest(ctx context.Context, sessionID, sourceID, text string) (int, error) {
	chunks := Chunk(text, in.chunkSize, in.overlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	docs := make([]*schema.Document, 0, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{MetaSourceID: sourceID, "chunk": i}
		if sessionID != "" {
			meta[MetaSessionID] = sessionID
		}
		docs = append(docs, &schema.Document{Content: c, MetaData: meta})
	}

	ids, err := in.index.Store(ctx, docs)
	if err != nil {
		return len(ids), fmt.Errorf("store chunks for source=%s: %w", sourceID, err)
	}
	return len(ids), nil
}

// Chunk splits text into windows of size runes that overlap by overlap runes.
func Chunk(text string, size, overlap int) []string {
	r := []rune(strings.TrimSpace(text))
	if len(r) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var out []string
	step := size - overlap
	for start := 0; start < len(r); start += step {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[start:end]))
		if end == len(r) {
			break
		}
	}
	return out
}
