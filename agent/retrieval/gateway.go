package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	toolx "github.com/tanpawarit/agentloop/agent/tool"
)

const (
	ToolRetrieveContext = "retrieve_context"
	DefaultTopK         = 4
	MaxTopK             = 20

	MetaSessionID = "session_id"
	MetaSourceID  = "source_id"
)

type Hit struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

type QueryResult struct {
	Query string `json:"query"`
	Hits  []Hit  `json:"hits"`
}

// Gateway is the uniform query surface over a vector or keyword index.
type Gateway struct {
	backend retriever.Retriever
	timeout time.Duration
}

type GatewayOption func(*Gateway)

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func NewGateway(backend retriever.Retriever, opts ...GatewayOption) *Gateway {
	g := &Gateway{backend: backend, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Query returns at most topK hits, best first. Hits come from global documents
// plus, when ctx carries a session id, that session's documents.
func (g *Gateway) Query(ctx context.Context, text string, topK int) ([]Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: query is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	opts := []retriever.Option{retriever.WithTopK(topK)}
	if sid := contractx.SessionIDFrom(ctx); sid != "" {
		opts = append(opts, retriever.WithDSLInfo(map[string]any{MetaSessionID: sid}))
	}

	docs, err := g.backend.Retrieve(ctx, text, opts...)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		source, _ := d.MetaData[MetaSourceID].(string)
		if source == "" {
			source = d.ID
		}
		hits = append(hits, Hit{Content: d.Content, Score: d.Score(), SourceID: source})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (g *Gateway) Descriptor() toolx.Descriptor {
	return toolx.Descriptor{
		Name:        ToolRetrieveContext,
		Description: "Search documents the user uploaded to this conversation and return the most relevant passages.",
		Params: []toolx.Param{
			{Name: "query", Type: toolx.TypeString, Description: "What to look for", Required: true},
			{Name: "topK", Type: toolx.TypeInteger, Description: "Number of passages (max 20)", Default: DefaultTopK},
		},
		Timeout:    g.timeout,
		Idempotent: true,
	}
}

func (g *Gateway) Invoke(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	topK, _ := args["topK"].(int)

	hits, err := g.Query(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	return QueryResult{Query: query, Hits: hits}, nil
}

func (g *Gateway) Register(r *toolx.Registry) error {
	return r.Register(g.Descriptor(), g)
}

func docSessionID(d *schema.Document) string {
	sid, _ := d.MetaData[MetaSessionID].(string)
	return sid
}

// visible reports whether a document may be returned for the session filter.
// Without a filter only global documents match.
func visible(d *schema.Document, filter string) bool {
	sid := docSessionID(d)
	return sid == "" || sid == filter
}
