package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
	"github.com/tidwall/gjson"
)

const (
	ToolWebSearch  = "web_search"
	ToolStockPrice = "get_stock_price"

	defaultSearchURL = "https://api.duckduckgo.com/"
	defaultQuoteURL  = "https://www.alphavantage.co/query"
	maxBodyBytes     = 1 << 20
	maxSearchResults = 5
)

type WebConfig struct {
	SearchURL   string        `envconfig:"SEARCH_URL" split_words:"true" default:"https://api.duckduckgo.com/"`
	QuoteURL    string        `envconfig:"QUOTE_URL" split_words:"true" default:"https://www.alphavantage.co/query"`
	QuoteAPIKey string        `envconfig:"QUOTE_API_KEY" split_words:"true"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

type SearchResult struct {
	Heading  string   `json:"heading,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	URL      string   `json:"url,omitempty"`
	Related  []string `json:"related,omitempty"`
}

type StockQuote struct {
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Change        string `json:"change"`
	ChangePercent string `json:"change_percent"`
	TradingDay    string `json:"latest_trading_day"`
}

// WebClient reaches the search and market data HTTP APIs.
type WebClient struct {
	cfg        WebConfig
	httpClient *http.Client
}

func NewWebClient(cfg WebConfig, httpClient *http.Client) *WebClient {
	if strings.TrimSpace(cfg.SearchURL) == "" {
		cfg.SearchURL = defaultSearchURL
	}
	if strings.TrimSpace(cfg.QuoteURL) == "" {
		cfg.QuoteURL = defaultQuoteURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebClient{cfg: cfg, httpClient: httpClient}
}

func (c *WebClient) Search(ctx context.Context, query string) (SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	body, err := c.get(ctx, c.cfg.SearchURL, q)
	if err != nil {
		return SearchResult{}, err
	}
	if !gjson.ValidBytes(body) {
		return SearchResult{}, fmt.Errorf("search: response is not valid json")
	}

	parsed := gjson.ParseBytes(body)
	out := SearchResult{
		Heading:  parsed.Get("Heading").String(),
		Abstract: parsed.Get("AbstractText").String(),
		URL:      parsed.Get("AbstractURL").String(),
	}
	parsed.Get("RelatedTopics.#.Text").ForEach(func(_, v gjson.Result) bool {
		if text := strings.TrimSpace(v.String()); text != "" {
			out.Related = append(out.Related, text)
		}
		return len(out.Related) < maxSearchResults
	})
	return out, nil
}

func (c *WebClient) Quote(ctx context.Context, symbol string) (StockQuote, error) {
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", c.cfg.QuoteAPIKey)

	body, err := c.get(ctx, c.cfg.QuoteURL, q)
	if err != nil {
		return StockQuote{}, err
	}

	parsed := gjson.ParseBytes(body)
	// the API reports throttling in-band with a 200
	if note := parsed.Get("Note").String(); note != "" {
		return StockQuote{}, fmt.Errorf("quote throttled: %s", note)
	}
	if info := parsed.Get("Information").String(); info != "" {
		return StockQuote{}, fmt.Errorf("quote unavailable: %s", info)
	}

	quote := parsed.Get("Global Quote")
	price := quote.Get(`05\. price`).String()
	if price == "" {
		return StockQuote{}, fmt.Errorf("%w: no quote for symbol %q", contractx.ErrValidation, symbol)
	}
	return StockQuote{
		Symbol:        quote.Get(`01\. symbol`).String(),
		Price:         price,
		Change:        quote.Get(`09\. change`).String(),
		ChangePercent: quote.Get(`10\. change percent`).String(),
		TradingDay:    quote.Get(`07\. latest trading day`).String(),
	}, nil
}

func (c *WebClient) get(ctx context.Context, base string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("http status=%d body=%s", resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func RegisterWebTools(r *Registry, client *WebClient) error {
	if err := r.Register(Descriptor{
		Name:        ToolWebSearch,
		Description: "Search the web for a short factual summary and related topics.",
		Params: []Param{
			{Name: "query", Type: TypeString, Description: "Search query", Required: true},
		},
		Timeout:    15 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("%w: query is empty", contractx.ErrValidation)
		}
		return client.Search(ctx, query)
	})); err != nil {
		return err
	}

	return r.Register(Descriptor{
		Name:        ToolStockPrice,
		Description: "Fetch the latest stock price for a ticker symbol, e.g. AAPL.",
		Params: []Param{
			{Name: "symbol", Type: TypeString, Description: "Ticker symbol", Required: true},
		},
		Timeout:    15 * time.Second,
		Idempotent: true,
	}, AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		symbol, _ := args["symbol"].(string)
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			return nil, fmt.Errorf("%w: symbol is empty", contractx.ErrValidation)
		}
		return client.Quote(ctx, symbol)
	}))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
