package openrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Models whose reasoning tokens must be suppressed, otherwise they leak into
// the tool-calling response.
var excludeReasoning = map[string]bool{
	"x-ai/grok-4.1-fast": true,
}

// Config holds one OpenRouter endpoint: the chat model used for planning and
// the SDK client used for embeddings share it.
type Config struct {
	BaseURL            string
	APIKey             string
	Model              string
	MaxCompletionToken *int
	Temperature        float32
	Timeout            time.Duration
	SiteURL            string
	SiteName           string
}

func (c Config) baseURL() string {
	if v := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); v != "" {
		return v
	}
	return DefaultBaseURL
}

// ChatModelConfig maps the endpoint onto the eino openai chat model.
func (c Config) ChatModelConfig() *openaimodel.ChatModelConfig {
	modelName := strings.TrimSpace(c.Model)
	temperature := c.Temperature

	conf := &openaimodel.ChatModelConfig{
		BaseURL:     c.baseURL(),
		APIKey:      strings.TrimSpace(c.APIKey),
		Model:       modelName,
		MaxTokens:   c.MaxCompletionToken,
		Temperature: &temperature,
		Timeout:     c.Timeout,
	}
	if excludeReasoning[modelName] {
		conf.ExtraFields = map[string]any{
			"reasoning": map[string]any{
				"exclude": true,
				"effort":  "none",
			},
		}
	}
	return conf
}

func NewChatModel(ctx context.Context, c Config) (model.ToolCallingChatModel, error) {
	if strings.TrimSpace(c.Model) == "" {
		return nil, errors.New("openrouter: model is required")
	}
	m, err := openaimodel.NewChatModel(ctx, c.ChatModelConfig())
	if err != nil {
		return nil, fmt.Errorf("openrouter: create chat model: %w", err)
	}
	return m, nil
}

// RequestOptions carries the attribution headers OpenRouter uses for its
// app rankings.
func (c Config) RequestOptions() []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(c.APIKey)),
		option.WithBaseURL(c.baseURL()),
	}
	if v := strings.TrimSpace(c.SiteURL); v != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", v))
	}
	if v := strings.TrimSpace(c.SiteName); v != "" {
		opts = append(opts, option.WithHeader("X-Title", v))
	}
	if c.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.Timeout))
	}
	return opts
}

// NewClient creates an OpenAI SDK client pointed at OpenRouter.
func NewClient(c Config) (*openaisdk.Client, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	client := openaisdk.NewClient(c.RequestOptions()...)
	return &client, nil
}
