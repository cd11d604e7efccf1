package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
	openrouterx "github.com/tanpawarit/agentloop/pkg/openrouter"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// ReasoningModel overrides Model for the planning call only.
	ReasoningModel       string  `envconfig:"REASONING_MODEL" split_words:"true"`
	ReasoningTemperature float32 `envconfig:"REASONING_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// Client returns the shared OpenRouter settings, used for the SDK client.
func (c Config) Client() openrouterx.Config {
	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              strings.TrimSpace(c.Model),
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.Temperature,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

// Reasoning returns the chat model settings for the planning call.
func (c Config) Reasoning() openrouterx.Config {
	out := c.Client()
	if v := strings.TrimSpace(c.ReasoningModel); v != "" {
		out.Model = v
	}
	if c.ReasoningTemperature >= 0 {
		out.Temperature = c.ReasoningTemperature
	}
	return out
}
