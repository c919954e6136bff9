// Package llm provides vision-capable extraction clients that turn receipt
// images into structured candidate transaction fields.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/model"
)

// Client defines the interface for vision extraction providers.
type Client interface {
	ExtractReceipt(ctx context.Context, image []byte) (model.CandidateFields, error)
}

// Config holds provider configuration.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient creates an extraction client based on configuration.
func NewClient(cfg Config) (Client, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s", provider)
	}
}
