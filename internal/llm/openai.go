package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
)

const systemPrompt = "You are a bookkeeping assistant that extracts structured " +
	"transaction data from receipt images. You MUST respond with ONLY a valid " +
	"JSON object. Do not include any explanatory text, markdown formatting, or " +
	"commentary before or after the JSON. Start your response directly with { " +
	"and end with }."

const extractionPrompt = `Extract the bookkeeping information from this receipt image and return a JSON object with exactly these keys:
- "amount": total amount as a number
- "vendor": merchant name
- "category": spending category (e.g. food, transport, shopping)
- "transaction_date": date in YYYY-MM-DD format
- "description": short summary of the purchase

Set any key you cannot determine to null.`

// openAIClient implements Client against an OpenAI-compatible
// chat-completions API with image input.
type openAIClient struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
}

func newOpenAIClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: extraction API key is required", common.ErrMissingConfig)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 500
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &openAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ExtractReceipt sends the image to the vision model and parses the JSON it
// returns into candidate fields.
func (c *openAIClient) ExtractReceipt(ctx context.Context, image []byte) (model.CandidateFields, error) {
	imageURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)

	requestBody := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{
				"role":    "system",
				"content": systemPrompt,
			},
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": extractionPrompt},
					{"type": "image_url", "image_url": map[string]any{"url": imageURL}},
				},
			},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return model.CandidateFields{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return model.CandidateFields{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are worth one more attempt.
		return model.CandidateFields{}, &common.RetryableError{Err: fmt.Errorf("request failed: %w", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CandidateFields{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.CandidateFields{}, &common.RetryableError{Err: common.ErrRateLimit, Retryable: true}
	case resp.StatusCode >= 500:
		return model.CandidateFields{}, &common.RetryableError{
			Err:       fmt.Errorf("extraction API error (status %d): %s", resp.StatusCode, string(body)),
			Retryable: true,
		}
	case resp.StatusCode != http.StatusOK:
		return model.CandidateFields{}, &common.RetryableError{
			Err:       fmt.Errorf("extraction API error (status %d): %s", resp.StatusCode, string(body)),
			Retryable: false,
		}
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return model.CandidateFields{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(response.Choices) == 0 {
		return model.CandidateFields{}, fmt.Errorf("%w: no completion choices returned", common.ErrExtraction)
	}

	return parseCandidateFields(response.Choices[0].Message.Content)
}
