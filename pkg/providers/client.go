package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 120 * time.Second

	// Fallback reply when the provider answers 200 with no usable choice.
	noContentApology = "I apologize, but I couldn't generate a response."
)

// Client is the chat-completion and embedding provider contract.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configures an HTTP provider client.
type Options struct {
	APIBase        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	Proxy          string
}

// HTTPClient talks to an OpenAI-compatible API (chat completions plus
// embeddings) over HTTP.
type HTTPClient struct {
	apiBase        string
	apiKey         string
	model          string
	embeddingModel string
	maxTokens      int
	temperature    float64
	httpClient     *http.Client
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("provider API base not configured")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("provider API key not configured")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("provider model not configured")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}
	if proxy := strings.TrimSpace(opts.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse provider proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	return &HTTPClient{
		apiBase:        apiBase,
		apiKey:         strings.TrimSpace(opts.APIKey),
		model:          strings.TrimSpace(opts.Model),
		embeddingModel: strings.TrimSpace(opts.EmbeddingModel),
		maxTokens:      maxTokens,
		temperature:    opts.Temperature,
		httpClient:     client,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the assembled prompt as a single system message and returns
// the first choice's text. A 200 with no content yields a fixed apology
// string, not an error.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	requestBody := map[string]any{
		"model":       c.model,
		"messages":    []chatMessage{{Role: "system", Content: prompt}},
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
	}

	body, status, err := c.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return "", &CompletionError{Err: err}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", &CompletionError{Status: status, Detail: extractAPIError(body)}
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", &CompletionError{Err: fmt.Errorf("parse completion response: %w", err)}
	}

	if len(apiResponse.Choices) == 0 || apiResponse.Choices[0].Message.Content == "" {
		return noContentApology, nil
	}
	return apiResponse.Choices[0].Message.Content, nil
}

// Embed returns the first embedding vector for text, or an empty vector when
// the provider returns none.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]any{
		"model": c.embeddingModel,
		"input": text,
	}

	body, status, err := c.post(ctx, "/embeddings", requestBody)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &EmbeddingError{Status: status, Detail: extractAPIError(body)}
	}

	var apiResponse struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("parse embedding response: %w", err)}
	}

	if len(apiResponse.Data) == 0 {
		return []float32{}, nil
	}
	return apiResponse.Data[0].Embedding, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, requestBody map[string]any) ([]byte, int, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    any `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
