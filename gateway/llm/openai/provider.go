// Copyright 2025 Joevis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai provides a generation provider adapter for OpenAI's
// chat-completions API. The provider-neutral message list maps onto the
// OpenAI wire shape verbatim: roles system/user/assistant are all valid.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"joevis/companion/gateway/llm"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 1024

	// DefaultUnitRate is the cost per token in USD when no rate is
	// configured ($0.02 per 1K tokens).
	DefaultUnitRate = 0.00002
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for OpenAI.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	unitRate float64
	client   HTTPClient
}

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey   string        // Empty key leaves the provider disabled
	BaseURL  string        // Optional: API base URL
	Model    string        // Optional: default model
	UnitRate float64       // Optional: USD per token
	Timeout  time.Duration // Optional: HTTP timeout
}

// NewProvider creates a new OpenAI provider instance. A missing API key is
// not an error: the provider starts disabled and is skipped by the
// orchestrator.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.UnitRate <= 0 {
		cfg.UnitRate = DefaultUnitRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		unitRate: cfg.UnitRate,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Enabled reports whether an API key is configured.
func (p *Provider) Enabled() bool {
	return p.apiKey != ""
}

// UnitRate returns the configured cost per token in USD.
func (p *Provider) UnitRate() float64 {
	return p.unitRate
}

// Generate produces a completion for the given request.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := openaiRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	// Temperature 0.0 is valid (deterministic); negative means unset
	if req.Temperature >= 0 {
		apiReq.Temperature = &req.Temperature
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := llm.NewProviderError("openai", llm.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	var apiResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		perr := llm.NewProviderError("openai", llm.ErrCodeMalformedResponse, "failed to decode response")
		perr.Cause = err
		return nil, perr
	}

	content := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
	}

	usage := apiResp.Usage.TotalTokens
	if usage == 0 {
		// No usage reported: estimate from content length so the call is
		// still billable (roughly 4 chars per token).
		usage = estimateTokens(content)
	}

	return &llm.GenerateResult{
		Content:     content,
		Model:       apiResp.Model,
		UsageAmount: usage,
		Cost:        float64(usage) * p.unitRate,
		Latency:     time.Since(start),
	}, nil
}

// parseAPIError parses an API error response into a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := llm.NewProviderError("openai", llm.CodeForStatus(statusCode), message)
	perr.StatusCode = statusCode
	return perr
}

// estimateTokens is the documented fixed estimate used when the provider
// reports no usage: roughly 4 characters per token, minimum 1.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Internal API types

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
