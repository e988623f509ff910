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

// Package anthropic provides a generation provider adapter for Anthropic's
// messages API. System messages are not valid in the messages list: the
// adapter extracts them into the top-level system field, joining multiple
// system messages with newlines.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"joevis/companion/gateway/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the anthropic-version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is the model used when none is configured.
	DefaultModel = "claude-3-5-haiku-20241022"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 1024

	// DefaultUnitRate is the cost per token in USD when no rate is
	// configured ($0.03 per 1K tokens).
	DefaultUnitRate = 0.00003
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	unitRate   float64
	client     HTTPClient
}

// Config contains configuration for the Anthropic provider.
type Config struct {
	APIKey     string        // Empty key leaves the provider disabled
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: anthropic-version header
	Model      string        // Optional: default model
	UnitRate   float64       // Optional: USD per token
	Timeout    time.Duration // Optional: HTTP timeout
}

// NewProvider creates a new Anthropic provider instance. A missing API key
// leaves the provider disabled rather than failing construction.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
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
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		unitRate:   cfg.UnitRate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
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

	system, messages := splitSystem(req.Messages)

	apiReq := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
	}
	if req.Temperature >= 0 {
		apiReq.Temperature = &req.Temperature
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := llm.NewProviderError("anthropic", llm.ErrCodeUnavailable, err.Error())
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

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		perr := llm.NewProviderError("anthropic", llm.ErrCodeMalformedResponse, "failed to decode response")
		perr.Cause = err
		return nil, perr
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens
	if usage == 0 {
		usage = estimateTokens(content.String())
	}

	return &llm.GenerateResult{
		Content:     content.String(),
		Model:       apiResp.Model,
		UsageAmount: usage,
		Cost:        float64(usage) * p.unitRate,
		Latency:     time.Since(start),
	}, nil
}

// splitSystem extracts system messages into the top-level system string and
// converts the remaining turns to the API message shape. Multiple system
// messages are joined with newlines.
func splitSystem(messages []llm.Message) (string, []anthropicMessage) {
	var systems []string
	var rest []anthropicMessage
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m.Content)
			continue
		}
		rest = append(rest, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return strings.Join(systems, "\n"), rest
}

// parseAPIError parses an API error response into a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := llm.NewProviderError("anthropic", llm.CodeForStatus(statusCode), message)
	perr.StatusCode = statusCode
	return perr
}

func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Internal API types

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
