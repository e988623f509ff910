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

// Package bedrock provides a generation provider adapter for AWS Bedrock
// using AWS SDK v2. Requests are signed with AWS Signature V4 via the IAM
// credential chain, so there is no API key; the provider is enabled when a
// region is configured. The request and response body shapes depend on the
// model family (anthropic, amazon, meta, mistral).
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"joevis/companion/gateway/llm"
)

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 1024

	// DefaultUnitRate is the cost per token in USD when no rate is
	// configured ($0.03 per 1K tokens).
	DefaultUnitRate = 0.00003

	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeModelAPI is the subset of the Bedrock runtime client the provider
// uses (enables testing).
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	client   InvokeModelAPI
	region   string
	model    string
	unitRate float64
}

// Config contains configuration for the Bedrock provider.
type Config struct {
	Region   string  // Empty region leaves the provider disabled
	Model    string  // Optional: default model ID
	UnitRate float64 // Optional: USD per token
}

// NewProvider creates a new Bedrock provider instance. The AWS credential
// chain is resolved eagerly; a resolution failure is returned rather than
// deferred to the first call. An empty region skips client construction and
// leaves the provider disabled.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.UnitRate <= 0 {
		cfg.UnitRate = DefaultUnitRate
	}

	p := &Provider{
		region:   cfg.Region,
		model:    cfg.Model,
		unitRate: cfg.UnitRate,
	}

	if cfg.Region == "" {
		return p, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	p.client = bedrockruntime.NewFromConfig(awsCfg)

	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "bedrock"
}

// Enabled reports whether a region was configured and the client built.
func (p *Provider) Enabled() bool {
	return p.client != nil
}

// UnitRate returns the configured cost per token in USD.
func (p *Provider) UnitRate() float64 {
	return p.unitRate
}

// Generate produces a completion for the given request.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	start := time.Now()

	if p.client == nil {
		return nil, llm.NewProviderError("bedrock", llm.ErrCodeUnavailable, "no region configured")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	requestBody, err := buildRequestBody(req, model)
	if err != nil {
		perr := llm.NewProviderError("bedrock", llm.ErrCodeInvalidRequest, err.Error())
		perr.Cause = err
		return nil, perr
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		perr := llm.NewProviderError("bedrock", llm.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}

	content, usage, err := parseResponseBody(output.Body, model)
	if err != nil {
		perr := llm.NewProviderError("bedrock", llm.ErrCodeMalformedResponse, err.Error())
		perr.Cause = err
		return nil, perr
	}

	if usage == 0 {
		// Families that do not report token counts (mistral) get the
		// fixed estimate so the call is still billable.
		usage = estimateTokens(content)
	}

	return &llm.GenerateResult{
		Content:     content,
		Model:       model,
		UsageAmount: usage,
		Cost:        float64(usage) * p.unitRate,
		Latency:     time.Since(start),
	}, nil
}

// buildRequestBody builds the request body based on model family.
func buildRequestBody(req llm.GenerateRequest, model string) (map[string]interface{}, error) {
	family := detectModelFamily(model)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = 0.7
	}

	switch family {
	case "anthropic":
		system, messages := splitSystem(req.Messages)
		body := map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages":          messages,
		}
		if system != "" {
			body["system"] = system
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": flattenMessages(req.Messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_gen_len": maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_tokens":  maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

// splitSystem extracts system turns into the top-level system string for
// the anthropic family body.
func splitSystem(messages []llm.Message) (string, []map[string]string) {
	var systems []string
	var rest []map[string]string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m.Content)
			continue
		}
		rest = append(rest, map[string]string{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return strings.Join(systems, "\n"), rest
}

// flattenMessages renders the conversation as a single prompt for families
// that take plain text instead of a message list.
func flattenMessages(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch m.Role {
		case llm.RoleSystem:
			b.WriteString(m.Content)
		case llm.RoleAssistant:
			b.WriteString("Assistant: " + m.Content)
		default:
			b.WriteString("User: " + m.Content)
		}
	}
	return b.String()
}

// parseResponseBody parses the response body based on model family,
// returning the content and the reported token usage (0 when the family
// reports none).
func parseResponseBody(body []byte, model string) (string, int, error) {
	switch detectModelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		content := ""
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return content, resp.Usage.InputTokens + resp.Usage.OutputTokens, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		content := ""
		outputTokens := 0
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
		}
		return content, resp.InputTextTokenCount + outputTokens, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return resp.Generation, resp.PromptTokenCount + resp.GenTokenCount, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		content := ""
		if len(resp.Outputs) > 0 {
			content = resp.Outputs[0].Text
		}
		// Mistral doesn't provide token counts
		return content, 0, nil
	default:
		return "", 0, fmt.Errorf("unsupported model family: %s", detectModelFamily(model))
	}
}

// inferenceProfilePrefixes are the known AWS Bedrock inference profile
// prefixes (cross-region routing).
var inferenceProfilePrefixes = []string{"us", "eu", "apac"}

// supportedFamilies are the model families the adapter can build bodies for.
var supportedFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// detectModelFamily detects the model family from a model ID such as
// "anthropic.claude-3-5-haiku-20241022-v1:0" or the inference-profile form
// "us.anthropic.claude-3-5-haiku-20241022-v1:0".
func detectModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix && len(segments) >= 3 {
			return validateFamily(segments[1])
		}
	}
	return validateFamily(first)
}

func validateFamily(family string) string {
	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}

func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}
