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

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"joevis/companion/gateway/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func successResponse(t *testing.T, text string, inputTokens, outputTokens int) *http.Response {
	t.Helper()
	apiResp := anthropicResponse{
		ID:         "msg_123",
		Type:       "message",
		Role:       "assistant",
		Model:      DefaultModel,
		StopReason: "end_turn",
	}
	apiResp.Content = append(apiResp.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: text})
	apiResp.Usage.InputTokens = inputTokens
	apiResp.Usage.OutputTokens = outputTokens
	body, _ := json.Marshal(apiResp)
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// =============================================================================
// Provider Creation Tests
// =============================================================================

func TestNewProvider_Defaults(t *testing.T) {
	provider := NewProvider(Config{APIKey: "test-key"})

	assert.Equal(t, "anthropic", provider.Name())
	assert.True(t, provider.Enabled())
	assert.Equal(t, DefaultBaseURL, provider.baseURL)
	assert.Equal(t, DefaultAPIVersion, provider.apiVersion)
	assert.InDelta(t, DefaultUnitRate, provider.UnitRate(), 1e-12)
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	provider := NewProvider(Config{})

	assert.NotNil(t, provider)
	assert.False(t, provider.Enabled())
}

// =============================================================================
// Generate Tests
// =============================================================================

func TestProvider_Generate_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == DefaultBaseURL+"/v1/messages" &&
			req.Header.Get("x-api-key") == "test-key" &&
			req.Header.Get("anthropic-version") == DefaultAPIVersion
	})).Return(successResponse(t, "Paris is the capital of France.", 10, 8), nil)

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is the capital of France?"},
		},
		MaxTokens:   100,
		Temperature: 0.7,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", resp.Content)
	assert.Equal(t, 18, resp.UsageAmount)
	assert.InDelta(t, 18*DefaultUnitRate, resp.Cost, 1e-12)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_SystemExtraction(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))

		var apiReq anthropicRequest
		if err := json.Unmarshal(body, &apiReq); err != nil {
			return false
		}

		// System turns must be lifted out of the messages list
		if apiReq.System != "You are a companion.\nBe concise." {
			return false
		}
		for _, m := range apiReq.Messages {
			if m.Role == "system" {
				return false
			}
		}
		return len(apiReq.Messages) == 2
	})).Return(successResponse(t, "Hi!", 5, 2), nil)

	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a companion."},
			{Role: llm.RoleUser, Content: "Hello"},
			{Role: llm.RoleSystem, Content: "Be concise."},
			{Role: llm.RoleAssistant, Content: "Hey"},
		},
		Temperature: -1,
	})

	require.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_NoSystemOmitted(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
		return !strings.Contains(string(body), `"system"`)
	})).Return(successResponse(t, "Hi!", 5, 2), nil)

	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		Temperature: -1,
	})

	require.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_MultipleContentBlocks(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	apiResp := anthropicResponse{
		ID:    "msg_multi",
		Model: DefaultModel,
	}
	apiResp.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{
		{Type: "text", Text: "First part. "},
		{Type: "text", Text: "Second part."},
	}
	apiResp.Usage.InputTokens = 5
	apiResp.Usage.OutputTokens = 10
	body, _ := json.Marshal(apiResp)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil)

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	require.NoError(t, err)
	assert.Equal(t, "First part. Second part.", resp.Content)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_RateLimitError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	errorResp := `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorResp))),
	}, nil)

	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "anthropic", perr.Provider)
	assert.Equal(t, llm.ErrCodeRateLimit, perr.Code)
	assert.True(t, perr.Retryable)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_ServerError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	errorResp := `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorResp))),
	}, nil)

	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeServerError, perr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.Contains(t, perr.Message, "Overloaded")

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_NetworkError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	assert.Nil(t, resp)
	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeUnavailable, perr.Code)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_ContextCancellation(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mockClient.On("Do", mock.Anything).Return(nil, context.Canceled)

	_, err := provider.Generate(ctx, llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	assert.Error(t, err)
	mockClient.AssertExpectations(t)
}
