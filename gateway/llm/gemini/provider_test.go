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

package gemini

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

func successResponse(t *testing.T, text string, totalTokens int) *http.Response {
	t.Helper()
	apiResp := geminiResponse{}
	apiResp.Candidates = append(apiResp.Candidates, struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}{
		Content: geminiContent{
			Role:  "model",
			Parts: []geminiPart{{Text: text}},
		},
		FinishReason: "STOP",
	})
	apiResp.UsageMetadata.TotalTokenCount = totalTokens
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

	assert.Equal(t, "gemini", provider.Name())
	assert.True(t, provider.Enabled())
	assert.Equal(t, DefaultBaseURL, provider.baseURL)
	assert.Equal(t, DefaultModel, provider.model)
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
		return strings.Contains(req.URL.Path, "models/"+DefaultModel+":generateContent") &&
			req.URL.Query().Get("key") == "test-key"
	})).Return(successResponse(t, "Paris is the capital of France.", 18), nil)

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is the capital of France?"},
		},
		Temperature: 0.7,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", resp.Content)
	assert.Equal(t, 18, resp.UsageAmount)
	assert.InDelta(t, 18*DefaultUnitRate, resp.Cost, 1e-12)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_RoleMapping(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))

		var apiReq geminiRequest
		if err := json.Unmarshal(body, &apiReq); err != nil {
			return false
		}

		// System turns go to systemInstruction, assistant renames to model
		if apiReq.SystemInstruction == nil ||
			len(apiReq.SystemInstruction.Parts) != 1 ||
			apiReq.SystemInstruction.Parts[0].Text != "You are a companion." {
			return false
		}
		if len(apiReq.Contents) != 2 {
			return false
		}
		return apiReq.Contents[0].Role == "user" && apiReq.Contents[1].Role == "model"
	})).Return(successResponse(t, "Hi!", 5), nil)

	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a companion."},
			{Role: llm.RoleUser, Content: "Hello"},
			{Role: llm.RoleAssistant, Content: "Hey"},
		},
		Temperature: -1,
	})

	require.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_MissingUsageEstimated(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.Anything).Return(successResponse(t, strings.Repeat("b", 20), 0), nil)

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	require.NoError(t, err)
	assert.Equal(t, 5, resp.UsageAmount)

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_QuotaError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	errorResp := `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`
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
	assert.Equal(t, "gemini", perr.Provider)
	assert.Equal(t, llm.ErrCodeRateLimit, perr.Code)
	assert.Contains(t, perr.Message, "Resource has been exhausted")

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_NetworkError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection reset"))

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

func TestProvider_Generate_EmptyCandidates(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := NewProvider(Config{APIKey: "test-key"})
	provider.client = mockClient

	body, _ := json.Marshal(geminiResponse{})
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil)

	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
		Temperature: -1,
	})

	require.NoError(t, err)
	assert.Equal(t, "", resp.Content)
	// Empty content still estimates the one-token minimum
	assert.Equal(t, 1, resp.UsageAmount)

	mockClient.AssertExpectations(t)
}
