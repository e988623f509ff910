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

// Package llm defines the provider-neutral types shared by all generation
// provider adapters in the companion gateway. Adapters translate the
// neutral message list into each provider's wire shape; they never touch
// breaker or ledger state, which is the orchestrator's job.
package llm

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a provider-neutral conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest encapsulates a generation request in provider-neutral form.
type GenerateRequest struct {
	// Messages is the ordered conversation. Adapters relocate or rename
	// roles as their provider requires (e.g. system extraction,
	// assistant→model).
	Messages []Message `json:"messages"`

	// Temperature controls randomness. Negative means "use the provider
	// default"; 0.0 is valid (deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Model overrides the adapter's default model.
	Model string `json:"model,omitempty"`
}

// GenerateResult is a normalized provider response.
type GenerateResult struct {
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// UsageAmount is the billing-unit count for this call. For the AI
	// providers this is total tokens; adapters that get no usage from the
	// provider substitute a documented fixed estimate instead of failing.
	UsageAmount int `json:"usage_amount"`

	// Cost is UsageAmount multiplied by the provider's unit rate, in USD.
	Cost float64 `json:"cost"`

	Latency time.Duration `json:"latency"`
}

// ProviderError represents a typed failure from one provider. It is
// recoverable from the orchestrator's perspective: the next candidate in
// the chain is tried.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting or quota exhaustion.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeMalformedResponse indicates the provider returned a body the
	// adapter could not decode.
	ErrCodeMalformedResponse = "malformed_response"

	// ErrCodeServerError indicates a provider-side server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates a request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unreachable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// CodeForStatus maps an HTTP status code to a provider error code.
func CodeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 429:
		return ErrCodeRateLimit
	case status == 408:
		return ErrCodeTimeout
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeServerError
	}
}
