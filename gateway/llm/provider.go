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

package llm

import (
	"context"
)

// Provider is the unified interface for all generation providers.
// Implementations must be safe for concurrent use.
//
// A provider whose credentials are absent must report Enabled() == false
// and is never selected, regardless of breaker state. Adapters own the
// network call and usage/cost normalization only; accounting and error
// tracking stay centralized in the orchestrator.
type Provider interface {
	// Name returns the stable service identifier for this provider
	// ("openai", "anthropic", "gemini", "bedrock").
	Name() string

	// Enabled reports whether the provider has usable credentials.
	Enabled() bool

	// Generate produces a completion for the given request. The context
	// is used for cancellation and timeout. Failures are returned as
	// *ProviderError.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// UnitRate returns the configured cost per billing unit in USD.
	UnitRate() float64
}
