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

// Package gateway orchestrates AI generation across providers: candidate
// selection, circuit breaking, budget accounting and the HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"joevis/companion/gateway/budget"
	"joevis/companion/gateway/llm"
	"joevis/companion/gateway/notify"
	"joevis/companion/shared/logger"
)

// GenerateOptions steer candidate selection for one request.
type GenerateOptions struct {
	// Temperature passes through to the provider; negative means provider
	// default.
	Temperature float64

	// MaxTokens passes through to the provider; 0 means provider default.
	MaxTokens int

	// PreferredProvider, when set, is tried first regardless of rank or
	// task type.
	PreferredProvider string

	// TaskType selects a routing-table entry; unknown or empty falls back
	// to the default entry.
	TaskType string
}

// GenerateOutcome is a successful orchestrated generation.
type GenerateOutcome struct {
	Result *llm.GenerateResult `json:"result"`

	// Provider is the provider that served the request.
	Provider string `json:"provider"`

	// FailedOver is true when a candidate other than the first served.
	FailedOver bool `json:"failed_over"`

	// Attempts is the number of provider calls made, including failures.
	Attempts int `json:"attempts"`

	RequestID string `json:"request_id"`
}

// ProviderDiagnostics is one provider's state at the time the request
// exhausted all candidates.
type ProviderDiagnostics struct {
	Provider          string `json:"provider"`
	Enabled           bool   `json:"enabled"`
	BreakerOpen       bool   `json:"breaker_open"`
	BudgetDisabled    bool   `json:"budget_disabled"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
	AttemptError      string `json:"attempt_error,omitempty"`
	Skipped           bool   `json:"skipped"`
}

// AllProvidersFailedError reports that every candidate was skipped or
// failed, with a per-provider diagnostics snapshot.
type AllProvidersFailedError struct {
	RequestID   string                `json:"request_id"`
	Diagnostics []ProviderDiagnostics `json:"diagnostics"`
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		switch {
		case d.AttemptError != "":
			parts = append(parts, fmt.Sprintf("%s: %s", d.Provider, d.AttemptError))
		case !d.Enabled:
			parts = append(parts, d.Provider+": not configured")
		case d.BreakerOpen:
			parts = append(parts, d.Provider+": circuit open")
		case d.BudgetDisabled:
			parts = append(parts, d.Provider+": budget disabled")
		default:
			parts = append(parts, d.Provider+": skipped")
		}
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Orchestrator walks the candidate providers for each request and owns the
// interplay between breakers and the budget ledger.
type Orchestrator struct {
	providers map[string]llm.Provider

	// order is the stable registration order (ascending rank at wiring
	// time). Candidate lists are built from it without re-sorting.
	order []string

	// taskTable maps task types to ordered provider lists. The "default"
	// entry is mandatory.
	taskTable map[string][]string

	breakers *BreakerRegistry
	ledger   *budget.Ledger
	bus      *notify.Bus
	metrics  *Metrics
	log      *logger.Logger
}

// NewOrchestrator wires the orchestrator. providers must be given in rank
// order; taskTable must contain a "default" entry (validated by the config
// loader). metrics may be nil.
func NewOrchestrator(providers []llm.Provider, taskTable map[string][]string, breakers *BreakerRegistry, ledger *budget.Ledger, bus *notify.Bus, metrics *Metrics) *Orchestrator {
	o := &Orchestrator{
		providers: make(map[string]llm.Provider, len(providers)),
		taskTable: taskTable,
		breakers:  breakers,
		ledger:    ledger,
		bus:       bus,
		metrics:   metrics,
		log:       logger.New("orchestrator"),
	}
	for _, p := range providers {
		o.providers[p.Name()] = p
		o.order = append(o.order, p.Name())
	}
	if bus != nil && metrics != nil {
		// Breaker and ledger transitions announce themselves on the bus;
		// recompute the gauge on every event so /metrics never needs a
		// status poll to catch up
		bus.Subscribe(func(notify.Notification) { o.refreshAvailability() })
	}
	o.refreshAvailability()
	return o
}

// refreshAvailability recomputes the per-provider availability gauge. The
// Available call performs the lazy cooldown close, so a refresh can itself
// restore a provider.
func (o *Orchestrator) refreshAvailability() {
	if o.metrics == nil {
		return
	}
	for _, name := range o.order {
		p := o.providers[name]
		v := 0.0
		if p.Enabled() && !o.ledger.IsDisabled(name) && o.breakers.Available(name) {
			v = 1.0
		}
		o.metrics.ProvidersAvailable.WithLabelValues(name).Set(v)
	}
}

// Generate tries candidates strictly in order until one succeeds. At most
// one provider call succeeds per request; every failed attempt is recorded
// against the failing provider's breaker and ledger entry.
func (o *Orchestrator) Generate(ctx context.Context, req llm.GenerateRequest, opts GenerateOptions) (*GenerateOutcome, error) {
	requestID := uuid.NewString()
	candidates := o.candidateOrder(opts)
	// Breakers may open or close during the walk
	defer o.refreshAvailability()

	o.log.Info(requestID, "generate request", map[string]interface{}{
		"candidates": candidates,
		"task_type":  opts.TaskType,
		"preferred":  opts.PreferredProvider,
	})

	req.Temperature = opts.Temperature
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	var diags []ProviderDiagnostics
	attempts := 0

	for i, name := range candidates {
		p, ok := o.providers[name]
		if !ok {
			continue
		}

		diag := o.diagnose(name, p)
		if diag.Skipped {
			o.log.Debug(requestID, "skipping provider", map[string]interface{}{
				"provider":        name,
				"enabled":         diag.Enabled,
				"breaker_open":    diag.BreakerOpen,
				"budget_disabled": diag.BudgetDisabled,
			})
			diags = append(diags, diag)
			continue
		}

		attempts++
		result, err := p.Generate(ctx, req)
		if err != nil {
			o.breakers.RecordFailure(name, err)
			o.ledger.TrackUsage(name, 0, 0, false)
			if o.metrics != nil {
				o.metrics.RequestsTotal.WithLabelValues(name, "error").Inc()
			}
			o.log.Warn(requestID, "provider attempt failed", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
			diag.AttemptError = err.Error()
			diags = append(diags, diag)
			continue
		}

		o.breakers.RecordSuccess(name)
		o.ledger.TrackUsage(name, result.UsageAmount, result.Cost, true)
		if o.metrics != nil {
			o.metrics.RequestsTotal.WithLabelValues(name, "success").Inc()
			o.metrics.RequestLatency.WithLabelValues(name).Observe(result.Latency.Seconds())
		}

		failedOver := i > 0
		if failedOver {
			if o.metrics != nil {
				o.metrics.FailoversTotal.Inc()
			}
			if o.bus != nil {
				o.bus.Publish(notify.Notification{
					Kind:    notify.KindServiceFailover,
					Service: candidates[0],
					Message: fmt.Sprintf("request served by %s instead of %s", name, candidates[0]),
					Payload: map[string]interface{}{"fallback": name},
				})
			}
		}

		o.log.Info(requestID, "generate succeeded", map[string]interface{}{
			"provider":    name,
			"attempts":    attempts,
			"failed_over": failedOver,
			"usage":       result.UsageAmount,
			"cost":        result.Cost,
		})

		return &GenerateOutcome{
			Result:     result,
			Provider:   name,
			FailedOver: failedOver,
			Attempts:   attempts,
			RequestID:  requestID,
		}, nil
	}

	err := &AllProvidersFailedError{RequestID: requestID, Diagnostics: diags}
	o.log.Error(requestID, "all providers failed", map[string]interface{}{
		"attempts": attempts,
	})
	return nil, err
}

// diagnose captures the provider's gating state and whether it is skipped
// without an attempt.
func (o *Orchestrator) diagnose(name string, p llm.Provider) ProviderDiagnostics {
	state := o.breakers.State(name)
	diag := ProviderDiagnostics{
		Provider:          name,
		Enabled:           p.Enabled(),
		BudgetDisabled:    o.ledger.IsDisabled(name),
		ConsecutiveErrors: state.ConsecutiveErrors,
		LastError:         state.LastError,
	}
	// Available performs the lazy cooldown close, so call it rather than
	// reading the stored flag
	diag.BreakerOpen = !o.breakers.Available(name)
	diag.Skipped = !diag.Enabled || diag.BreakerOpen || diag.BudgetDisabled
	return diag
}

// candidateOrder builds the candidate list for one request. An enabled
// preferred provider goes first and the rest follow in stable
// registration order; the remainder is deliberately not re-sorted around
// the preference. A disabled or unknown preference is ignored and the
// task table decides, falling back to the default entry.
func (o *Orchestrator) candidateOrder(opts GenerateOptions) []string {
	if opts.PreferredProvider != "" {
		if p, ok := o.providers[opts.PreferredProvider]; ok && p.Enabled() {
			out := []string{opts.PreferredProvider}
			for _, name := range o.order {
				if name != opts.PreferredProvider {
					out = append(out, name)
				}
			}
			return out
		}
	}

	if opts.TaskType != "" {
		if list, ok := o.taskTable[opts.TaskType]; ok {
			return append([]string(nil), list...)
		}
	}
	if list, ok := o.taskTable["default"]; ok {
		return append([]string(nil), list...)
	}
	return append([]string(nil), o.order...)
}

// Providers returns the registration-ordered provider names.
func (o *Orchestrator) Providers() []string {
	return append([]string(nil), o.order...)
}

// ProviderStatus is the reporting view of one provider.
type ProviderStatus struct {
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Available      bool         `json:"available"`
	BudgetDisabled bool         `json:"budget_disabled"`
	Breaker        BreakerState `json:"breaker"`
	UnitRate       float64      `json:"unit_rate"`
}

// Status reports every provider's gating state.
func (o *Orchestrator) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(o.order))
	for _, name := range o.order {
		p := o.providers[name]
		status := ProviderStatus{
			Name:           name,
			Enabled:        p.Enabled(),
			BudgetDisabled: o.ledger.IsDisabled(name),
			Breaker:        o.breakers.State(name),
			UnitRate:       p.UnitRate(),
		}
		status.Available = status.Enabled && !status.BudgetDisabled && o.breakers.Available(name)
		out = append(out, status)
	}
	return out
}

// Override forces a provider's availability: the breaker override plus the
// ledger disable flag move together so the two gates cannot disagree after
// a manual action.
func (o *Orchestrator) Override(name string, enabled bool) error {
	if _, ok := o.providers[name]; !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	o.breakers.SetAvailable(name, enabled)
	o.ledger.ManualOverride(name, enabled)
	o.refreshAvailability()
	return nil
}
