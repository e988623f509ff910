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

// Package budget implements the monthly usage ledger, cost-cap admission
// control, snapshot persistence and the monthly-reset scheduler. Admission
// is reactive: a call is never blocked up front, its cost is recorded after
// the fact and the thresholds decide whether the service stays enabled for
// subsequent calls.
package budget

import "time"

// Service kinds for RecommendedService.
const (
	KindAI        = "ai"
	KindAuxiliary = "auxiliary"
)

// Threshold fractions of the monthly limit.
const (
	WarningThreshold  = 0.80
	ExceededThreshold = 1.00
)

// UsageEntry accumulates one service's usage for the current period. All
// counters are monotonic within a period; only the monthly reset zeroes
// them.
type UsageEntry struct {
	Requests    int64   `json:"requests"`
	Errors      int64   `json:"errors"`
	UsageAmount int64   `json:"usage_amount"`
	Cost        float64 `json:"cost"`
}

// DisableFlag marks a service as budget-disabled.
type DisableFlag struct {
	Disabled bool      `json:"disabled"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since,omitempty"`
}

// Policy is the monthly budget policy. A service absent from PerService has
// no individual cap; Total 0 means no aggregate cap.
type Policy struct {
	PerService map[string]float64 `json:"per_service" yaml:"per_service"`
	Total      float64            `json:"total" yaml:"total"`
}

// BreakerSnapshot is the persisted form of one circuit breaker. Carried in
// the snapshot so a restart restores open breakers instead of silently
// closing them.
type BreakerSnapshot struct {
	Available         bool      `json:"available"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	CooldownExpiresAt time.Time `json:"cooldown_expires_at,omitempty"`
}

// Snapshot is the persisted ledger state for the current period.
type Snapshot struct {
	PeriodStart  time.Time                  `json:"period_start"`
	Entries      map[string]UsageEntry      `json:"entries"`
	Disabled     map[string]DisableFlag     `json:"disabled"`
	Availability map[string]BreakerSnapshot `json:"availability,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Archive is one closed period, written to the history sink at the monthly
// reset.
type Archive struct {
	Period      string                `json:"period"` // YYYY-MM
	PeriodStart time.Time             `json:"period_start"`
	PeriodEnd   time.Time             `json:"period_end"`
	Entries     map[string]UsageEntry `json:"entries"`
	ArchivedAt  time.Time             `json:"archived_at"`
}

// ServiceStats is the reporting view of one service.
type ServiceStats struct {
	Requests          int64   `json:"requests"`
	Errors            int64   `json:"errors"`
	UsageAmount       int64   `json:"usage_amount"`
	Cost              float64 `json:"cost"`
	SuccessRate       float64 `json:"success_rate"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
	BudgetLimit       float64 `json:"budget_limit,omitempty"`
	BudgetUsedPercent float64 `json:"budget_used_percent,omitempty"`
	Disabled          bool    `json:"disabled"`
	DisabledReason    string  `json:"disabled_reason,omitempty"`
}

// Stats is the aggregate reporting view of the ledger.
type Stats struct {
	PeriodStart      time.Time               `json:"period_start"`
	Services         map[string]ServiceStats `json:"services"`
	TotalCost        float64                 `json:"total_cost"`
	TotalLimit       float64                 `json:"total_limit,omitempty"`
	TotalUsedPercent float64                 `json:"total_used_percent,omitempty"`
}
