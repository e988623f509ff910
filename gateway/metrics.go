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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"joevis/companion/gateway/notify"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	FailoversTotal     prometheus.Counter
	BudgetEventsTotal  *prometheus.CounterVec
	FlushErrorsTotal   prometheus.Counter
	ProvidersAvailable *prometheus.GaugeVec
}

// NewMetrics registers the gateway collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_provider_requests_total",
			Help: "Provider calls by provider and result.",
		}, []string{"provider", "result"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "companion_provider_latency_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "companion_failovers_total",
			Help: "Requests served by a non-first candidate.",
		}),
		BudgetEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_budget_events_total",
			Help: "Budget notifications by kind.",
		}, []string{"kind"}),
		FlushErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "companion_snapshot_flush_errors_total",
			Help: "Failed background snapshot flushes.",
		}),
		ProvidersAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "companion_provider_available",
			Help: "1 when the provider's breaker is closed and budget allows it.",
		}, []string{"provider"}),
	}
}

// ObserveBus counts every notification kind published on the bus.
func (m *Metrics) ObserveBus(bus *notify.Bus) {
	bus.Subscribe(func(n notify.Notification) {
		m.BudgetEventsTotal.WithLabelValues(n.Kind).Inc()
	})
}
