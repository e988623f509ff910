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

package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"joevis/companion/gateway/notify"
	"joevis/companion/shared/logger"
)

// Config wires a ledger's policy and service topology.
type Config struct {
	// Policy is the monthly budget policy.
	Policy Policy

	// FailoverChains maps a service to its ordered fallbacks, walked when
	// the service's budget is exceeded.
	FailoverChains map[string][]string

	// AIPreference is the fixed preference order RecommendedService walks
	// for KindAI.
	AIPreference []string

	// AuxiliaryPreference is the preference order for KindAuxiliary.
	AuxiliaryPreference []string

	// AuxiliaryFallback is the always-available auxiliary service returned
	// when every paid auxiliary service is disabled.
	AuxiliaryFallback string
}

// Ledger tracks per-service usage against the monthly policy and owns the
// budget disable flags. Every read-decide-write sequence runs under one
// mutex; persistence and notification dispatch happen outside it.
type Ledger struct {
	mu          sync.Mutex
	policy      Policy
	chains      map[string][]string
	aiPref      []string
	auxPref     []string
	auxFallback string

	entries     map[string]*UsageEntry
	disabled    map[string]DisableFlag
	periodStart time.Time

	bus   *notify.Bus
	store SnapshotStore
	log   *logger.Logger
	now   func() time.Time

	// OnFlushError, when set before the ledger is first used, is called for
	// every failed background flush (metrics wiring).
	OnFlushError func(error)

	// AvailabilitySource, when set before the ledger is first used,
	// supplies per-provider circuit state for every snapshot so
	// availability survives a restart alongside the counters.
	AvailabilitySource func() map[string]BreakerSnapshot

	restoredAvailability map[string]BreakerSnapshot
}

// NewLedger creates a ledger with zeroed counters for the current period.
// store may be nil (no persistence); bus may be nil (no notifications).
func NewLedger(cfg Config, bus *notify.Bus, store SnapshotStore) *Ledger {
	l := &Ledger{
		policy:      cfg.Policy,
		chains:      cfg.FailoverChains,
		aiPref:      cfg.AIPreference,
		auxPref:     cfg.AuxiliaryPreference,
		auxFallback: cfg.AuxiliaryFallback,
		entries:     make(map[string]*UsageEntry),
		disabled:    make(map[string]DisableFlag),
		bus:         bus,
		store:       store,
		log:         logger.New("budget-ledger"),
		now:         time.Now,
	}
	l.periodStart = monthStart(l.now())
	return l
}

// Load restores the ledger from the snapshot store. A missing or corrupt
// snapshot yields a zeroed current-period state with everything enabled;
// Load never fails startup.
func (l *Ledger) Load(ctx context.Context) {
	if l.store == nil {
		return
	}

	snap, err := l.store.ReadSnapshot(ctx)
	if err != nil {
		l.log.Warn("", "snapshot unavailable, starting with zeroed ledger", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[string]*UsageEntry, len(snap.Entries))
	for name, e := range snap.Entries {
		entry := e
		l.entries[name] = &entry
	}
	l.disabled = make(map[string]DisableFlag, len(snap.Disabled))
	for name, f := range snap.Disabled {
		l.disabled[name] = f
	}
	if !snap.PeriodStart.IsZero() {
		l.periodStart = snap.PeriodStart
	}
	l.restoredAvailability = snap.Availability
}

// RestoredAvailability returns the circuit state carried by the loaded
// snapshot, nil when Load found none. The caller seeds the breaker
// registry with it at startup.
func (l *Ledger) RestoredAvailability() map[string]BreakerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restoredAvailability
}

// TrackUsage records one AI call's outcome and re-evaluates the budget
// thresholds. Admission is reactive: the cost is already incurred, the
// thresholds only gate future calls.
func (l *Ledger) TrackUsage(service string, usage int, cost float64, success bool) {
	l.track(service, int64(usage), cost, success)
}

// TrackAuxiliaryUsage records usage for minute- or character-denominated
// auxiliary services. Same accounting path as TrackUsage.
func (l *Ledger) TrackAuxiliaryUsage(service string, amount int, cost float64, success bool) {
	l.track(service, int64(amount), cost, success)
}

func (l *Ledger) track(service string, amount int64, cost float64, success bool) {
	l.mu.Lock()

	entry := l.entry(service)
	entry.Requests++
	if !success {
		entry.Errors++
	}
	entry.UsageAmount += amount
	entry.Cost += cost

	events := l.evaluateLocked(service)

	l.mu.Unlock()

	for _, n := range events {
		l.publish(n)
	}
	l.flushAsync()
}

// entry returns the live entry for service, creating it when first seen.
// Caller holds the lock.
func (l *Ledger) entry(service string) *UsageEntry {
	e, ok := l.entries[service]
	if !ok {
		e = &UsageEntry{}
		l.entries[service] = e
	}
	return e
}

// evaluateLocked applies the threshold rules for service and the aggregate
// cap. Caller holds the lock; the returned notifications are published
// after it is released.
func (l *Ledger) evaluateLocked(service string) []notify.Notification {
	var events []notify.Notification

	limit := l.policy.PerService[service]
	if limit > 0 {
		entry := l.entries[service]
		fraction := entry.Cost / limit

		switch {
		case fraction >= ExceededThreshold:
			if !l.disabled[service].Disabled {
				l.disabled[service] = DisableFlag{
					Disabled: true,
					Reason:   fmt.Sprintf("monthly budget of $%.2f exceeded", limit),
					Since:    l.now(),
				}
				events = append(events, notify.Notification{
					Kind:    notify.KindBudgetExceeded,
					Service: service,
					Message: fmt.Sprintf("%s exceeded monthly budget ($%.2f of $%.2f)", service, entry.Cost, limit),
					Payload: map[string]interface{}{
						"cost":    entry.Cost,
						"limit":   limit,
						"percent": fraction * 100,
					},
				})
				events = append(events, l.failoverEventLocked(service))
			}
		case fraction >= WarningThreshold:
			// Warnings repeat on every track past the threshold
			events = append(events, notify.Notification{
				Kind:    notify.KindBudgetWarning,
				Service: service,
				Message: fmt.Sprintf("%s at %.1f%% of monthly budget", service, fraction*100),
				Payload: map[string]interface{}{
					"cost":    entry.Cost,
					"limit":   limit,
					"percent": fraction * 100,
				},
			})
		}
	}

	if l.policy.Total > 0 {
		total := 0.0
		for _, e := range l.entries {
			total += e.Cost
		}
		if total/l.policy.Total >= WarningThreshold {
			events = append(events, notify.Notification{
				Kind:    notify.KindBudgetWarning,
				Service: "total",
				Message: fmt.Sprintf("aggregate spend at %.1f%% of monthly cap", total/l.policy.Total*100),
				Payload: map[string]interface{}{
					"cost":  total,
					"limit": l.policy.Total,
				},
			})
		}
	}

	return events
}

// failoverEventLocked walks the service's failover chain and names the
// first fallback that is still enabled. Caller holds the lock.
func (l *Ledger) failoverEventLocked(service string) notify.Notification {
	for _, fallback := range l.chains[service] {
		if !l.disabled[fallback].Disabled {
			return notify.Notification{
				Kind:    notify.KindServiceFailover,
				Service: service,
				Message: fmt.Sprintf("%s disabled, failing over to %s", service, fallback),
				Payload: map[string]interface{}{"fallback": fallback},
			}
		}
	}
	return notify.Notification{
		Kind:    notify.KindServiceFailover,
		Service: service,
		Message: fmt.Sprintf("%s disabled, no fallback available", service),
		Payload: map[string]interface{}{"fallback": ""},
	}
}

// IsDisabled reports whether the service is budget-disabled.
func (l *Ledger) IsDisabled(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled[service].Disabled
}

// RecommendedService returns the preferred still-enabled service for the
// given kind. For KindAI an empty string means every AI service is
// disabled. KindAuxiliary always resolves to at least the designated
// always-available fallback.
func (l *Ledger) RecommendedService(kind string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch kind {
	case KindAuxiliary:
		for _, name := range l.auxPref {
			if !l.disabled[name].Disabled {
				return name
			}
		}
		return l.auxFallback
	default:
		for _, name := range l.aiPref {
			if !l.disabled[name].Disabled {
				return name
			}
		}
		return ""
	}
}

// ManualOverride forces a service's disable flag. Idempotent: repeating the
// current state is a no-op. Re-enabling a disabled service publishes
// service_restored.
func (l *Ledger) ManualOverride(service string, enabled bool) {
	l.mu.Lock()

	wasDisabled := l.disabled[service].Disabled
	changed := false
	if enabled && wasDisabled {
		delete(l.disabled, service)
		changed = true
	} else if !enabled && !wasDisabled {
		l.disabled[service] = DisableFlag{
			Disabled: true,
			Reason:   "manual override",
			Since:    l.now(),
		}
		changed = true
	}

	l.mu.Unlock()

	if !changed {
		return
	}
	if enabled {
		l.publish(notify.Notification{
			Kind:    notify.KindServiceRestored,
			Service: service,
			Message: fmt.Sprintf("%s re-enabled by manual override", service),
		})
	}
	l.flushAsync()
}

// Stats returns a point-in-time reporting snapshot.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		PeriodStart: l.periodStart,
		Services:    make(map[string]ServiceStats, len(l.entries)),
		TotalLimit:  l.policy.Total,
	}

	for name, e := range l.entries {
		s := ServiceStats{
			Requests:    e.Requests,
			Errors:      e.Errors,
			UsageAmount: e.UsageAmount,
			Cost:        e.Cost,
			BudgetLimit: l.policy.PerService[name],
		}
		if e.Requests > 0 {
			s.SuccessRate = float64(e.Requests-e.Errors) / float64(e.Requests)
			s.AvgCostPerRequest = e.Cost / float64(e.Requests)
		}
		if s.BudgetLimit > 0 {
			s.BudgetUsedPercent = e.Cost / s.BudgetLimit * 100
		}
		if flag, ok := l.disabled[name]; ok {
			s.Disabled = flag.Disabled
			s.DisabledReason = flag.Reason
		}
		stats.Services[name] = s
		stats.TotalCost += e.Cost
	}

	if l.policy.Total > 0 {
		stats.TotalUsedPercent = stats.TotalCost / l.policy.Total * 100
	}

	return stats
}

// Snapshot returns a copy of the persistable ledger state.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		PeriodStart: l.periodStart,
		UpdatedAt:   l.now(),
		Entries:     make(map[string]UsageEntry, len(l.entries)),
		Disabled:    make(map[string]DisableFlag, len(l.disabled)),
	}
	for name, e := range l.entries {
		snap.Entries[name] = *e
	}
	for name, f := range l.disabled {
		snap.Disabled[name] = f
	}
	if l.AvailabilitySource != nil {
		snap.Availability = l.AvailabilitySource()
	}
	return snap
}

// ResetPeriod closes the current period: counters are archived and zeroed,
// disable flags cleared, and monthly_reset published. The caller (the
// scheduler) appends the returned archive to the history sink.
func (l *Ledger) ResetPeriod() *Archive {
	l.mu.Lock()

	now := l.now()
	arc := &Archive{
		Period:      l.periodStart.Format("2006-01"),
		PeriodStart: l.periodStart,
		PeriodEnd:   now,
		Entries:     make(map[string]UsageEntry, len(l.entries)),
		ArchivedAt:  now,
	}
	for name, e := range l.entries {
		arc.Entries[name] = *e
	}

	l.entries = make(map[string]*UsageEntry)
	l.disabled = make(map[string]DisableFlag)
	l.periodStart = monthStart(now)

	l.mu.Unlock()

	l.publish(notify.Notification{
		Kind:    notify.KindMonthlyReset,
		Message: fmt.Sprintf("period %s archived, counters reset", arc.Period),
		Payload: map[string]interface{}{"period": arc.Period},
	})
	l.flushAsync()

	return arc
}

// Flush writes the current snapshot to the store synchronously.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	return l.store.WriteSnapshot(ctx, l.Snapshot())
}

// flushAsync persists the snapshot in the background. Failures are logged,
// never surfaced: the 5-minute ticker retries.
func (l *Ledger) flushAsync() {
	if l.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.Flush(ctx); err != nil {
			l.log.Warn("", "snapshot flush failed", map[string]interface{}{
				"error": err.Error(),
			})
			if l.OnFlushError != nil {
				l.OnFlushError(err)
			}
		}
	}()
}

func (l *Ledger) publish(n notify.Notification) {
	if l.bus == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = l.now()
	}
	l.bus.Publish(n)
}

// monthStart returns midnight UTC on the first of t's month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
