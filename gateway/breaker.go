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
	"fmt"
	"sync"
	"time"

	"joevis/companion/gateway/budget"
	"joevis/companion/gateway/notify"
	"joevis/companion/shared/logger"
)

const (
	// DefaultErrorThreshold is the consecutive-error count that opens a
	// breaker.
	DefaultErrorThreshold = 3

	// DefaultCooldown is how long an open breaker stays open before the
	// next availability check closes it.
	DefaultCooldown = 5 * time.Minute
)

// BreakerState is one provider's circuit state.
type BreakerState struct {
	Available         bool      `json:"available"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	CooldownExpiresAt time.Time `json:"cooldown_expires_at,omitempty"`
}

// BreakerRegistry holds a per-provider circuit breaker. Breakers open after
// a run of consecutive errors and close lazily: there is no background
// timer, the first availability check past the cooldown performs the close
// and announces the restoration.
type BreakerRegistry struct {
	mu        sync.Mutex
	states    map[string]*BreakerState
	threshold int
	cooldown  time.Duration
	bus       *notify.Bus
	log       *logger.Logger
	now       func() time.Time
}

// NewBreakerRegistry creates a registry. Zero threshold or cooldown select
// the defaults. bus may be nil.
func NewBreakerRegistry(threshold int, cooldown time.Duration, bus *notify.Bus) *BreakerRegistry {
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &BreakerRegistry{
		states:    make(map[string]*BreakerState),
		threshold: threshold,
		cooldown:  cooldown,
		bus:       bus,
		log:       logger.New("breaker"),
		now:       time.Now,
	}
}

// state returns the live state for name, creating a closed breaker when
// first seen. Caller holds the lock.
func (r *BreakerRegistry) state(name string) *BreakerState {
	s, ok := r.states[name]
	if !ok {
		s = &BreakerState{Available: true}
		r.states[name] = s
	}
	return s
}

// RecordFailure counts one failed call. The breaker opens when the
// consecutive-error run reaches the threshold.
func (r *BreakerRegistry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(name)
	s.ConsecutiveErrors++
	if err != nil {
		s.LastError = err.Error()
	}
	s.LastErrorAt = r.now()

	if s.Available && s.ConsecutiveErrors >= r.threshold {
		s.Available = false
		s.CooldownExpiresAt = r.now().Add(r.cooldown)
		r.log.Warn("", "breaker opened", map[string]interface{}{
			"provider":           name,
			"consecutive_errors": s.ConsecutiveErrors,
			"cooldown_until":     s.CooldownExpiresAt,
		})
	}
}

// RecordSuccess resets the consecutive-error run and closes the breaker.
func (r *BreakerRegistry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(name)
	s.ConsecutiveErrors = 0
	s.Available = true
	s.CooldownExpiresAt = time.Time{}
}

// Available reports whether the provider's breaker is closed. An open
// breaker whose cooldown has expired is closed here, and the restoration is
// published on the bus.
func (r *BreakerRegistry) Available(name string) bool {
	r.mu.Lock()
	s := r.state(name)

	if s.Available {
		r.mu.Unlock()
		return true
	}
	// A manual open carries no cooldown and never self-heals
	if s.CooldownExpiresAt.IsZero() || r.now().Before(s.CooldownExpiresAt) {
		r.mu.Unlock()
		return false
	}

	// Cooldown expired: close and announce
	s.Available = true
	s.ConsecutiveErrors = 0
	s.CooldownExpiresAt = time.Time{}
	r.mu.Unlock()

	r.log.Info("", "breaker closed after cooldown", map[string]interface{}{
		"provider": name,
	})
	if r.bus != nil {
		r.bus.Publish(notify.Notification{
			Kind:    notify.KindServiceRestored,
			Service: name,
			Message: fmt.Sprintf("%s restored after cooldown", name),
		})
	}
	return true
}

// SetAvailable is the manual override. Idempotent: forcing the current
// state is a no-op. Forcing open sets no cooldown; only another override or
// a recorded success closes it again.
func (r *BreakerRegistry) SetAvailable(name string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state(name)
	if s.Available == available {
		return
	}
	s.Available = available
	s.ConsecutiveErrors = 0
	s.CooldownExpiresAt = time.Time{}
	if !available {
		s.LastError = "manual override"
		s.LastErrorAt = r.now()
	}
}

// State returns a copy of one provider's breaker state.
func (r *BreakerRegistry) State(name string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.state(name)
}

// States returns a copy of every registered breaker state.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.states))
	for name, s := range r.states {
		out[name] = *s
	}
	return out
}

// Export returns the persistable form of every breaker, for the ledger's
// snapshot.
func (r *BreakerRegistry) Export() map[string]budget.BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]budget.BreakerSnapshot, len(r.states))
	for name, s := range r.states {
		out[name] = budget.BreakerSnapshot{
			Available:         s.Available,
			ConsecutiveErrors: s.ConsecutiveErrors,
			LastError:         s.LastError,
			LastErrorAt:       s.LastErrorAt,
			CooldownExpiresAt: s.CooldownExpiresAt,
		}
	}
	return out
}

// Restore seeds the registry from a persisted snapshot. Providers already
// seen live keep their current state. A restored open breaker whose
// cooldown has since expired closes on the next availability check and
// announces the restoration as usual.
func (r *BreakerRegistry) Restore(states map[string]budget.BreakerSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range states {
		if _, ok := r.states[name]; ok {
			continue
		}
		r.states[name] = &BreakerState{
			Available:         s.Available,
			ConsecutiveErrors: s.ConsecutiveErrors,
			LastError:         s.LastError,
			LastErrorAt:       s.LastErrorAt,
			CooldownExpiresAt: s.CooldownExpiresAt,
		}
	}
}
