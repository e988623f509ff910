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

// Package notify implements the in-process notification bus for budget and
// availability events. Dispatch is synchronous and sequential in
// subscription order; a panicking subscriber is recovered and logged and
// never blocks the remaining subscribers or the publisher.
package notify

import (
	"sync"
	"time"

	"joevis/companion/shared/logger"
)

// Notification kinds.
const (
	KindBudgetWarning   = "budget_warning"
	KindBudgetExceeded  = "budget_exceeded"
	KindServiceFailover = "service_failover"
	KindServiceRestored = "service_restored"
	KindMonthlyReset    = "monthly_reset"
)

// Notification is one event published on the bus.
type Notification struct {
	Kind      string                 `json:"kind"`
	Service   string                 `json:"service"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Subscriber receives published notifications.
type Subscriber func(Notification)

// Bus fans notifications out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	log         *logger.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		log: logger.New("notify-bus"),
	}
}

// Subscribe registers a subscriber. Subscribers cannot be removed; the set
// is fixed at wiring time.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish delivers the notification to every subscriber in subscription
// order. A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for i, fn := range subs {
		b.deliver(i, fn, n)
	}
}

func (b *Bus) deliver(index int, fn Subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("", "subscriber panicked", map[string]interface{}{
				"subscriber": index,
				"kind":       n.Kind,
				"service":    n.Service,
				"panic":      r,
			})
		}
	}()
	fn(n)
}
