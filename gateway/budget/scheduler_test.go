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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joevis/companion/gateway/notify"
)

func TestNextMonthStart(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		expected time.Time
	}{
		{
			name:     "mid month",
			now:      time.Date(2025, 7, 15, 9, 30, 0, 0, time.UTC),
			expected: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "last instant of month",
			now:      time.Date(2025, 7, 31, 23, 59, 59, 0, time.UTC),
			expected: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "december wraps the year",
			now:      time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "first of month advances to next",
			now:      time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.expected.Equal(nextMonthStart(tt.now)))
		})
	}
}

func TestScheduler_RunReset_ArchivesAndZeroes(t *testing.T) {
	store := NewMemoryStore()
	rec := &recorder{}
	bus := notify.NewBus()
	bus.Subscribe(rec.record)

	ledger := NewLedger(testConfig(), bus, store)
	ledger.now = func() time.Time {
		return time.Date(2025, 7, 31, 23, 59, 59, 0, time.UTC)
	}
	ledger.periodStart = monthStart(ledger.now())

	ledger.TrackUsage("openai", 3000, 55, true)
	require.True(t, ledger.IsDisabled("openai"))

	sched := NewScheduler(ledger, store, time.Hour)
	sched.runReset()

	// Archive landed in the history sink
	archives := store.Archives()
	require.Len(t, archives, 1)
	assert.Equal(t, "2025-07", archives[0].Period)
	assert.InDelta(t, 55, archives[0].Entries["openai"].Cost, 1e-9)

	// Ledger zeroed and re-enabled
	assert.Empty(t, ledger.Stats().Services)
	assert.False(t, ledger.IsDisabled("openai"))
	assert.Len(t, rec.byKind(notify.KindMonthlyReset), 1)
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(testConfig(), nil, store)
	ledger.TrackUsage("openai", 100, 1, true)

	sched := NewScheduler(ledger, store, 10*time.Millisecond)
	sched.Start()
	time.Sleep(30 * time.Millisecond)
	sched.Stop()

	// The ticker (or the final flush on Stop) persisted the snapshot
	snap, err := store.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Entries["openai"].Requests)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	ledger := NewLedger(testConfig(), nil, nil)
	sched := NewScheduler(ledger, nil, time.Hour)
	sched.Start()
	sched.Stop()
	sched.Stop()
}
