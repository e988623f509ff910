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
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		PeriodStart: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 7, 15, 9, 30, 0, 0, time.UTC),
		Entries: map[string]UsageEntry{
			"openai":    {Requests: 42, Errors: 3, UsageAmount: 9000, Cost: 12.75},
			"anthropic": {Requests: 7, Errors: 0, UsageAmount: 1500, Cost: 2.1},
		},
		Disabled: map[string]DisableFlag{
			"gemini": {Disabled: true, Reason: "manual override"},
		},
	}
}

func TestMemoryStore_EmptyReadsErrNoSnapshot(t *testing.T) {
	store := NewMemoryStore()

	snap, err := store.ReadSnapshot(context.Background())
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	want := sampleSnapshot()

	require.NoError(t, store.WriteSnapshot(context.Background(), want))

	got, err := store.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.Entries, got.Entries)
	assert.Equal(t, want.Disabled, got.Disabled)
	assert.True(t, want.PeriodStart.Equal(got.PeriodStart))
}

func TestMemoryStore_WriteCopies(t *testing.T) {
	store := NewMemoryStore()
	snap := sampleSnapshot()

	require.NoError(t, store.WriteSnapshot(context.Background(), snap))

	// Mutating the caller's snapshot must not affect the stored copy
	snap.Entries["openai"] = UsageEntry{Requests: 9999}

	got, err := store.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Entries["openai"].Requests)
}

func TestMemoryStore_Archives(t *testing.T) {
	store := NewMemoryStore()

	arc := &Archive{
		Period:  "2025-06",
		Entries: map[string]UsageEntry{"openai": {Requests: 10, Cost: 4}},
	}
	require.NoError(t, store.AppendArchive(context.Background(), arc))
	require.NoError(t, store.AppendArchive(context.Background(), &Archive{Period: "2025-07"}))

	archives := store.Archives()
	require.Len(t, archives, 2)
	assert.Equal(t, "2025-06", archives[0].Period)
	assert.Equal(t, "2025-07", archives[1].Period)
}
