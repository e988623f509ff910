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
	"errors"
	"sync"
)

// ErrNoSnapshot is returned by ReadSnapshot when no snapshot has been
// written yet. Callers treat it as a fresh start, never a failure.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotStore persists the current-period ledger state.
type SnapshotStore interface {
	ReadSnapshot(ctx context.Context) (*Snapshot, error)
	WriteSnapshot(ctx context.Context, snap *Snapshot) error
}

// HistorySink receives closed-period archives at each monthly reset.
type HistorySink interface {
	AppendArchive(ctx context.Context, arc *Archive) error
}

// MemoryStore is an in-memory SnapshotStore and HistorySink for tests and
// single-node development runs.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	archives []*Archive
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ReadSnapshot returns the stored snapshot, or ErrNoSnapshot.
func (s *MemoryStore) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	cp := cloneSnapshot(s.snapshot)
	return cp, nil
}

// WriteSnapshot stores a copy of the snapshot.
func (s *MemoryStore) WriteSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = cloneSnapshot(snap)
	return nil
}

// AppendArchive appends the archive to the in-memory history.
func (s *MemoryStore) AppendArchive(ctx context.Context, arc *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives = append(s.archives, arc)
	return nil
}

// Archives returns the archives appended so far.
func (s *MemoryStore) Archives() []*Archive {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Archive, len(s.archives))
	copy(out, s.archives)
	return out
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	cp := &Snapshot{
		PeriodStart: snap.PeriodStart,
		UpdatedAt:   snap.UpdatedAt,
		Entries:     make(map[string]UsageEntry, len(snap.Entries)),
		Disabled:    make(map[string]DisableFlag, len(snap.Disabled)),
	}
	for k, v := range snap.Entries {
		cp.Entries[k] = v
	}
	for k, v := range snap.Disabled {
		cp.Disabled[k] = v
	}
	if snap.Availability != nil {
		cp.Availability = make(map[string]BreakerSnapshot, len(snap.Availability))
		for k, v := range snap.Availability {
			cp.Availability[k] = v
		}
	}
	return cp
}
