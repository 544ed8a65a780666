// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/store"
)

type fakeBackingStore struct {
	entries map[string]*model.QueueEntry
}

func newFakeBackingStore() *fakeBackingStore {
	return &fakeBackingStore{entries: map[string]*model.QueueEntry{}}
}

func (f *fakeBackingStore) Enqueue(_ context.Context, e *model.QueueEntry) error {
	f.entries[e.EntryID] = e
	return nil
}

func (f *fakeBackingStore) ClaimNext(_ context.Context, now time.Time) (*model.QueueEntry, error) {
	var best *model.QueueEntry
	for _, e := range f.entries {
		if !e.Eligible(now) {
			continue
		}
		if best == nil || e.Priority > best.Priority || (e.Priority == best.Priority && e.ScheduledAt.Before(best.ScheduledAt)) {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	best.Status = model.QueueProcessing
	return best, nil
}

func (f *fakeBackingStore) Complete(_ context.Context, entryID string, _ time.Time) error {
	f.entries[entryID].Status = model.QueueCompleted
	return nil
}

func (f *fakeBackingStore) Release(_ context.Context, entryID string, nextAttempt time.Time, lastErr string) error {
	e := f.entries[entryID]
	e.RetryCount++
	if e.RetryCount > e.MaxRetries {
		e.Status = model.QueueDead
	} else {
		e.Status = model.QueuePending
	}
	e.ScheduledAt = nextAttempt
	e.LastError = lastErr
	return nil
}

func (f *fakeBackingStore) Dead(_ context.Context, entryID, lastErr string) error {
	f.entries[entryID].Status = model.QueueDead
	f.entries[entryID].LastError = lastErr
	return nil
}

func (f *fakeBackingStore) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	n := 0
	for _, e := range f.entries {
		if e.Status == model.QueueProcessing && e.StartedAt != nil && e.StartedAt.Before(olderThan) {
			e.Status = model.QueuePending
			n++
		}
	}
	return n, nil
}

func (f *fakeBackingStore) Size(_ context.Context) (int, error) {
	n := 0
	for _, e := range f.entries {
		if e.Status == model.QueuePending || e.Status == model.QueueProcessing {
			n++
		}
	}
	return n, nil
}

func TestQueue_Enqueue_RefusesOverMaxSize(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 1)

	if err := q.Enqueue(context.Background(), &model.QueueEntry{EntryID: "e1", Priority: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := q.Enqueue(context.Background(), &model.QueueEntry{EntryID: "e2", Priority: 5})
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_Claim_OrdersByPriorityThenScheduledAt(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 10)
	now := time.Now()

	low := &model.QueueEntry{EntryID: "low", Priority: 1, ScheduledAt: now.Add(-time.Minute)}
	high := &model.QueueEntry{EntryID: "high", Priority: 9, ScheduledAt: now}
	if err := q.Enqueue(context.Background(), low); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), high); err != nil {
		t.Fatal(err)
	}

	claimed, ok := q.Claim(now.Add(time.Second))
	if !ok {
		t.Fatalf("expected a claimable entry")
	}
	if claimed.EntryID != "high" {
		t.Fatalf("expected high-priority entry claimed first, got %q", claimed.EntryID)
	}
}

func TestQueue_Claim_SkipsNotYetScheduled(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 10)
	now := time.Now()

	future := &model.QueueEntry{EntryID: "future", Priority: 9, ScheduledAt: now.Add(time.Hour)}
	if err := q.Enqueue(context.Background(), future); err != nil {
		t.Fatal(err)
	}

	_, ok := q.Claim(now)
	if ok {
		t.Fatalf("future-scheduled entry should not be claimable yet")
	}
}

func TestQueue_Release_ReadmitsRetryableEntry(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 10)
	now := time.Now()

	entry := &model.QueueEntry{EntryID: "e1", Priority: 5, MaxRetries: 3, ScheduledAt: now}
	if err := q.Enqueue(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.Claim(now)

	if err := q.Release(context.Background(), claimed, now.Add(time.Minute), "timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, ok := q.Claim(now.Add(time.Minute))
	if !ok {
		t.Fatalf("expected entry readmitted for retry")
	}
}

func TestQueue_ReserveAdmit_DoesNotPersistToBackingStore(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 10)
	entry := &model.QueueEntry{EntryID: "e1", Priority: 5}

	if err := q.Reserve(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q.Admit(entry)

	if _, ok := backing.entries["e1"]; ok {
		t.Fatalf("Admit must not persist the entry; that is the caller's job (it already wrote it transactionally)")
	}
	if q.Size() != 1 {
		t.Fatalf("expected reserved entry counted in Size, got %d", q.Size())
	}
	claimed, ok := q.Claim(time.Now())
	if !ok || claimed.EntryID != "e1" {
		t.Fatalf("expected Admit to push the entry into the in-memory heap")
	}
}

func TestQueue_Unreserve_ReleasesSlotOnFailedPersist(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	q := New(backing, 1)

	if err := q.Reserve(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q.Unreserve()

	if err := q.Reserve(); err != nil {
		t.Fatalf("expected the released slot to be reusable, got %v", err)
	}
}

func TestQueue_Enqueue_RollsBackReservationOnPersistFailure(t *testing.T) {
	t.Parallel()

	backing := &failingBackingStore{fakeBackingStore: newFakeBackingStore()}
	q := New(backing, 1)

	if err := q.Enqueue(context.Background(), &model.QueueEntry{EntryID: "e1"}); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	if err := q.Reserve(); err != nil {
		t.Fatalf("expected the rolled-back slot to be reusable, got %v", err)
	}
}

type failingBackingStore struct {
	*fakeBackingStore
}

func (f *failingBackingStore) Enqueue(context.Context, *model.QueueEntry) error {
	return errors.New("backing store unavailable")
}

func TestQueue_Recover_ResetsProcessingToPending(t *testing.T) {
	t.Parallel()

	backing := newFakeBackingStore()
	started := time.Now().Add(-time.Hour)
	backing.entries["stuck"] = &model.QueueEntry{EntryID: "stuck", Status: model.QueueProcessing, StartedAt: &started}

	q := New(backing, 10)
	if err := q.Recover(context.Background(), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backing.entries["stuck"].Status != model.QueuePending {
		t.Fatalf("expected stuck entry reset to pending, got %q", backing.entries["stuck"].Status)
	}
}
