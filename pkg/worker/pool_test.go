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

package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/dispatch"
	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/store"
)

type fakeQueueStore struct {
	mu      sync.Mutex
	entries map[string]*model.QueueEntry
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{entries: map[string]*model.QueueEntry{}}
}

func (f *fakeQueueStore) Enqueue(_ context.Context, e *model.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.EntryID] = e
	return nil
}

func (f *fakeQueueStore) ClaimNext(_ context.Context, now time.Time) (*model.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Eligible(now) {
			e.Status = model.QueueProcessing
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeQueueStore) Complete(_ context.Context, entryID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entryID].Status = model.QueueCompleted
	return nil
}

func (f *fakeQueueStore) Release(_ context.Context, entryID string, nextAttempt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeQueueStore) Dead(_ context.Context, entryID, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entryID].Status = model.QueueDead
	f.entries[entryID].LastError = lastErr
	return nil
}

func (f *fakeQueueStore) ReclaimStale(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (f *fakeQueueStore) Size(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string]*model.Event
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: map[string]*model.Event{}}
}

func (f *fakeEventStore) FindByID(_ context.Context, id string) (*model.Event, error) {
	return f.events[id], nil
}

func (f *fakeEventStore) FindBySemanticWindow(context.Context, string, string, time.Duration, time.Time) (*model.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) InsertWithQueueEntry(context.Context, *model.Event, *model.QueueEntry) error {
	return nil
}

func (f *fakeEventStore) UpdateStatus(_ context.Context, eventID string, status model.EventStatus, retryCount uint16, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.events[eventID]
	ev.Status = status
	ev.RetryCount = retryCount
	ev.LastError = lastErr
	return nil
}

func (f *fakeEventStore) Get(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

func (f *fakeEventStore) Ping(context.Context) error {
	return nil
}

func TestPool_Process_SuccessMarksCompleted(t *testing.T) {
	t.Parallel()

	qStore := newFakeQueueStore()
	evStore := newFakeEventStore()
	evStore.events["e1"] = &model.Event{ID: "e1", Status: model.EventReceived}
	q := queue.New(qStore, 10)
	entry := &model.QueueEntry{EntryID: "q1", EventID: "e1", Priority: 5, MaxRetries: 3, ScheduledAt: time.Now()}
	if err := q.Enqueue(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	called := false
	pool := New(Config{}, q, evStore, func(_ context.Context, ev *model.Event) error {
		called = true
		return nil
	})

	claimed, err := q.ClaimDurable(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pool.process(context.Background(), claimed)

	if !called {
		t.Fatal("expected handler to be called")
	}
	if qStore.entries["q1"].Status != model.QueueCompleted {
		t.Fatalf("expected entry completed, got %q", qStore.entries["q1"].Status)
	}
	if evStore.events["e1"].Status != model.EventProcessed {
		t.Fatalf("expected event processed, got %q", evStore.events["e1"].Status)
	}
}

func TestPool_Process_PermanentFailureDeadLetters(t *testing.T) {
	t.Parallel()

	qStore := newFakeQueueStore()
	evStore := newFakeEventStore()
	evStore.events["e1"] = &model.Event{ID: "e1", Status: model.EventReceived}
	q := queue.New(qStore, 10)
	entry := &model.QueueEntry{EntryID: "q1", EventID: "e1", Priority: 5, MaxRetries: 3, ScheduledAt: time.Now()}
	if err := q.Enqueue(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	pool := New(Config{}, q, evStore, func(_ context.Context, _ *model.Event) error {
		return &dispatch.StatusError{StatusCode: http.StatusUnauthorized}
	})

	claimed, err := q.ClaimDurable(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pool.process(context.Background(), claimed)

	if qStore.entries["q1"].Status != model.QueueDead {
		t.Fatalf("expected entry dead-lettered, got %q", qStore.entries["q1"].Status)
	}
}

func TestPool_Release_ServerErrorGetsRetryFloor(t *testing.T) {
	t.Parallel()

	qStore := newFakeQueueStore()
	evStore := newFakeEventStore()
	evStore.events["e1"] = &model.Event{ID: "e1", Status: model.EventReceived}
	q := queue.New(qStore, 10)
	entry := &model.QueueEntry{EntryID: "q1", EventID: "e1", Priority: 5, MaxRetries: 3, ScheduledAt: time.Now()}
	if err := q.Enqueue(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	pool := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}, q, evStore, nil)

	before := time.Now().UTC()
	claimed, err := q.ClaimDurable(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pool.release(context.Background(), claimed, &dispatch.StatusError{StatusCode: http.StatusServiceUnavailable})

	got := qStore.entries["q1"]
	if got.Status != model.QueuePending {
		t.Fatalf("expected entry pending for retry, got %q", got.Status)
	}
	if d := got.ScheduledAt.Sub(before); d < retryFloor {
		t.Fatalf("expected scheduled_at at least %s out (spec §4.7 RateLimited/ServerError floor), got %s", retryFloor, d)
	}
}
