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

// Package queue implements the durable, priority-ordered work queue
// described in spec §4.6: an in-memory admission gate mirrored to a
// persistent store, with a crash-recovery sweep on startup.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/store"
)

// ErrQueueFull is returned by Reserve and Enqueue once MaxSize pending
// entries are already counted (spec §4.6 "MAX_QUEUE bound").
var ErrQueueFull = errors.New("queue: queue is full")

// DefaultMaxSize is MAX_QUEUE's default (spec §6 Configuration table).
const DefaultMaxSize = 10000

// entryHeap orders pending entries by the spec §4.6 selection rule:
// priority desc, scheduled_at asc, entry_id asc.
type entryHeap []*model.QueueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].EntryID < h[j].EntryID
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*model.QueueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the in-process priority queue mirrored to a store.QueueStore.
// The heap only ever holds pending entries; once claimed, an entry leaves
// the heap and its lifecycle is tracked solely in the durable store until
// it is released back to pending.
type Queue struct {
	mu      sync.Mutex
	pending entryHeap
	inFlightPlusPending int
	maxSize int
	backing store.QueueStore
}

// New creates a Queue backed by backing. maxSize <= 0 uses DefaultMaxSize.
func New(backing store.QueueStore, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue{backing: backing, maxSize: maxSize}
	heap.Init(&q.pending)
	return q
}

// Recover resets any entry left in processing (from a crashed prior
// instance) back to pending in the store, then sets the admission count
// to the store's pending+processing total. It does not load stored entries
// into the in-memory heap: they stay in the store, where ClaimDurable
// finds them, and Claim does not see them.
func (q *Queue) Recover(ctx context.Context, now time.Time) error {
	n, err := q.backing.ReclaimStale(ctx, now)
	if err != nil {
		return fmt.Errorf("queue: reclaim stale entries on recovery: %w", err)
	}
	_ = n // the reclaimed count is not reported

	size, err := q.backing.Size(ctx)
	if err != nil {
		return fmt.Errorf("queue: size on recovery: %w", err)
	}

	q.mu.Lock()
	q.inFlightPlusPending = size
	q.mu.Unlock()
	return nil
}

// Reserve atomically checks the MAX_QUEUE bound and, if there is room,
// counts a slot against it. Callers that persist an entry themselves (e.g.
// inside the same transaction that inserts its event row) must call
// Reserve before that write so a full queue is rejected before anything is
// committed, not after (spec §4.6 admission gate). A failed write must be
// paired with Unreserve.
func (q *Queue) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlightPlusPending >= q.maxSize {
		return ErrQueueFull
	}
	q.inFlightPlusPending++
	return nil
}

// Unreserve releases a slot obtained from Reserve whose entry was never
// admitted because the caller's own persistence failed.
func (q *Queue) Unreserve() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlightPlusPending--
	if q.inFlightPlusPending < 0 {
		q.inFlightPlusPending = 0
	}
}

// Admit pushes an already-reserved, already-persisted entry into the
// in-memory priority heap. It performs no store I/O; the entry must already
// exist durably (written by the caller, or by Enqueue) and its slot must
// already have been counted by Reserve.
func (q *Queue) Admit(entry *model.QueueEntry) {
	q.mu.Lock()
	entry.Status = model.QueuePending
	heap.Push(&q.pending, entry)
	q.mu.Unlock()
}

// Enqueue reserves a slot, persists entry to the backing store, and admits
// it into the in-memory priority heap. Use this when the caller has no
// other transaction already writing the entry (e.g. admin replay); when an
// entry is persisted as part of a larger transaction, call Reserve/Admit
// directly instead so the entry is written exactly once.
func (q *Queue) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	if err := q.Reserve(); err != nil {
		return err
	}

	entry.Status = model.QueuePending
	if err := q.backing.Enqueue(ctx, entry); err != nil {
		q.Unreserve()
		return fmt.Errorf("queue: persist entry: %w", err)
	}

	q.Admit(entry)
	return nil
}

// Claim removes the highest-priority eligible entry from the in-memory heap
// and marks it processing on the entry itself; it writes nothing to the
// backing store. Callers that need a multi-replica-safe claim (the worker
// pool) should instead call ClaimDurable, which goes straight to the
// store's atomic selection.
func (q *Queue) Claim(now time.Time) (*model.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, e := range q.pending {
		if e.Eligible(now) && (best < 0 || q.pending.Less(i, best)) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	candidate := heap.Remove(&q.pending, best).(*model.QueueEntry)
	candidate.Status = model.QueueProcessing
	return candidate, true
}

// ClaimDurable asks the backing store directly for the next eligible
// entry, bypassing the in-memory heap. This is what worker pool
// goroutines use in steady state since it is safe across replicas; the
// in-memory count keeps Enqueue's admission check and Size cheap without a
// round trip for every webhook delivery. A claimed entry leaves that count.
func (q *Queue) ClaimDurable(ctx context.Context, now time.Time) (*model.QueueEntry, error) {
	entry, err := q.backing.ClaimNext(ctx, now)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.inFlightPlusPending--
	if q.inFlightPlusPending < 0 {
		q.inFlightPlusPending = 0
	}
	q.mu.Unlock()
	return entry, nil
}

// Complete marks entryID completed in the backing store.
func (q *Queue) Complete(ctx context.Context, entryID string, now time.Time) error {
	return q.backing.Complete(ctx, entryID, now)
}

// Release returns entryID to pending (or dead-letters it if retries are
// exhausted) and re-admits it into the in-memory heap when it remains
// retryable.
func (q *Queue) Release(ctx context.Context, entry *model.QueueEntry, nextAttempt time.Time, lastErr string) error {
	if err := q.backing.Release(ctx, entry.EntryID, nextAttempt, lastErr); err != nil {
		return err
	}
	if entry.RetryCount+1 > entry.MaxRetries {
		return nil
	}

	retried := *entry
	retried.RetryCount++
	retried.ScheduledAt = nextAttempt
	retried.Status = model.QueuePending
	retried.LastError = lastErr

	q.mu.Lock()
	heap.Push(&q.pending, &retried)
	q.inFlightPlusPending++
	q.mu.Unlock()
	return nil
}

// Dead dead-letters entryID without offering it for retry.
func (q *Queue) Dead(ctx context.Context, entryID, lastErr string) error {
	return q.backing.Dead(ctx, entryID, lastErr)
}

// Size returns the number of entries this instance currently counts as
// pending: reserved or re-admitted entries, less those claimed through
// ClaimDurable. Processing entries are not included. Used by the /health
// endpoint (spec §7).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlightPlusPending
}
