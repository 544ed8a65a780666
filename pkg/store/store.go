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

// Package store defines the persistence interfaces used by every stage of
// the pipeline and a Postgres-backed implementation of them (spec §4.5,
// §4.6, §4.8).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
)

// ErrNotFound is returned when a lookup by primary key finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a CAS-style update's WHERE clause matched no
// rows, meaning the row had already moved to a different state.
var ErrConflict = errors.New("store: conflicting state transition")

// EventStore persists canonical Event records and answers the
// deduplication lookups described in spec §4.4.
type EventStore interface {
	dedupChecker

	// InsertWithQueueEntry persists ev and enqueues entry in a single
	// transaction (spec §4.5: "insert(event) and enqueue(initial queue
	// entry) happen in the same transaction"). If ev's ID or its
	// (semantic_key, raw_bytes_hash) pair already exists, it returns
	// ErrConflict and performs no writes.
	InsertWithQueueEntry(ctx context.Context, ev *model.Event, entry *model.QueueEntry) error

	// UpdateStatus moves ev.ID to status, optionally bumping retry_count
	// and recording lastErr.
	UpdateStatus(ctx context.Context, eventID string, status model.EventStatus, retryCount uint16, lastErr string) error

	// Get returns the event with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Event, error)

	// Ping verifies connectivity to the backing store, used by the
	// /health endpoint to report store: ok|degraded (spec §6).
	Ping(ctx context.Context) error
}

// dedupChecker is split out so pkg/dedup can depend on the narrow surface
// it actually needs without importing the rest of EventStore.
type dedupChecker interface {
	FindByID(ctx context.Context, id string) (*model.Event, error)
	FindBySemanticWindow(ctx context.Context, semanticKey, rawBytesHash string, window time.Duration, now time.Time) (*model.Event, error)
}

// QueueStore is the durable mirror behind the in-memory PriorityQueue
// (spec §4.6).
type QueueStore interface {
	// Enqueue inserts a new pending entry.
	Enqueue(ctx context.Context, entry *model.QueueEntry) error

	// ClaimNext selects the highest-priority eligible pending entry
	// (priority desc, scheduled_at asc, entry_id asc) and atomically
	// moves it to processing, returning it. Returns ErrNotFound if no
	// entry is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*model.QueueEntry, error)

	// Complete marks entryID completed.
	Complete(ctx context.Context, entryID string, now time.Time) error

	// Release moves entryID back to pending (a failed attempt that may
	// be retried), bumping retry_count, scheduling the next attempt at
	// nextAttempt and recording lastErr. If the entry has exhausted its
	// retries it is moved to dead instead.
	Release(ctx context.Context, entryID string, nextAttempt time.Time, lastErr string) error

	// Dead moves entryID straight to dead (non-retryable failure).
	Dead(ctx context.Context, entryID string, lastErr string) error

	// ReclaimStale moves any entry stuck in processing past deadline
	// back to pending; used by the crash-recovery reload (spec §4.6
	// "on startup, reload... reset any processing entries back to
	// pending") and by the periodic reaper (spec SPEC_FULL.md reaper).
	// Returns the number of entries reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)

	// Size returns the count of pending+processing entries, used by the
	// MAX_QUEUE admission check and the /health endpoint.
	Size(ctx context.Context) (int, error)
}

// WorkflowStore persists Workflow aggregates (spec §4.8).
type WorkflowStore interface {
	// Create inserts a brand-new workflow.
	Create(ctx context.Context, wf *model.Workflow) error

	// Get returns the workflow with id, or ErrNotFound.
	Get(ctx context.Context, workflowID string) (*model.Workflow, error)

	// AppendEvent atomically appends eventID to workflowID's history and
	// advances last_event_id/updated_at. A per-workflow mutex in
	// pkg/correlation serializes callers within one process. The UPDATE
	// matches on workflow_id only, so callers on different replicas are
	// not serialized against each other.
	AppendEvent(ctx context.Context, workflowID, eventID string, at time.Time) error

	// Complete transitions workflowID to completed.
	Complete(ctx context.Context, workflowID, completingEventID string, at time.Time) error

	// ActiveByIdentifier returns the most recently updated active
	// workflow observed against (kind, value), or ErrNotFound (spec §4.8
	// association rule: "most-recent active workflow containing a
	// matching identifier").
	ActiveByIdentifier(ctx context.Context, kind model.IdentifierKind, value string) (*model.Workflow, error)
}

// CorrelationStore persists the CorrelationIndex multimap backing
// WorkflowStore.ActiveByIdentifier (spec §3, §4.8).
type CorrelationStore interface {
	// Record appends one (identifier, workflow, event, ts) tuple.
	Record(ctx context.Context, t model.CorrelationTuple) error

	// ByIdentifier returns all tuples recorded against (kind, value),
	// most recent first.
	ByIdentifier(ctx context.Context, kind model.IdentifierKind, value string) ([]model.CorrelationTuple, error)
}
