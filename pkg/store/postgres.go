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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/hooksmith/pipeline/pkg/model"
)

// uniqueViolationCode is the Postgres SQLSTATE for a unique_violation.
const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation raised by the pgx driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

// requireOneRow converts a zero-rows-affected UPDATE into ErrConflict, the
// pattern every CAS-style transition in this package relies on.
func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// EventRepository is the Postgres-backed EventStore, mirroring the
// one-repository-per-aggregate layout kubernaut's datastorage/repository
// package follows.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository wraps an already-open *sqlx.DB, expected to have been
// opened with the "pgx" driver (see Open in open.go).
func NewEventRepository(db *sqlx.DB) *EventRepository { return &EventRepository{db: db} }

var _ EventStore = (*EventRepository)(nil)

func (r *EventRepository) FindByID(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	err := r.db.GetContext(ctx, &ev, `SELECT * FROM events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find event by id: %w", err)
	}
	return &ev, nil
}

func (r *EventRepository) FindBySemanticWindow(ctx context.Context, semanticKey, rawBytesHash string, window time.Duration, now time.Time) (*model.Event, error) {
	var ev model.Event
	err := r.db.GetContext(ctx, &ev, `
		SELECT * FROM events
		WHERE semantic_key = $1 AND raw_bytes_hash = $2 AND received_at >= $3
		ORDER BY received_at DESC
		LIMIT 1`,
		semanticKey, rawBytesHash, now.Add(-window))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find event by semantic window: %w", err)
	}
	return &ev, nil
}

func (r *EventRepository) InsertWithQueueEntry(ctx context.Context, ev *model.Event, entry *model.QueueEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, provider, type, action, received_at, payload, raw_bytes_hash, semantic_key, status, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.Provider, ev.Type, ev.Action, ev.ReceivedAt, ev.Payload, ev.RawBytesHash, ev.SemanticKey, ev.Status, ev.RetryCount, ev.LastError)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (entry_id, event_id, priority, scheduled_at, status, retry_count, max_retries, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EntryID, entry.EventID, entry.Priority, entry.ScheduledAt, entry.Status, entry.RetryCount, entry.MaxRetries, entry.LastError)
	if err != nil {
		return fmt.Errorf("store: insert queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit event+queue-entry tx: %w", err)
	}
	return nil
}

// UpdateStatus writes status unless the event has already reached
// processed, which spec §3 defines as terminal: once processed, an event
// never transitions away from it. The WHERE clause enforces this as a
// guard rather than relying on callers to serialize against it, so a
// zero-rows-affected result here means the event was already processed,
// not a conflict to surface to the caller.
func (r *EventRepository) UpdateStatus(ctx context.Context, eventID string, status model.EventStatus, retryCount uint16, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE events SET status = $1, retry_count = $2, last_error = $3
		WHERE id = $4 AND status <> $5`,
		status, retryCount, lastErr, eventID, model.EventProcessed)
	if err != nil {
		return fmt.Errorf("store: update event status: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store: update event status rows affected: %w", err)
	}
	return nil
}

func (r *EventRepository) Get(ctx context.Context, id string) (*model.Event, error) {
	ev, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrNotFound
	}
	return ev, nil
}

// Ping verifies the database connection is reachable.
func (r *EventRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// QueueRepository is the Postgres-backed QueueStore.
type QueueRepository struct {
	db *sqlx.DB
}

func NewQueueRepository(db *sqlx.DB) *QueueRepository { return &QueueRepository{db: db} }

var _ QueueStore = (*QueueRepository)(nil)

func (r *QueueRepository) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_entries (entry_id, event_id, priority, scheduled_at, status, retry_count, max_retries, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EntryID, entry.EventID, entry.Priority, entry.ScheduledAt, entry.Status, entry.RetryCount, entry.MaxRetries, entry.LastError)
	if err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

// ClaimNext implements the selection rule of spec §4.6 step 1 (priority
// desc, scheduled_at asc, entry_id asc) as a single UPDATE ... RETURNING so
// the claim is atomic across replicas racing for the same row.
func (r *QueueRepository) ClaimNext(ctx context.Context, now time.Time) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := r.db.GetContext(ctx, &entry, `
		UPDATE queue_entries SET status = $1, started_at = $2
		WHERE entry_id = (
			SELECT entry_id FROM queue_entries
			WHERE status = $3 AND scheduled_at <= $2
			ORDER BY priority DESC, scheduled_at ASC, entry_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		model.QueueProcessing, now, model.QueuePending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim next queue entry: %w", err)
	}
	return &entry, nil
}

func (r *QueueRepository) Complete(ctx context.Context, entryID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = $1, completed_at = $2 WHERE entry_id = $3`,
		model.QueueCompleted, now, entryID)
	if err != nil {
		return fmt.Errorf("store: complete queue entry: %w", err)
	}
	return requireOneRow(res, "complete queue entry")
}

func (r *QueueRepository) Release(ctx context.Context, entryID string, nextAttempt time.Time, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = CASE WHEN retry_count + 1 > max_retries THEN $1 ELSE $2 END,
		    retry_count = retry_count + 1,
		    scheduled_at = $3,
		    last_error = $4,
		    started_at = NULL
		WHERE entry_id = $5`,
		model.QueueDead, model.QueuePending, nextAttempt, lastErr, entryID)
	if err != nil {
		return fmt.Errorf("store: release queue entry: %w", err)
	}
	return requireOneRow(res, "release queue entry")
}

func (r *QueueRepository) Dead(ctx context.Context, entryID string, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = $1, last_error = $2 WHERE entry_id = $3`,
		model.QueueDead, lastErr, entryID)
	if err != nil {
		return fmt.Errorf("store: dead-letter queue entry: %w", err)
	}
	return requireOneRow(res, "dead-letter queue entry")
}

func (r *QueueRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3`,
		model.QueuePending, model.QueueProcessing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale rows affected: %w", err)
	}
	return int(n), nil
}

func (r *QueueRepository) Size(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM queue_entries WHERE status IN ($1, $2)`,
		model.QueuePending, model.QueueProcessing)
	if err != nil {
		return 0, fmt.Errorf("store: queue size: %w", err)
	}
	return n, nil
}

// WorkflowRepository is the Postgres-backed WorkflowStore.
type WorkflowRepository struct {
	db *sqlx.DB
}

func NewWorkflowRepository(db *sqlx.DB) *WorkflowRepository { return &WorkflowRepository{db: db} }

var _ WorkflowStore = (*WorkflowRepository)(nil)

func (r *WorkflowRepository) Create(ctx context.Context, wf *model.Workflow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, type, status, created_at, updated_at, triggering_event_id, last_event_id, event_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wf.WorkflowID, wf.Type, wf.Status, wf.CreatedAt, wf.UpdatedAt, wf.TriggeringEventID, wf.LastEventID, wf.EventIDs)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: create workflow: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) Get(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var wf model.Workflow
	err := r.db.GetContext(ctx, &wf, `SELECT * FROM workflows WHERE workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow: %w", err)
	}
	return &wf, nil
}

func (r *WorkflowRepository) AppendEvent(ctx context.Context, workflowID, eventID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflows
		SET event_ids = array_append(event_ids, $1), last_event_id = $1, updated_at = $2
		WHERE workflow_id = $3`,
		eventID, at, workflowID)
	if err != nil {
		return fmt.Errorf("store: append event to workflow: %w", err)
	}
	return requireOneRow(res, "append event to workflow")
}

func (r *WorkflowRepository) Complete(ctx context.Context, workflowID, completingEventID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, completing_event_id = $2, completed_at = $3, updated_at = $3
		WHERE workflow_id = $4 AND status != $1`,
		model.WorkflowCompleted, completingEventID, at, workflowID)
	if err != nil {
		return fmt.Errorf("store: complete workflow: %w", err)
	}
	// Already-completed is idempotent (spec §3 monotonic transition), so
	// zero rows affected here is not an error.
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store: complete workflow rows affected: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) ActiveByIdentifier(ctx context.Context, kind model.IdentifierKind, value string) (*model.Workflow, error) {
	var wf model.Workflow
	err := r.db.GetContext(ctx, &wf, `
		SELECT w.* FROM workflows w
		JOIN correlation_index c ON c.workflow_id = w.workflow_id
		WHERE c.kind = $1 AND c.value = $2 AND w.status = $3
		ORDER BY w.updated_at DESC
		LIMIT 1`,
		kind, value, model.WorkflowActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: active workflow by identifier: %w", err)
	}
	return &wf, nil
}

// CorrelationRepository is the Postgres-backed CorrelationStore.
type CorrelationRepository struct {
	db *sqlx.DB
}

func NewCorrelationRepository(db *sqlx.DB) *CorrelationRepository {
	return &CorrelationRepository{db: db}
}

var _ CorrelationStore = (*CorrelationRepository)(nil)

func (r *CorrelationRepository) Record(ctx context.Context, t model.CorrelationTuple) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO correlation_index (kind, value, workflow_id, event_id, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		t.Kind, t.Value, t.WorkflowID, t.EventID, t.Timestamp)
	if err != nil {
		return fmt.Errorf("store: record correlation tuple: %w", err)
	}
	return nil
}

func (r *CorrelationRepository) ByIdentifier(ctx context.Context, kind model.IdentifierKind, value string) ([]model.CorrelationTuple, error) {
	var tuples []model.CorrelationTuple
	err := r.db.SelectContext(ctx, &tuples, `
		SELECT * FROM correlation_index WHERE kind = $1 AND value = $2 ORDER BY ts DESC`,
		kind, value)
	if err != nil {
		return nil, fmt.Errorf("store: correlation tuples by identifier: %w", err)
	}
	return tuples, nil
}
