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

package model

import "time"

// QueueEntryStatus is the lifecycle state of a QueueEntry.
type QueueEntryStatus string

const (
	QueuePending    QueueEntryStatus = "pending"
	QueueProcessing QueueEntryStatus = "processing"
	QueueCompleted  QueueEntryStatus = "completed"
	QueueFailed     QueueEntryStatus = "failed"
	QueueDead       QueueEntryStatus = "dead"
)

// DefaultPriority is used for entries not produced by a replay or an
// escalation path; 1-10 scale, higher served first (spec §4.6).
const DefaultPriority = 5

// ReplayPriority is assigned to entries created through the admin replay
// endpoint so an operator-triggered redelivery jumps the line.
const ReplayPriority = 10

// QueueEntry is the durable mirror of one position in the PriorityQueue.
type QueueEntry struct {
	EntryID      string           `db:"entry_id" json:"entry_id"`
	EventID      string           `db:"event_id" json:"event_id"`
	Priority     int              `db:"priority" json:"priority"`
	ScheduledAt  time.Time        `db:"scheduled_at" json:"scheduled_at"`
	Status       QueueEntryStatus `db:"status" json:"status"`
	RetryCount   int              `db:"retry_count" json:"retry_count"`
	MaxRetries   int              `db:"max_retries" json:"max_retries"`
	LastError    string           `db:"last_error" json:"last_error,omitempty"`
	StartedAt    *time.Time       `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// Eligible reports whether the entry is currently selectable by the
// PriorityQueue's selection rule (spec §4.6 step 1).
func (q *QueueEntry) Eligible(now time.Time) bool {
	return q.Status == QueuePending && !q.ScheduledAt.After(now)
}
