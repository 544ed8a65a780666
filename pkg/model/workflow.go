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

// WorkflowType categorizes the trigger that opened a Workflow.
type WorkflowType string

const (
	WorkflowPullRequest WorkflowType = "pull_request_workflow"
	WorkflowPush        WorkflowType = "push_workflow"
	WorkflowGeneric      WorkflowType = "generic_workflow"
)

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAbandoned WorkflowStatus = "abandoned"
)

// IdentifierKind tags the dimension an Identifier correlates events along.
type IdentifierKind string

const (
	IdentifierRepository  IdentifierKind = "repository"
	IdentifierPullRequest IdentifierKind = "pull_request"
	IdentifierBranch      IdentifierKind = "branch"
	IdentifierCommit      IdentifierKind = "commit"
	IdentifierUser        IdentifierKind = "user"
)

// Identifier is a tagged (kind, value) pair used to correlate events into
// workflows (spec §3 CorrelationIndex, §4.8).
type Identifier struct {
	Kind  IdentifierKind `db:"kind" json:"kind"`
	Value string         `db:"value" json:"value"`
}

// Workflow is a time-bounded grouping of correlated events.
type Workflow struct {
	WorkflowID        string         `db:"workflow_id" json:"workflow_id"`
	Type              WorkflowType   `db:"type" json:"type"`
	Status            WorkflowStatus `db:"status" json:"status"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	TriggeringEventID string         `db:"triggering_event_id" json:"triggering_event_id"`
	CompletingEventID string         `db:"completing_event_id" json:"completing_event_id,omitempty"`
	LastEventID       string         `db:"last_event_id" json:"last_event_id"`
	EventIDs          []string       `db:"event_ids" json:"event_ids"`
	Identifiers       []Identifier   `db:"identifiers" json:"identifiers"`
}

// AppendEvent appends eventID to the append-only event history and advances
// LastEventID/UpdatedAt. It does not check for duplicates; callers are
// expected to have already passed this event through the deduplicator
// (spec §4.8 "Duplicate detection in §4.4 prevents double-append").
func (w *Workflow) AppendEvent(eventID string, at time.Time) {
	w.EventIDs = append(w.EventIDs, eventID)
	w.LastEventID = eventID
	w.UpdatedAt = at
}

// Complete transitions the workflow to completed, recording the
// completion-triggering event. It is a no-op if already completed, keeping
// the transition monotonic (spec §3 invariant).
func (w *Workflow) Complete(completingEventID string, at time.Time) {
	if w.Status == WorkflowCompleted {
		return
	}
	w.Status = WorkflowCompleted
	w.CompletingEventID = completingEventID
	w.CompletedAt = &at
	w.UpdatedAt = at
}

// CorrelationTuple is one row of the CorrelationIndex multimap: an
// Identifier maps to the (workflow, event, timestamp) that observed it.
type CorrelationTuple struct {
	Kind       IdentifierKind `db:"kind" json:"kind"`
	Value      string         `db:"value" json:"value"`
	WorkflowID string         `db:"workflow_id" json:"workflow_id"`
	EventID    string         `db:"event_id" json:"event_id"`
	Timestamp  time.Time      `db:"ts" json:"ts"`
}
