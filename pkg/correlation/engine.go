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

// Package correlation groups related events into long-running Workflows
// (spec §4.8).
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/store"
)

// Outcome is what Associate produced for one event: either an existing or
// newly-opened workflow, or standalone processing with no workflow at all.
type Outcome struct {
	WorkflowID string // empty when the event is standalone
	Opened     bool   // true when this event created workflowID
	Completed  bool
}

// Engine implements the association and completion rules of spec §4.8.
type Engine struct {
	workflows    store.WorkflowStore
	correlations store.CorrelationStore

	// locks guards one mutex per workflow so concurrent appends to the
	// same workflow serialize (spec §5 "concurrent appends serialize via
	// a per-workflow mutex").
	locks   sync.Map // map[string]*sync.Mutex
	locksMu sync.Mutex
}

// New creates an Engine.
func New(workflows store.WorkflowStore, correlations store.CorrelationStore) *Engine {
	return &Engine{workflows: workflows, correlations: correlations}
}

// Associate runs the full §4.8 pipeline for one event: extract identifiers,
// look up candidate active workflows, associate or open one (or leave the
// event standalone), record the identifiers, and apply the completion rule.
func (e *Engine) Associate(ctx context.Context, ev *model.Event, decoded map[string]any, now time.Time) (Outcome, error) {
	ids := Extract(ev, decoded)

	candidate, err := e.mostRecentActiveCandidate(ctx, ids)
	if err != nil {
		return Outcome{}, fmt.Errorf("correlation: find candidate workflow: %w", err)
	}

	var workflowID string
	var opened bool
	switch {
	case candidate != nil:
		workflowID = candidate.WorkflowID
		if err := e.appendLocked(ctx, workflowID, ev.ID, now); err != nil {
			return Outcome{}, fmt.Errorf("correlation: append to workflow %s: %w", workflowID, err)
		}
	case IsWorkflowStart(ev, decoded):
		workflowID = uuid.NewString()
		opened = true
		wf := &model.Workflow{
			WorkflowID:        workflowID,
			Type:              workflowTypeFor(ev),
			Status:            model.WorkflowActive,
			CreatedAt:         now,
			UpdatedAt:         now,
			TriggeringEventID: ev.ID,
			LastEventID:       ev.ID,
			EventIDs:          []string{ev.ID},
			Identifiers:       ids,
		}
		if err := e.workflows.Create(ctx, wf); err != nil {
			return Outcome{}, fmt.Errorf("correlation: create workflow: %w", err)
		}
	default:
		// No candidate and not a start trigger: standalone, per spec §4.8
		// "no workflow association; event is still persisted and
		// dispatched stand-alone."
	}

	if workflowID != "" {
		for _, id := range ids {
			tuple := model.CorrelationTuple{Kind: id.Kind, Value: id.Value, WorkflowID: workflowID, EventID: ev.ID, Timestamp: now}
			if err := e.correlations.Record(ctx, tuple); err != nil {
				return Outcome{}, fmt.Errorf("correlation: record identifier %s=%s: %w", id.Kind, id.Value, err)
			}
		}
	}

	completed := false
	if workflowID != "" && IsWorkflowCompletion(ev, decoded) {
		if err := e.workflows.Complete(ctx, workflowID, ev.ID, now); err != nil {
			return Outcome{}, fmt.Errorf("correlation: complete workflow %s: %w", workflowID, err)
		}
		completed = true
	}

	return Outcome{WorkflowID: workflowID, Opened: opened, Completed: completed}, nil
}

// mostRecentActiveCandidate aggregates, across every identifier the event
// produced, the active workflow with the most recent updated_at (spec
// §4.8 association rule).
func (e *Engine) mostRecentActiveCandidate(ctx context.Context, ids []model.Identifier) (*model.Workflow, error) {
	var best *model.Workflow
	for _, id := range ids {
		wf, err := e.workflows.ActiveByIdentifier(ctx, id.Kind, id.Value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if best == nil || wf.UpdatedAt.After(best.UpdatedAt) {
			best = wf
		}
	}
	return best, nil
}

func (e *Engine) appendLocked(ctx context.Context, workflowID, eventID string, at time.Time) error {
	lock := e.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return e.workflows.AppendEvent(ctx, workflowID, eventID, at)
}

func (e *Engine) lockFor(workflowID string) *sync.Mutex {
	if v, ok := e.locks.Load(workflowID); ok {
		return v.(*sync.Mutex)
	}
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if v, ok := e.locks.Load(workflowID); ok {
		return v.(*sync.Mutex)
	}
	lock := &sync.Mutex{}
	e.locks.Store(workflowID, lock)
	return lock
}

func workflowTypeFor(ev *model.Event) model.WorkflowType {
	switch ev.Type {
	case "pull_request":
		return model.WorkflowPullRequest
	case "push":
		return model.WorkflowPush
	default:
		return model.WorkflowGeneric
	}
}
