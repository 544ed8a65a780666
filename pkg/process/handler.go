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

// Package process composes the correlation engine and the AgentAPI
// dispatcher into a single pkg/worker.Handler: for every claimed event it
// associates the event into a workflow, then dispatches it, then (if a
// Publisher is configured) announces the resulting lifecycle transition
// (spec §4.7: "the worker pool fetches the Event, runs correlation, then
// dispatches").
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/bus"
	"github.com/hooksmith/pipeline/pkg/correlation"
	"github.com/hooksmith/pipeline/pkg/dispatch"
	"github.com/hooksmith/pipeline/pkg/model"
)

// Publisher is the narrow view of bus.Publisher this package needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.LifecycleEvent) error
}

// Handler bundles the engine and dispatcher dependencies and exposes
// Handle as a pkg/worker.Handler.
type Handler struct {
	engine     *correlation.Engine
	dispatcher *dispatch.Dispatcher
	publisher  Publisher
}

// New creates a Handler. publisher may be nil, in which case lifecycle
// events are not announced (SPEC_FULL.md's lifecycle bus is optional).
func New(engine *correlation.Engine, dispatcher *dispatch.Dispatcher, publisher Publisher) *Handler {
	return &Handler{engine: engine, dispatcher: dispatcher, publisher: publisher}
}

// Handle implements pkg/worker.Handler.
func (h *Handler) Handle(ctx context.Context, ev *model.Event) error {
	logger := logging.FromContext(ctx)

	var decoded map[string]any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
			return fmt.Errorf("process: decode payload: %w", err)
		}
	}

	now := time.Now().UTC()
	outcome, err := h.engine.Associate(ctx, ev, decoded, now)
	if err != nil {
		return fmt.Errorf("process: correlate: %w", err)
	}

	if err := h.dispatcher.Dispatch(ctx, ev, decoded, outcome.WorkflowID); err != nil {
		return fmt.Errorf("process: dispatch: %w", err)
	}

	if h.publisher != nil && outcome.WorkflowID != "" {
		kind := bus.LifecycleAppended
		if outcome.Opened {
			kind = bus.LifecycleOpened
		}
		if outcome.Completed {
			kind = bus.LifecycleCompleted
		}
		lifecycle := bus.LifecycleEvent{
			Kind:       kind,
			WorkflowID: outcome.WorkflowID,
			EventID:    ev.ID,
			At:         now,
		}
		if err := h.publisher.Publish(ctx, lifecycle); err != nil {
			// Lifecycle fan-out is best-effort: the workflow state change
			// already committed, so a publish failure must not fail the job.
			logger.Warnw("failed to publish lifecycle event", "workflow_id", outcome.WorkflowID, "error", err)
		}
	}

	return nil
}
