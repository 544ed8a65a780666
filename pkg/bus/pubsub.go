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

// Package bus publishes workflow lifecycle events (opened, appended,
// completed) onto an internal Pub/Sub topic so downstream consumers —
// notably pkg/analytics — can subscribe without coupling to the
// correlation engine directly.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/model"
)

// LifecycleKind tags the kind of workflow transition a LifecycleEvent
// records.
type LifecycleKind string

const (
	LifecycleOpened    LifecycleKind = "opened"
	LifecycleAppended  LifecycleKind = "appended"
	LifecycleCompleted LifecycleKind = "completed"
)

// LifecycleEvent is the message body published for every workflow
// transition the correlation engine makes.
type LifecycleEvent struct {
	Kind       LifecycleKind    `json:"kind"`
	WorkflowID string           `json:"workflow_id"`
	Type       model.WorkflowType `json:"type"`
	EventID    string           `json:"event_id"`
	At         time.Time        `json:"at"`
}

// Publisher publishes LifecycleEvents to a Google Cloud Pub/Sub topic,
// mirroring the teacher's PubSubMessager wrapper around the same client.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher creates a Publisher bound to topicID in projectID.
func NewPublisher(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bus: create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID)}, nil
}

// Publish sends ev as a JSON-encoded Pub/Sub message.
func (p *Publisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal lifecycle event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":        string(ev.Kind),
			"workflow_id": ev.WorkflowID,
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("bus: publish lifecycle event: %w", err)
	}
	logging.FromContext(ctx).Debugw("published workflow lifecycle event", "message_id", id, "kind", ev.Kind, "workflow_id", ev.WorkflowID)
	return nil
}

// Close stops the topic and closes the client, mirroring the teacher's
// Cleanup method.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("bus: close pubsub client: %w", err)
	}
	return nil
}

// Subscriber receives LifecycleEvents from a Pub/Sub subscription; used by
// pkg/analytics to export completed-workflow rows.
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
}

// NewSubscriber creates a Subscriber bound to subscriptionID.
func NewSubscriber(ctx context.Context, projectID, subscriptionID string) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bus: create pubsub client: %w", err)
	}
	return &Subscriber{client: client, sub: client.Subscription(subscriptionID)}, nil
}

// Receive blocks, invoking handler for every LifecycleEvent delivered
// until ctx is canceled. Malformed messages are acked and dropped rather
// than retried forever.
func (s *Subscriber) Receive(ctx context.Context, handler func(context.Context, LifecycleEvent) error) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var ev LifecycleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logging.FromContext(ctx).Errorw("dropping malformed lifecycle message", "error", err)
			msg.Ack()
			return
		}
		if err := handler(ctx, ev); err != nil {
			logging.FromContext(ctx).Errorw("lifecycle handler failed, will redeliver", "error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close closes the underlying client.
func (s *Subscriber) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("bus: close pubsub client: %w", err)
	}
	return nil
}
