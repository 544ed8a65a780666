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

// Package model holds the canonical record types shared by every stage of
// the ingestion, correlation and dispatch pipeline.
package model

import "time"

// Provider identifies the source-code hosting or issue-tracker provider a
// webhook delivery originated from.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderLinear Provider = "linear"
)

// EventStatus is the lifecycle state of a persisted Event.
type EventStatus string

const (
	EventReceived   EventStatus = "received"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
	EventDuplicate  EventStatus = "duplicate"
)

// MaxRetries bounds Event.RetryCount; see spec §3 invariant.
const MaxRetries = 10

// Event is the immutable-once-persisted canonical record for a single
// webhook delivery. Only Status, RetryCount and LastError ever change after
// insertion.
type Event struct {
	ID           string      `db:"id" json:"id"`
	Provider     Provider    `db:"provider" json:"provider"`
	Type         string      `db:"type" json:"type"`
	Action       string      `db:"action" json:"action,omitempty"`
	ReceivedAt   time.Time   `db:"received_at" json:"received_at"`
	Payload      []byte      `db:"payload" json:"payload"`
	RawBytesHash string      `db:"raw_bytes_hash" json:"raw_bytes_hash"`
	SemanticKey  string      `db:"semantic_key" json:"semantic_key"`
	Status       EventStatus `db:"status" json:"status"`
	RetryCount   uint16      `db:"retry_count" json:"retry_count"`
	LastError    string      `db:"last_error" json:"last_error,omitempty"`
}

// CanRetry reports whether another attempt is still permitted under the
// §3 invariant retry_count <= MAX_RETRIES.
func (e *Event) CanRetry() bool {
	return e.RetryCount < MaxRetries
}
