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

// Package dedup implements the two-level event deduplication described in
// spec §4.4: a hard check on the provider delivery ID, and a soft check on
// (semantic_key, raw_bytes_hash) within a sliding window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
)

// Checker is the narrow view of the EventStore the Deduplicator needs. It
// is satisfied by store.EventRepository; insertion must be conditional-on-absence
// so concurrent deliveries cannot both win (spec §4.4 "race-free").
type Checker interface {
	// FindByID returns the existing event for id, or nil if none exists.
	FindByID(ctx context.Context, id string) (*model.Event, error)
	// FindBySemanticWindow returns an existing event sharing semanticKey
	// and rawBytesHash with received_at within window of now, or nil.
	FindBySemanticWindow(ctx context.Context, semanticKey, rawBytesHash string, window time.Duration, now time.Time) (*model.Event, error)
}

// Deduplicator decides whether an incoming provisional event is a
// duplicate of one already persisted.
type Deduplicator struct {
	store  Checker
	window time.Duration
}

// New creates a Deduplicator. window defaults to 1h per spec §4.4
// (DUP_WINDOW default).
func New(store Checker, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = time.Hour
	}
	return &Deduplicator{store: store, window: window}
}

// Check runs both dedup layers against ev. It returns (true, nil) when ev
// is a duplicate and must not be re-inserted.
func (d *Deduplicator) Check(ctx context.Context, ev *model.Event) (bool, error) {
	existing, err := d.store.FindByID(ctx, ev.ID)
	if err != nil {
		return false, fmt.Errorf("dedup: delivery-id lookup: %w", err)
	}
	if existing != nil {
		return true, nil
	}

	existing, err = d.store.FindBySemanticWindow(ctx, ev.SemanticKey, ev.RawBytesHash, d.window, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("dedup: semantic-window lookup: %w", err)
	}
	return existing != nil, nil
}
