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

// Package reaper periodically reclaims queue entries stuck in processing
// because the worker that claimed them died before completing or
// releasing them (spec §4.6 crash recovery, run continuously rather than
// only at startup). Only one running replica performs a reclaim pass at
// a time, coordinated through a GCS-backed distributed lock the same way
// the teacher's retry job coordinates its checkpoint job.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-gcslock"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/store"
)

// DefaultInterval is REAPER_INTERVAL_S's default (spec §6 Configuration
// table).
const DefaultInterval = 60 * time.Second

// lockTTL bounds how long a single reclaim pass may hold the lock before
// another replica is allowed to take over.
const lockTTL = 30 * time.Second

const lockName = "pipeline-reaper-lock"

// Reaper runs ReclaimStale against the queue store on a fixed interval.
type Reaper struct {
	queue    store.QueueStore
	lock     gcslock.Lockable
	interval time.Duration
}

// Options overrides Reaper's dependencies; LockOverride exists for unit
// testing so a pass doesn't need a real GCS bucket.
type Options struct {
	LockOverride gcslock.Lockable
}

// New creates a Reaper. bucket is the GCS bucket backing the distributed
// lock; interval <= 0 uses DefaultInterval.
func New(ctx context.Context, queue store.QueueStore, bucket string, interval time.Duration, opts *Options) (*Reaper, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if opts == nil {
		opts = &Options{}
	}

	lock := opts.LockOverride
	if lock == nil {
		l, err := gcslock.New(ctx, bucket, lockName)
		if err != nil {
			return nil, fmt.Errorf("reaper: create gcs lock: %w", err)
		}
		lock = l
	}
	return &Reaper{queue: queue, lock: lock, interval: interval}, nil
}

// Run blocks, performing a reclaim pass every interval until ctx is
// canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	logger := logging.FromContext(ctx)

	if err := r.lock.Acquire(ctx, lockTTL); err != nil {
		var held *gcslock.LockHeldError
		if errors.As(err, &held) {
			return
		}
		logger.Errorw("failed to acquire reaper lock", "error", err)
		return
	}
	defer func() {
		if err := r.lock.Close(ctx); err != nil {
			logger.Errorw("failed to release reaper lock", "error", err)
		}
	}()

	n, err := r.queue.ReclaimStale(ctx, time.Now())
	if err != nil {
		logger.Errorw("failed to reclaim stale queue entries", "error", err)
		return
	}
	if n > 0 {
		logger.Infow("reclaimed stale queue entries", "count", n)
	}
}

// Close releases the underlying lock client.
func (r *Reaper) Close(ctx context.Context) error {
	if err := r.lock.Close(ctx); err != nil {
		return fmt.Errorf("reaper: close lock client: %w", err)
	}
	return nil
}
