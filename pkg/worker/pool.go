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

// Package worker runs the concurrent job pool described in spec §4.7: N
// workers pull from the queue, run the handler under a per-job timeout,
// and classify failures into retry-with-backoff or dead-letter.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/store"
)

// Handler processes a single event. Implemented by the correlation+dispatch
// handler in pkg/process, wired up in pkg/cli's worker command.
type Handler func(ctx context.Context, ev *model.Event) error

// Config configures a Pool; see spec §6's Configuration table for the
// corresponding env vars.
type Config struct {
	NumWorkers     int
	JobTimeout     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// retryFloor is the spec §4.7 "RateLimited/ServerError get >= 60s floor"
// exception to the normal exponential backoff schedule.
const retryFloor = 60 * time.Second

// DefaultConfig mirrors spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:     5,
		JobTimeout:     10 * time.Minute,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

// Pool runs Config.NumWorkers goroutines that each loop claiming entries
// from q, loading the underlying event, and running handler.
type Pool struct {
	cfg     Config
	q       *queue.Queue
	events  store.EventStore
	handler Handler
}

// New creates a Pool.
func New(cfg Config, q *queue.Queue, events store.EventStore, handler Handler) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultConfig().RetryMaxDelay
	}
	return &Pool{cfg: cfg, q: q, events: events, handler: handler}
}

// Run blocks, running NumWorkers claim loops until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.cfg.NumWorkers)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		go func(id int) {
			p.loop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		<-done
	}
}

// loop is one worker's claim-process-release cycle. It polls the queue at
// a short fixed interval when idle; this mirrors the simple polling worker
// shape the rest of the corpus (bigquery.go leech loop) uses rather than a
// pushed-work channel, since ClaimDurable must already hit the database to
// be safe across replicas.
func (p *Pool) loop(ctx context.Context, id int) {
	logger := logging.FromContext(ctx).With("worker_id", id)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry, err := p.q.ClaimDurable(ctx, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Errorw("failed to claim queue entry", "error", err)
			}
			continue
		}

		p.process(ctx, entry)
	}
}

func (p *Pool) process(ctx context.Context, entry *model.QueueEntry) {
	logger := logging.FromContext(ctx)

	ev, err := p.events.Get(ctx, entry.EventID)
	if err != nil {
		logger.Errorw("failed to load event for queue entry", "entry_id", entry.EntryID, "error", err)
		p.release(ctx, entry, err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	if err := p.handler(jobCtx, ev); err != nil {
		logger.Warnw("job failed", "entry_id", entry.EntryID, "event_id", ev.ID, "error", err)
		p.release(ctx, entry, err)
		return
	}

	if err := p.q.Complete(ctx, entry.EntryID, time.Now().UTC()); err != nil {
		logger.Errorw("failed to mark entry complete", "entry_id", entry.EntryID, "error", err)
		return
	}
	if err := p.events.UpdateStatus(ctx, ev.ID, model.EventProcessed, ev.RetryCount, ""); err != nil {
		logger.Errorw("failed to mark event processed", "event_id", ev.ID, "error", err)
	}
}

// release classifies err and either schedules a backed-off retry or
// dead-letters the entry (spec §4.7).
func (p *Pool) release(ctx context.Context, entry *model.QueueEntry, cause error) {
	class := classify(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if !class.Retryable() || entry.RetryCount+1 > entry.MaxRetries {
		if err := p.q.Dead(ctx, entry.EntryID, msg); err != nil {
			logging.FromContext(ctx).Errorw("failed to dead-letter entry", "entry_id", entry.EntryID, "error", err)
		}
		_ = p.events.UpdateStatus(ctx, entry.EventID, model.EventFailed, uint16(entry.RetryCount), msg)
		return
	}

	delay := p.backoff(entry.RetryCount)
	if class == ClassRetryableFloored && delay < retryFloor {
		delay = retryFloor
	}
	nextAttempt := time.Now().UTC().Add(delay)
	if err := p.q.Release(ctx, entry, nextAttempt, msg); err != nil {
		logging.FromContext(ctx).Errorw("failed to release entry for retry", "entry_id", entry.EntryID, "error", err)
	}
	_ = p.events.UpdateStatus(ctx, entry.EventID, model.EventFailed, uint16(entry.RetryCount+1), msg)
}

// backoff computes an exponential delay with jitter for the given attempt
// number, capped at RetryMaxDelay (spec §4.7 "exponential backoff with
// jitter").
func (p *Pool) backoff(attempt int) time.Duration {
	b, err := retry.NewExponential(p.cfg.RetryBaseDelay)
	if err != nil {
		return p.cfg.RetryBaseDelay
	}
	b = retry.WithCappedDuration(p.cfg.RetryMaxDelay, b)
	b = retry.WithJitterPercent(20, b)

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		d, stop := b.Next()
		if stop {
			return p.cfg.RetryMaxDelay
		}
		delay = d
	}
	return delay
}
