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

// Package ratelimit implements the per-source-IP request limiter described
// in spec §4.2.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by both the in-process Local limiter and the
// Redis-backed one (spec §5: "horizontal scale requires an external bucket
// store — declared explicitly rather than hidden").
type Limiter interface {
	// Allow reports whether a request from key is permitted right now. When
	// it is not, retryAfter is the caller's suggested Retry-After duration.
	Allow(key string) (ok bool, retryAfter time.Duration)
}

// Local is a per-process token-bucket limiter keyed by remote IP. Buckets
// do not survive a restart and are not shared across replicas (spec §5).
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	window   time.Duration
}

// New creates a Local limiter allowing requestsPerWindow requests per
// window, per key. Defaults per spec §4.2 are R=10, W=60s.
func New(requestsPerWindow int, window time.Duration) *Local {
	if requestsPerWindow <= 0 {
		requestsPerWindow = 10
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Local{
		buckets: make(map[string]*rate.Limiter),
		r:       rate.Limit(float64(requestsPerWindow) / window.Seconds()),
		burst:   requestsPerWindow,
		window:  window,
	}
}

// Allow implements Limiter.
func (l *Local) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.r, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	res := b.Reserve()
	if !res.OK() {
		return false, l.window
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Len reports the number of distinct keys currently tracked; used by
// tests.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
