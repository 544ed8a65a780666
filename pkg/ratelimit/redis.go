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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically increments the counter for key and
// returns its new value, setting an expiry the first time the key is
// created so the window resets on its own.
const slidingWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// Redis is a cross-replica fixed-window limiter backed by a shared Redis
// instance, satisfying spec §5's explicit horizontal-scale hook for the
// RateLimiter.
type Redis struct {
	client  *redis.Client
	script  *redis.Script
	limit   int
	window  time.Duration
	keyFunc func(key string) string
}

// NewRedis creates a Redis-backed Limiter. limit/window mirror
// RATE_LIMIT_R/RATE_LIMIT_W_S.
func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		limit:  limit,
		window: window,
		keyFunc: func(key string) string {
			return fmt.Sprintf("ratelimit:{%s}", key)
		},
	}
}

// Allow implements Limiter.
func (r *Redis) Allow(key string) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	count, err := r.script.Run(ctx, r.client, []string{r.keyFunc(key)}, r.window.Milliseconds()).Int()
	if err != nil {
		// Fail open: a degraded rate-limit backend must not take down
		// ingestion; the signature/dedup/store stages still protect us.
		return true, 0
	}

	if count > r.limit {
		return false, r.window
	}
	return true, 0
}
