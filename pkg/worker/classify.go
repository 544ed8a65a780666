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

package worker

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/hooksmith/pipeline/pkg/dispatch"
	"github.com/hooksmith/pipeline/pkg/ingest"
)

// Class is the outcome of classify; it decides whether the worker pool
// retries a job or dead-letters it (spec §4.7 error classification table).
type Class int

const (
	ClassRetryable Class = iota
	ClassPermanent
	// ClassRetryableFloored is ClassRetryable plus the spec §4.7 "RateLimited
	// / ServerError get >= 60s floor" exception: the backoff delay is
	// floored regardless of attempt count.
	ClassRetryableFloored
)

// Retryable reports whether cls should be retried at all.
func (cls Class) Retryable() bool {
	return cls == ClassRetryable || cls == ClassRetryableFloored
}

// classify maps an error surfaced while processing a job to a Class per
// spec §4.7:
//
//	Timeout, connection refused/reset, 5xx, 429  -> retryable (429/5xx floored)
//	401/403, validation, 404, malformed payload  -> permanent
func classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, ingest.ErrMalformedPayload) {
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	var statusErr *dispatch.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ClassRetryableFloored
		case statusErr.StatusCode >= 500:
			return ClassRetryableFloored
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return ClassPermanent
		case statusErr.StatusCode == http.StatusNotFound:
			return ClassPermanent
		case statusErr.StatusCode >= 400:
			return ClassPermanent
		}
	}

	// Unclassified errors default to retryable: a transient dependency
	// failure that isn't one of the above shapes should still get another
	// attempt rather than silently dead-lettering.
	return ClassRetryable
}
