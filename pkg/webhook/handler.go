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

package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/signature"
	"github.com/hooksmith/pipeline/pkg/store"
)

// maxBodyBytes bounds the payload size read from the request, mirroring
// the teacher's webhook handler's cap against runaway bodies.
const maxBodyBytes = 25 * 1000 * 1000

// response is the JSON body returned by handleWebhook (spec §4.10).
type response struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// errorResponse is the JSON body returned on any error path (spec §7
// "a single JSON body {error, message, retry_after?}").
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func signatureHeaderFor(p model.Provider) string {
	switch p {
	case model.ProviderGitHub:
		return signature.GitHubSignatureHeader
	case model.ProviderLinear:
		return signature.LinearSignatureHeader
	default:
		return ""
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	provider := model.Provider(chi.URLParam(r, "provider"))
	if provider != model.ProviderGitHub && provider != model.ProviderLinear {
		writeError(w, http.StatusBadRequest, "malformed_payload", "unknown provider", 0)
		return
	}

	if ok, retryAfter := s.limiter.Allow(r.RemoteAddr); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", int(retryAfter.Seconds()))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_payload", "failed to read request body", 0)
		return
	}

	sig := r.Header.Get(signatureHeaderFor(provider))
	if err := s.validator.Verify(provider, sig, body); err != nil {
		switch {
		case errors.Is(err, signature.ErrMissingSignature), errors.Is(err, signature.ErrMalformedSignature):
			writeError(w, http.StatusBadRequest, "missing_signature", err.Error(), 0)
		default:
			writeError(w, http.StatusUnauthorized, "signature_mismatch", err.Error(), 0)
		}
		return
	}

	result, err := s.parser.Parse(provider, r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_payload", err.Error(), 0)
		return
	}

	isDup, err := s.dedup.Check(ctx, &result.Event)
	if err != nil {
		logger.Errorw("dedup check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "deduplication check failed", 0)
		return
	}
	if isDup {
		EventsDuplicate.WithLabelValues(string(provider)).Inc()
		writeJSON(w, http.StatusOK, response{Received: true, EventID: result.Event.ID, Duplicate: true})
		return
	}

	entry := &model.QueueEntry{
		EntryID:     uuid.NewString(),
		EventID:     result.Event.ID,
		Priority:    model.DefaultPriority,
		ScheduledAt: time.Now().UTC(),
		Status:      model.QueuePending,
		MaxRetries:  s.maxRetries,
	}

	// The admission gate runs before anything is written: a full queue
	// must reject the delivery, not accept it as "pending" and then
	// refuse to admit it (spec §4.6).
	if err := s.queue.Reserve(); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			EventsRejected.WithLabelValues("queue_full").Inc()
			writeError(w, http.StatusServiceUnavailable, "queue_full", "queue is at capacity", 0)
			return
		}
		logger.Errorw("failed to reserve queue slot", "error", err)
		EventsRejected.WithLabelValues("store_unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to reserve queue slot", 0)
		return
	}

	// InsertWithQueueEntry writes the event and its queue entry in one
	// transaction (spec §4.5); it is the entry's sole persister, so the
	// queue here only admits it into the in-memory heap.
	if err := s.events.InsertWithQueueEntry(ctx, &result.Event, entry); err != nil {
		s.queue.Unreserve()
		if errors.Is(err, store.ErrConflict) {
			EventsDuplicate.WithLabelValues(string(provider)).Inc()
			writeJSON(w, http.StatusOK, response{Received: true, EventID: result.Event.ID, Duplicate: true})
			return
		}
		logger.Errorw("failed to persist event", "error", err)
		EventsRejected.WithLabelValues("store_unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to persist event", 0)
		return
	}
	s.queue.Admit(entry)

	EventsReceived.WithLabelValues(string(provider)).Inc()
	writeJSON(w, http.StatusOK, response{Received: true, EventID: result.Event.ID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string, retryAfter int) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message, RetryAfter: retryAfter})
}
