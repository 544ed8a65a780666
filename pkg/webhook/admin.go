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
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/store"
)

// handleReplay implements `POST /admin/events/:id/replay` (spec §7):
// resets a single event's status and re-enqueues it at ReplayPriority so
// an operator-triggered redelivery jumps the line. Admin auth is out of
// core scope per the spec and is expected to be enforced upstream (e.g.
// at an ingress proxy).
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	eventID := chi.URLParam(r, "id")

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such event", 0)
			return
		}
		logger.Errorw("failed to look up event for replay", "event_id", eventID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to look up event", 0)
		return
	}

	if err := s.events.UpdateStatus(ctx, ev.ID, model.EventReceived, 0, ""); err != nil {
		logger.Errorw("failed to reset event status for replay", "event_id", eventID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to reset event status", 0)
		return
	}

	entry := &model.QueueEntry{
		EntryID:     uuid.NewString(),
		EventID:     ev.ID,
		Priority:    model.ReplayPriority,
		ScheduledAt: time.Now().UTC(),
		Status:      model.QueuePending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		logger.Errorw("failed to re-enqueue event for replay", "event_id", eventID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue_full", "failed to re-enqueue event", 0)
		return
	}

	logger.Infow("replayed event", "event_id", eventID)
	writeJSON(w, http.StatusOK, response{Received: true, EventID: ev.ID})
}
