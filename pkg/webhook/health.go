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

import "net/http"

// healthResponse matches spec §6: `{status, queue_size, in_flight, store:
// ok|degraded}`.
type healthResponse struct {
	Status    string `json:"status"`
	QueueSize int    `json:"queue_size"`
	InFlight  int    `json:"in_flight"`
	Store     string `json:"store"`
}

// handleHealth reports queue depth and a real store health check (spec §6:
// "store: ok|degraded"), returning 503 when the store ping fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	size := s.queue.Size()

	resp := healthResponse{
		Status:    "healthy",
		QueueSize: size,
		InFlight:  size,
		Store:     "ok",
	}
	status := http.StatusOK

	if err := s.events.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
