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

// Package webhook is the ingress HTTP server that receives GitHub/Linear
// webhook deliveries and runs them through the RateLimiter →
// SignatureValidator → EventParser → Deduplicator → EventStore → Queue
// pipeline (spec §4.10).
package webhook

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hooksmith/pipeline/pkg/dedup"
	"github.com/hooksmith/pipeline/pkg/ingest"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/ratelimit"
	"github.com/hooksmith/pipeline/pkg/signature"
	"github.com/hooksmith/pipeline/pkg/store"
)

// Deps bundles every dependency the ingress server needs. Constructed by
// the webhook CLI command from config-driven concrete implementations.
type Deps struct {
	Validator  *signature.Validator
	Limiter    ratelimit.Limiter
	Parser     *ingest.Parser
	Dedup      *dedup.Deduplicator
	Events     store.EventStore
	Queue      *queue.Queue
	MaxRetries int
}

// Server serves the ingress HTTP surface (spec §4.10, §6).
type Server struct {
	validator  *signature.Validator
	limiter    ratelimit.Limiter
	parser     *ingest.Parser
	dedup      *dedup.Deduplicator
	events     store.EventStore
	queue      *queue.Queue
	maxRetries int
	started    time.Time
}

// NewServer creates a Server from deps.
func NewServer(deps Deps) *Server {
	return &Server{
		validator:  deps.Validator,
		limiter:    deps.Limiter,
		parser:     deps.Parser,
		dedup:      deps.Dedup,
		events:     deps.Events,
		queue:      deps.Queue,
		maxRetries: deps.MaxRetries,
		started:    time.Now(),
	}
}

// Routes builds the router for every endpoint in spec §6.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/{provider}", s.handleWebhook)
	r.Post("/admin/events/{id}/replay", s.handleReplay)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics())

	return r
}
