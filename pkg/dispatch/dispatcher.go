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

// Package dispatch routes correlated events to the remote AgentAPI per the
// routing table in spec §4.9, behind one circuit breaker shared by all
// routes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hooksmith/pipeline/pkg/model"
)

// StatusError carries the HTTP status AgentAPI returned so pkg/worker's
// classifier can decide retryable vs permanent without re-parsing strings.
type StatusError struct {
	StatusCode int
	Body       string
	Route      string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch: %s returned %d: %s", e.Route, e.StatusCode, e.Body)
}

// defaultBranches is the set of long-lived branches a push to which counts
// as "push to default branch" for routing (spec §4.9) and as a workflow
// start trigger (spec §4.8); kept in sync with correlation.IsWorkflowStart.
var defaultBranches = map[string]bool{
	"refs/heads/main":    true,
	"refs/heads/master":  true,
	"refs/heads/develop": true,
}

// Resolve returns the AgentAPI endpoint for ev given its decoded payload,
// or ("", false) if no route matches (spec §4.9's routing table). Several
// rows depend on payload fields beyond type/action — merged, conclusion,
// ref — so this inspects decoded rather than switching on type/action
// alone.
func Resolve(ev *model.Event, decoded map[string]any) (string, bool) {
	switch ev.Type {
	case "pull_request":
		switch ev.Action {
		case "opened", "reopened":
			return "/deploy/code", true
		case "synchronize":
			return "/validate/code", true
		case "closed":
			if merged, _ := nested(decoded, "pull_request", "merged"); merged == true {
				return "/workflow/merge", true
			}
			// closed without merging: record closure, no call (spec §4.9).
			return "", false
		case "ready_for_review":
			return "/review", true
		}
	case "push":
		if ref, _ := decoded["ref"].(string); defaultBranches[ref] {
			return "/workflow/post_merge", true
		}
	case "check_run":
		if ev.Action != "completed" {
			return "", false
		}
		conclusion, _ := nested(decoded, "check_run", "conclusion")
		if conclusion == "failure" {
			return "/recovery/failure", true
		}
	}
	return "", false
}

func nested(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Dispatcher posts routed events to AgentAPI.
type Dispatcher struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Config configures a Dispatcher.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	BreakerMaxReqs uint32
	BreakerWindow  time.Duration
	BreakerTimeout time.Duration
}

// New creates a Dispatcher. A single circuit breaker spans every route:
// AgentAPI is one remote dependency, and a burst of failures against any
// endpoint is a signal the whole service is unhealthy.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "agentapi",
		MaxRequests: cfg.BreakerMaxReqs,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}

	return &Dispatcher{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Dispatch routes ev to its AgentAPI endpoint and posts its payload along
// with the resolved workflowID. decoded is the event's JSON payload
// decoded to a map, used by Resolve to check fields the routing table
// depends on (merged, conclusion, ref). If no route matches the event is
// dropped silently (spec §4.9: "other -> record, no call").
func (d *Dispatcher) Dispatch(ctx context.Context, ev *model.Event, decoded map[string]any, workflowID string) error {
	endpoint, ok := Resolve(ev, decoded)
	if !ok {
		return nil
	}

	body, err := json.Marshal(struct {
		EventID    string          `json:"event_id"`
		WorkflowID string          `json:"workflow_id"`
		Provider   model.Provider  `json:"provider"`
		Type       string          `json:"type"`
		Action     string          `json:"action,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}{
		EventID:    ev.ID,
		WorkflowID: workflowID,
		Provider:   ev.Provider,
		Type:       ev.Type,
		Action:     ev.Action,
		Payload:    ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshal request body: %w", err)
	}

	_, err = d.breaker.Execute(func() (any, error) {
		return nil, d.post(ctx, endpoint, body)
	})
	return err
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody), Route: endpoint}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
