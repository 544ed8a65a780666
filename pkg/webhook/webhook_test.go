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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/dedup"
	"github.com/hooksmith/pipeline/pkg/ingest"
	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/ratelimit"
	"github.com/hooksmith/pipeline/pkg/signature"
	"github.com/hooksmith/pipeline/pkg/store"
)

const testSecret = "test-secret"

type fakeEventStore struct {
	mu      sync.Mutex
	byID    map[string]*model.Event
	queue   *fakeQueueStore
	pingErr error
}

func newFakeEventStore(queue *fakeQueueStore) *fakeEventStore {
	return &fakeEventStore{byID: map[string]*model.Event{}, queue: queue}
}

func (f *fakeEventStore) FindByID(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.byID[id]; ok {
		return ev, nil
	}
	return nil, nil
}

func (f *fakeEventStore) FindBySemanticWindow(context.Context, string, string, time.Duration, time.Time) (*model.Event, error) {
	return nil, nil
}

// InsertWithQueueEntry mirrors EventRepository.InsertWithQueueEntry
// (pkg/store/postgres.go): it is the sole persister of both the event and
// its queue entry, so it writes to the fake queue store's table directly
// rather than relying on a caller to Enqueue it afterward.
func (f *fakeEventStore) InsertWithQueueEntry(_ context.Context, ev *model.Event, entry *model.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[ev.ID]; ok {
		return store.ErrConflict
	}
	f.byID[ev.ID] = ev
	f.queue.mu.Lock()
	f.queue.entries[entry.EntryID] = entry
	f.queue.mu.Unlock()
	return nil
}

func (f *fakeEventStore) UpdateStatus(_ context.Context, eventID string, status model.EventStatus, _ uint16, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.byID[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = status
	return nil
}

func (f *fakeEventStore) Get(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

func (f *fakeEventStore) Ping(context.Context) error {
	return f.pingErr
}

type fakeQueueStore struct {
	mu           sync.Mutex
	entries      map[string]*model.QueueEntry
	enqueueCalls int
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{entries: map[string]*model.QueueEntry{}}
}

func (f *fakeQueueStore) Enqueue(_ context.Context, e *model.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueCalls++
	if _, ok := f.entries[e.EntryID]; ok {
		return store.ErrConflict
	}
	f.entries[e.EntryID] = e
	return nil
}

func (f *fakeQueueStore) ClaimNext(context.Context, time.Time) (*model.QueueEntry, error) {
	return nil, store.ErrNotFound
}

func (f *fakeQueueStore) Complete(context.Context, string, time.Time) error { return nil }

func (f *fakeQueueStore) Release(context.Context, string, time.Time, string) error { return nil }

func (f *fakeQueueStore) Dead(context.Context, string, string) error { return nil }

func (f *fakeQueueStore) ReclaimStale(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeQueueStore) Size(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

func newTestServer() *Server {
	validator := signature.New(map[model.Provider]signature.Provider{
		model.ProviderGitHub: {Header: signature.GitHubSignatureHeader, Prefix: "sha256=", Secret: []byte(testSecret)},
	})
	qStore := newFakeQueueStore()
	events := newFakeEventStore(qStore)
	return NewServer(Deps{
		Validator:  validator,
		Limiter:    ratelimit.New(1000, time.Minute),
		Parser:     ingest.New(),
		Dedup:      dedup.New(events, time.Hour),
		Events:     events,
		Queue:      queue.New(qStore, 100),
		MaxRetries: 3,
	})
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook_AcceptsValidDelivery(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	body := []byte(`{"action":"opened","pull_request":{"number":42,"head":{"ref":"feat/x","sha":"abc123"},"user":{"login":"alice"}},"repository":{"full_name":"acme/web"}}`)

	req := httptest.NewRequest("POST", "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d1")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	req.Header.Set(signature.GitHubSignatureHeader, sign(body))

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Received || resp.EventID != "d1" || resp.Duplicate {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleHealth_DegradesWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200 when store is reachable, got %d", rr.Code)
	}
	var healthy healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &healthy); err != nil {
		t.Fatal(err)
	}
	if healthy.Status != "healthy" || healthy.Store != "ok" {
		t.Fatalf("unexpected healthy response: %+v", healthy)
	}

	s.events.(*fakeEventStore).pingErr = errors.New("connection refused")

	rr = httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 when store is unreachable, got %d", rr.Code)
	}
	var degraded healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &degraded); err != nil {
		t.Fatal(err)
	}
	if degraded.Status != "unhealthy" || degraded.Store != "degraded" {
		t.Fatalf("unexpected degraded response: %+v", degraded)
	}
}

func TestHandleWebhook_PersistsQueueEntryExactlyOnce(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	body := []byte(`{"action":"opened","pull_request":{"number":9,"head":{"ref":"feat/y","sha":"def456"},"user":{"login":"bob"}},"repository":{"full_name":"acme/web"}}`)

	req := httptest.NewRequest("POST", "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d9")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	req.Header.Set(signature.GitHubSignatureHeader, sign(body))

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	fes := s.events.(*fakeEventStore)
	// InsertWithQueueEntry is the sole persister for a fresh delivery; the
	// queue's own backing.Enqueue must never be called a second time for
	// the same entry (that used to raise a primary-key violation that
	// surfaced as a false store_unavailable 503 for every delivery).
	if fes.queue.enqueueCalls != 0 {
		t.Fatalf("expected backing.Enqueue to never be called for a fresh delivery, got %d calls", fes.queue.enqueueCalls)
	}
	if len(fes.queue.entries) != 1 {
		t.Fatalf("expected exactly one persisted queue entry, got %d", len(fes.queue.entries))
	}
}

func TestHandleWebhook_QueueFullRejectsBeforePersisting(t *testing.T) {
	t.Parallel()

	validator := signature.New(map[model.Provider]signature.Provider{
		model.ProviderGitHub: {Header: signature.GitHubSignatureHeader, Prefix: "sha256=", Secret: []byte(testSecret)},
	})
	qStore := newFakeQueueStore()
	events := newFakeEventStore(qStore)
	s := NewServer(Deps{
		Validator:  validator,
		Limiter:    ratelimit.New(1000, time.Minute),
		Parser:     ingest.New(),
		Dedup:      dedup.New(events, time.Hour),
		Events:     events,
		Queue:      queue.New(qStore, 0), // MAX_QUEUE already saturated
		MaxRetries: 3,
	})

	body := []byte(`{"action":"opened","pull_request":{"number":1},"repository":{"full_name":"acme/web"}}`)
	req := httptest.NewRequest("POST", "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d-full")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	req.Header.Set(signature.GitHubSignatureHeader, sign(body))

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	if rr.Code != 503 {
		t.Fatalf("expected 503 queue_full, got %d: %s", rr.Code, rr.Body.String())
	}

	// The admission gate must run before the transactional insert: a
	// rejected delivery must never end up committed as pending.
	if _, ok := events.byID["d-full"]; ok {
		t.Fatalf("expected the event to never be persisted when the queue is full")
	}
	if len(qStore.entries) != 0 {
		t.Fatalf("expected no queue entry persisted when the queue is full, got %d", len(qStore.entries))
	}
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	body := []byte(`{"repository":{"full_name":"acme/web"}}`)

	req := httptest.NewRequest("POST", "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "d2")
	req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
	req.Header.Set(signature.GitHubSignatureHeader, "sha256=deadbeef")

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	if rr.Code != 401 {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleWebhook_SecondDeliveryIsDuplicate(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	body := []byte(`{"action":"opened","pull_request":{"number":1,"head":{"ref":"x","sha":"s"},"user":{"login":"a"}},"repository":{"full_name":"acme/web"}}`)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/webhook/github", strings.NewReader(string(body)))
		req.Header.Set("X-GitHub-Event", "pull_request")
		req.Header.Set("X-GitHub-Delivery", "d3")
		req.Header.Set("User-Agent", "GitHub-Hookshot/abc")
		req.Header.Set(signature.GitHubSignatureHeader, sign(body))

		rr := httptest.NewRecorder()
		s.Routes().ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i, rr.Code, rr.Body.String())
		}

		var resp response
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if i == 1 && !resp.Duplicate {
			t.Fatalf("expected second delivery to be marked duplicate, got %+v", resp)
		}
	}
}
