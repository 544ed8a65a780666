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

// Package ingest extracts a canonical model.Event from a raw provider
// webhook request (spec §4.3).
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hooksmith/pipeline/pkg/model"
)

// ErrMalformedPayload is returned when shape-critical fields required for
// the event's type are missing (spec §4.3).
var ErrMalformedPayload = errors.New("ingest: malformed payload")

const (
	githubEventHeader      = "X-GitHub-Event"
	githubDeliveryHeader   = "X-GitHub-Delivery"
	githubUserAgentPrefix  = "GitHub-Hookshot/"
	linearEventHeader      = "Linear-Event"
	linearDeliveryHeader   = "Linear-Delivery"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// requiredHeaders mirrors spec §4.3: "Validates presence of provider-required
// headers".
func requiredHeaders(provider model.Provider, r *http.Request) (deliveryID, eventType string, err error) {
	switch provider {
	case model.ProviderGitHub:
		ua := r.Header.Get("User-Agent")
		if !strings.HasPrefix(ua, githubUserAgentPrefix) {
			return "", "", fmt.Errorf("%w: unexpected User-Agent %q", ErrMalformedPayload, ua)
		}
		deliveryID = r.Header.Get(githubDeliveryHeader)
		eventType = r.Header.Get(githubEventHeader)
		if deliveryID == "" || eventType == "" {
			return "", "", fmt.Errorf("%w: missing %s/%s headers", ErrMalformedPayload, githubDeliveryHeader, githubEventHeader)
		}
		return deliveryID, eventType, nil
	case model.ProviderLinear:
		deliveryID = r.Header.Get(linearDeliveryHeader)
		eventType = r.Header.Get(linearEventHeader)
		if deliveryID == "" {
			return "", "", fmt.Errorf("%w: missing %s header", ErrMalformedPayload, linearDeliveryHeader)
		}
		return deliveryID, eventType, nil
	default:
		return "", "", fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, provider)
	}
}

// providerFields is the subset of a parsed payload the dispatcher and
// correlation engine need; everything else stays in the opaque payload map
// (spec §9 "Dynamic payloads").
type providerFields struct {
	Action   string
	Repo     string
	PRNumber string
	HeadSHA  string
	User     string
}

// shapeCheck is validated with struct tags so MalformedPayload is raised
// by a declarative pass instead of ad hoc nil checks (SPEC_FULL.md domain
// stack: go-playground/validator).
type shapeCheck struct {
	Repo string `validate:"required"`
}

// Parser turns a raw HTTP request into a provisional, unpersisted
// model.Event plus the decoded payload map used by downstream stages.
type Parser struct{}

// New creates a Parser.
func New() *Parser { return &Parser{} }

// Result is the output of Parse: the provisional event and its decoded
// JSON payload (kept separate from Event.Payload's raw bytes so callers
// can navigate it without re-unmarshaling).
type Result struct {
	Event   model.Event
	Decoded map[string]any
}

// Parse validates headers, decodes the JSON body, computes the semantic key
// and returns a provisional Event with Status=received (spec §4.3).
func (p *Parser) Parse(provider model.Provider, r *http.Request, body []byte) (*Result, error) {
	deliveryID, eventType, err := requiredHeaders(provider, r)
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON body: %v", ErrMalformedPayload, err)
		}
	} else {
		decoded = map[string]any{}
	}

	fields := extractFields(eventType, decoded)

	if err := requireShapeCriticalFields(eventType, decoded); err != nil {
		return nil, err
	}

	action, _ := decoded["action"].(string)

	hash := sha256.Sum256(body)

	semanticKey := computeSemanticKey(eventType, action, fields.Repo, fields.PRNumber, fields.HeadSHA, fields.User)

	ev := model.Event{
		ID:           deliveryID,
		Provider:     provider,
		Type:         eventType,
		Action:       action,
		ReceivedAt:   time.Now().UTC(),
		Payload:      body,
		RawBytesHash: hex.EncodeToString(hash[:]),
		SemanticKey:  semanticKey,
		Status:       model.EventReceived,
	}

	return &Result{Event: ev, Decoded: decoded}, nil
}

// requireShapeCriticalFields enforces spec §4.3: "Fails with
// MalformedPayload if shape-critical fields missing (e.g.
// repository.full_name for push/PR events)."
func requireShapeCriticalFields(eventType string, decoded map[string]any) error {
	switch eventType {
	case "push", "pull_request", "check_run", "check_suite":
		var repo string
		if v, ok := nested(decoded, "repository", "full_name"); ok {
			repo, _ = v.(string)
		}
		if err := validate.Struct(&shapeCheck{Repo: repo}); err != nil {
			return fmt.Errorf("%w: missing repository.full_name for %q event: %v", ErrMalformedPayload, eventType, err)
		}
	}
	return nil
}

func extractFields(eventType string, decoded map[string]any) providerFields {
	var f providerFields
	if repo, ok := nested(decoded, "repository", "full_name"); ok {
		f.Repo, _ = repo.(string)
	}

	switch eventType {
	case "pull_request":
		if n, ok := nested(decoded, "pull_request", "number"); ok {
			f.PRNumber = fmt.Sprint(n)
		} else if n, ok := decoded["number"]; ok {
			f.PRNumber = fmt.Sprint(n)
		}
		if sha, ok := nested(decoded, "pull_request", "head", "sha"); ok {
			f.HeadSHA, _ = sha.(string)
		}
		if login, ok := nested(decoded, "pull_request", "user", "login"); ok {
			f.User, _ = login.(string)
		}
	case "push":
		if sha, ok := decoded["after"]; ok {
			f.HeadSHA, _ = sha.(string)
		}
		if pusher, ok := nested(decoded, "pusher", "name"); ok {
			f.User, _ = pusher.(string)
		}
	case "check_run":
		if sha, ok := nested(decoded, "check_run", "head_sha"); ok {
			f.HeadSHA, _ = sha.(string)
		}
	case "check_suite":
		if sha, ok := nested(decoded, "check_suite", "head_sha"); ok {
			f.HeadSHA, _ = sha.(string)
		}
	case "issue", "issue.update", "Issue":
		if login, ok := nested(decoded, "data", "assignee", "name"); ok {
			f.User, _ = login.(string)
		} else if login, ok := nested(decoded, "issue", "assignee", "login"); ok {
			f.User, _ = login.(string)
		}
	}
	return f
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

// computeSemanticKey implements spec §4.3:
// sha256(join("|", type, action, repo, pr_number?, head_sha?, user?))
// with missing components substituted by empty string but positions
// preserved.
func computeSemanticKey(eventType, action, repo, prNumber, headSHA, user string) string {
	joined := strings.Join([]string{eventType, action, repo, prNumber, headSHA, user}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// ParsePRNumber converts a PR number in string form to an int, reporting
// false for an empty or non-numeric string.
func ParsePRNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
