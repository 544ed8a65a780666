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

package correlation

import (
	"fmt"

	"github.com/hooksmith/pipeline/pkg/model"
)

// Extract returns the Identifiers an event maps to per spec §4.8's trigger
// table. ev supplies the event type; decoded is the full
// payload map, read for the repository and for the fields (push commit
// list, check_run associated PRs) that table needs beyond what
// ingest.Result.Event's provisional fields carry.
func Extract(ev *model.Event, decoded map[string]any) []model.Identifier {
	repo, _ := nested(decoded, "repository", "full_name")
	repoStr, _ := repo.(string)

	switch ev.Type {
	case "pull_request":
		return extractPullRequest(decoded, repoStr)
	case "push":
		return extractPush(decoded, repoStr)
	case "check_run", "check_suite":
		return extractCheck(ev.Type, decoded, repoStr)
	case "issue", "Issue":
		return extractIssue(decoded, repoStr)
	default:
		if repoStr != "" {
			return []model.Identifier{{Kind: model.IdentifierRepository, Value: repoStr}}
		}
		return nil
	}
}

func extractPullRequest(decoded map[string]any, repo string) []model.Identifier {
	var ids []model.Identifier
	if repo != "" {
		ids = append(ids, model.Identifier{Kind: model.IdentifierRepository, Value: repo})
	}
	n, ok := nested(decoded, "pull_request", "number")
	if !ok {
		n, ok = decoded["number"]
	}
	if ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierPullRequest, Value: fmt.Sprintf("%s#%v", repo, n)})
	}
	if ref, ok := nested(decoded, "pull_request", "head", "ref"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierBranch, Value: fmt.Sprintf("%s:%v", repo, ref)})
	}
	if sha, ok := nested(decoded, "pull_request", "head", "sha"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierCommit, Value: fmt.Sprint(sha)})
	}
	if login, ok := nested(decoded, "pull_request", "user", "login"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierUser, Value: fmt.Sprint(login)})
	}
	return ids
}

func extractPush(decoded map[string]any, repo string) []model.Identifier {
	var ids []model.Identifier
	if repo != "" {
		ids = append(ids, model.Identifier{Kind: model.IdentifierRepository, Value: repo})
	}
	if ref, ok := decoded["ref"]; ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierBranch, Value: fmt.Sprintf("%s:%v", repo, ref)})
	}
	if commits, ok := decoded["commits"].([]any); ok {
		for _, c := range commits {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if sha, ok := cm["id"]; ok {
				ids = append(ids, model.Identifier{Kind: model.IdentifierCommit, Value: fmt.Sprint(sha)})
			}
		}
	}
	if pusher, ok := nested(decoded, "pusher", "name"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierUser, Value: fmt.Sprint(pusher)})
	}
	return ids
}

func extractCheck(eventType string, decoded map[string]any, repo string) []model.Identifier {
	var ids []model.Identifier
	root := "check_run"
	if eventType == "check_suite" {
		root = "check_suite"
	}
	if sha, ok := nested(decoded, root, "head_sha"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierCommit, Value: fmt.Sprint(sha)})
	}
	if prs, ok := nested(decoded, root, "pull_requests"); ok {
		if list, ok := prs.([]any); ok {
			for _, item := range list {
				pm, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if n, ok := pm["number"]; ok {
					ids = append(ids, model.Identifier{Kind: model.IdentifierPullRequest, Value: fmt.Sprintf("%s#%v", repo, n)})
				}
			}
		}
	}
	return ids
}

func extractIssue(decoded map[string]any, repo string) []model.Identifier {
	var ids []model.Identifier
	if repo != "" {
		ids = append(ids, model.Identifier{Kind: model.IdentifierRepository, Value: repo})
	}
	if login, ok := nested(decoded, "issue", "assignee", "login"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierUser, Value: fmt.Sprint(login)})
	} else if name, ok := nested(decoded, "data", "assignee", "name"); ok {
		ids = append(ids, model.Identifier{Kind: model.IdentifierUser, Value: fmt.Sprint(name)})
	}
	return ids
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

// IsWorkflowStart reports whether ev matches a workflow-start trigger
// (spec §4.8 association rule): PR opened|reopened, or push to one of the
// long-lived branches.
func IsWorkflowStart(ev *model.Event, decoded map[string]any) bool {
	switch ev.Type {
	case "pull_request":
		return ev.Action == "opened" || ev.Action == "reopened"
	case "push":
		ref, _ := decoded["ref"].(string)
		for _, b := range []string{"refs/heads/main", "refs/heads/master", "refs/heads/develop"} {
			if ref == b {
				return true
			}
		}
	}
	return false
}

// IsWorkflowCompletion reports whether ev matches a workflow-completion
// trigger (spec §4.8 completion rule): PR closed, or check_suite completed
// with a terminal conclusion.
func IsWorkflowCompletion(ev *model.Event, decoded map[string]any) bool {
	switch ev.Type {
	case "pull_request":
		return ev.Action == "closed"
	case "check_suite":
		if ev.Action != "completed" {
			return false
		}
		conclusion, _ := nested(decoded, "check_suite", "conclusion")
		c, _ := conclusion.(string)
		return c == "success" || c == "failure"
	}
	return false
}
