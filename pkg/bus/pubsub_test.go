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

package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
)

func TestLifecycleEvent_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	ev := LifecycleEvent{
		Kind:       LifecycleCompleted,
		WorkflowID: "wf-1",
		Type:       model.WorkflowPullRequest,
		EventID:    "e1",
		At:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out LifecycleEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != ev {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", out, ev)
	}
}
