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

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
)

type fakeChecker struct {
	byID     map[string]*model.Event
	bySemKey map[string]*model.Event
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{byID: map[string]*model.Event{}, bySemKey: map[string]*model.Event{}}
}

func (f *fakeChecker) FindByID(_ context.Context, id string) (*model.Event, error) {
	return f.byID[id], nil
}

func (f *fakeChecker) FindBySemanticWindow(_ context.Context, semanticKey, rawBytesHash string, _ time.Duration, _ time.Time) (*model.Event, error) {
	return f.bySemKey[semanticKey+"|"+rawBytesHash], nil
}

func TestDeduplicator_Check_HardDuplicate(t *testing.T) {
	t.Parallel()

	checker := newFakeChecker()
	checker.byID["d1"] = &model.Event{ID: "d1"}

	d := New(checker, time.Hour)
	dup, err := d.Check(context.Background(), &model.Event{ID: "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate by delivery ID")
	}
}

func TestDeduplicator_Check_SoftDuplicate(t *testing.T) {
	t.Parallel()

	checker := newFakeChecker()
	checker.bySemKey["sem1|hash1"] = &model.Event{ID: "original"}

	d := New(checker, time.Hour)
	dup, err := d.Check(context.Background(), &model.Event{ID: "retry", SemanticKey: "sem1", RawBytesHash: "hash1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate by semantic window")
	}
}

func TestDeduplicator_Check_NotDuplicate(t *testing.T) {
	t.Parallel()

	d := New(newFakeChecker(), time.Hour)
	dup, err := d.Check(context.Background(), &model.Event{ID: "fresh", SemanticKey: "sem2", RawBytesHash: "hash2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup {
		t.Fatalf("expected not a duplicate")
	}
}

func TestDeduplicator_Check_DefaultsWindow(t *testing.T) {
	t.Parallel()

	d := New(newFakeChecker(), 0)
	if d.window != time.Hour {
		t.Fatalf("expected default window of 1h, got %v", d.window)
	}
}
