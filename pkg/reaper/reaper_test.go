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

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/hooksmith/pipeline/pkg/model"
)

type fakeLock struct {
	acquired int
	closed   int
}

func (f *fakeLock) Acquire(context.Context, time.Duration) error {
	f.acquired++
	return nil
}

func (f *fakeLock) Close(context.Context) error {
	f.closed++
	return nil
}

// fakeQueueStore implements store.QueueStore, stubbing out every method
// this test doesn't exercise.
type fakeQueueStore struct {
	reclaimed    int
	reclaimCalls int
}

func (f *fakeQueueStore) Enqueue(context.Context, *model.QueueEntry) error { return nil }

func (f *fakeQueueStore) ClaimNext(context.Context, time.Time) (*model.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueStore) Complete(context.Context, string, time.Time) error { return nil }

func (f *fakeQueueStore) Release(context.Context, string, time.Time, string) error { return nil }

func (f *fakeQueueStore) Dead(context.Context, string, string) error { return nil }

func (f *fakeQueueStore) ReclaimStale(context.Context, time.Time) (int, error) {
	f.reclaimCalls++
	return f.reclaimed, nil
}

func (f *fakeQueueStore) Size(context.Context) (int, error) { return 0, nil }

func TestReaper_Pass_AcquiresLockAndReclaims(t *testing.T) {
	t.Parallel()

	lock := &fakeLock{}
	qs := &fakeQueueStore{reclaimed: 3}
	r := &Reaper{queue: qs, lock: lock, interval: time.Second}

	r.pass(context.Background())

	if lock.acquired != 1 {
		t.Fatalf("expected lock acquired once, got %d", lock.acquired)
	}
	if lock.closed != 1 {
		t.Fatalf("expected lock released once, got %d", lock.closed)
	}
	if qs.reclaimCalls != 1 {
		t.Fatalf("expected one reclaim call, got %d", qs.reclaimCalls)
	}
}
