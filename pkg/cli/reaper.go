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

package cli

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/config"
	"github.com/hooksmith/pipeline/pkg/reaper"
	"github.com/hooksmith/pipeline/pkg/store"
	"github.com/hooksmith/pipeline/pkg/version"
)

var _ cli.Command = (*ReaperCommand)(nil)

// ReaperCommand runs the periodic stale-entry reaper (spec §4.6, SPEC_FULL.md
// domain stack) under a go-gcslock distributed lock so only one replica
// reclaims at a time.
type ReaperCommand struct {
	cli.BaseCommand

	cfg *config.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ReaperCommand) Desc() string {
	return `Run the periodic stale queue entry reaper`
}

func (c *ReaperCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Run the periodic stale queue entry reaper.
`
}

func (c *ReaperCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ReaperCommand) Run(ctx context.Context, args []string) error {
	r, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	defer r.Close(ctx) //nolint:errcheck // best-effort on shutdown
	return r.Run(ctx)
}

func (c *ReaperCommand) RunUnstarted(ctx context.Context, args []string) (*reaper.Reaper, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.Infow("reaper starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c.cfg.ReaperLockBucket == "" {
		return nil, fmt.Errorf("REAPER_LOCK_BUCKET is required to run the reaper")
	}

	db, err := store.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	queueStore := store.NewQueueRepository(db)

	return reaper.New(ctx, queueStore, c.cfg.ReaperLockBucket, c.cfg.ReaperInterval(), nil)
}
