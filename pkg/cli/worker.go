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
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/hooksmith/pipeline/pkg/bus"
	"github.com/hooksmith/pipeline/pkg/config"
	"github.com/hooksmith/pipeline/pkg/correlation"
	"github.com/hooksmith/pipeline/pkg/dispatch"
	"github.com/hooksmith/pipeline/pkg/process"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/secrets"
	"github.com/hooksmith/pipeline/pkg/store"
	"github.com/hooksmith/pipeline/pkg/version"
	"github.com/hooksmith/pipeline/pkg/worker"
)

var _ cli.Command = (*WorkerCommand)(nil)

// WorkerCommand runs the correlation/dispatch worker pool (spec §4.7-§4.9).
type WorkerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *WorkerCommand) Desc() string {
	return `Run the correlation/dispatch worker pool`
}

func (c *WorkerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Run the correlation/dispatch worker pool.
`
}

func (c *WorkerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *WorkerCommand) Run(ctx context.Context, args []string) error {
	pool, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	pool.Run(ctx)
	return nil
}

func (c *WorkerCommand) RunUnstarted(ctx context.Context, args []string) (*worker.Pool, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.Infow("worker pool starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	agentAPIToken, err := secrets.Resolve(ctx, c.cfg.AgentAPIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agentapi token: %w", err)
	}

	db, err := store.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	events := store.NewEventRepository(db)
	queueStore := store.NewQueueRepository(db)
	workflows := store.NewWorkflowRepository(db)
	correlations := store.NewCorrelationRepository(db)

	q := queue.New(queueStore, c.cfg.MaxQueue)
	if err := q.Recover(ctx, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}

	engine := correlation.New(workflows, correlations)
	dispatcher := dispatch.New(dispatch.Config{
		BaseURL: c.cfg.AgentAPIBaseURL,
		Token:   agentAPIToken,
		Timeout: c.cfg.AgentAPITimeout(),
	})

	var publisher process.Publisher
	if c.cfg.ProjectID != "" && c.cfg.LifecycleTopicID != "" {
		pub, err := bus.NewPublisher(ctx, c.cfg.ProjectID, c.cfg.LifecycleTopicID)
		if err != nil {
			return nil, fmt.Errorf("failed to create lifecycle publisher: %w", err)
		}
		publisher = pub
	}

	handler := process.New(engine, dispatcher, publisher)

	pool := worker.New(worker.Config{
		NumWorkers:     c.cfg.NWorkers,
		JobTimeout:     c.cfg.JobTimeout(),
		RetryBaseDelay: c.cfg.RetryBase(),
		RetryMaxDelay:  c.cfg.RetryMax(),
	}, q, events, handler.Handle)

	return pool, nil
}
