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
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/serving"

	"github.com/hooksmith/pipeline/pkg/config"
	"github.com/hooksmith/pipeline/pkg/dedup"
	"github.com/hooksmith/pipeline/pkg/ingest"
	"github.com/hooksmith/pipeline/pkg/model"
	"github.com/hooksmith/pipeline/pkg/queue"
	"github.com/hooksmith/pipeline/pkg/ratelimit"
	"github.com/hooksmith/pipeline/pkg/secrets"
	"github.com/hooksmith/pipeline/pkg/signature"
	"github.com/hooksmith/pipeline/pkg/store"
	"github.com/hooksmith/pipeline/pkg/version"
	"github.com/hooksmith/pipeline/pkg/webhook"
)

var _ cli.Command = (*WebhookServerCommand)(nil)

// WebhookServerCommand starts the ingress HTTP server (spec §4.1-§4.5).
type WebhookServerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *WebhookServerCommand) Desc() string {
	return `Start the webhook ingress server`
}

func (c *WebhookServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the webhook ingress server.
`
}

func (c *WebhookServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *WebhookServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	return server.StartHTTPHandler(ctx, mux)
}

func (c *WebhookServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.Infow("server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	githubSecret, err := secrets.Resolve(ctx, c.cfg.WebhookSecretGitHub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve github webhook secret: %w", err)
	}
	linearSecret, err := secrets.Resolve(ctx, c.cfg.WebhookSecretLinear)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve linear webhook secret: %w", err)
	}

	db, err := store.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	events := store.NewEventRepository(db)
	queueStore := store.NewQueueRepository(db)

	q := queue.New(queueStore, c.cfg.MaxQueue)
	if err := q.Recover(ctx, time.Now().UTC()); err != nil {
		return nil, nil, fmt.Errorf("failed to recover queue: %w", err)
	}

	limiter, err := newLimiter(c.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	validator := signature.New(map[model.Provider]signature.Provider{
		model.ProviderGitHub: {Header: signature.GitHubSignatureHeader, Prefix: "sha256=", Secret: []byte(githubSecret)},
		model.ProviderLinear: {Header: signature.LinearSignatureHeader, Prefix: "", Secret: []byte(linearSecret)},
	})

	srv := webhook.NewServer(webhook.Deps{
		Validator:  validator,
		Limiter:    limiter,
		Parser:     ingest.New(),
		Dedup:      dedup.New(events, c.cfg.DupWindow()),
		Events:     events,
		Queue:      q,
		MaxRetries: c.cfg.MaxRetries,
	})

	server, err := serving.New(portOf(c.cfg.ListenAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, srv.Routes(), nil
}

// portOf extracts the bare port number serving.New expects from a
// "[host]:port" bind address; LISTEN_ADDR is specified as a full address
// (spec §6) for operator familiarity, but abcxyz/pkg/serving binds by port.
func portOf(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return port
	}
	return addr
}

// newLimiter builds a Redis-backed limiter when REDIS_ADDR is set, falling
// back to the in-process token bucket otherwise (spec §4.2).
func newLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RedisAddr == "" {
		return ratelimit.New(cfg.RateLimitR, cfg.RateLimitWindow()), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewRedis(client, cfg.RateLimitR, cfg.RateLimitWindow()), nil
}
