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

// Package config defines the environment-driven configuration shared by
// every pipeline command (webhook server, worker, reaper).
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config defines the full set of environment variables the pipeline reads,
// matching the Configuration table in SPEC_FULL.md §6.
type Config struct {
	WebhookSecretGitHub string `env:"WEBHOOK_SECRET_GITHUB"`
	WebhookSecretLinear string `env:"WEBHOOK_SECRET_LINEAR"`
	ListenAddr          string `env:"LISTEN_ADDR,default=:8080"`

	AgentAPIBaseURL   string `env:"AGENTAPI_BASE_URL,required"`
	AgentAPIToken     string `env:"AGENTAPI_TOKEN"`
	AgentAPITimeoutMS int    `env:"AGENTAPI_TIMEOUT_MS,default=10000"`

	NWorkers     int `env:"N_WORKERS,default=5"`
	MaxQueue     int `env:"MAX_QUEUE,default=10000"`
	JobTimeoutMS int `env:"JOB_TIMEOUT_MS,default=600000"`

	RetryBaseMS     int     `env:"RETRY_BASE_MS,default=5000"`
	RetryMaxMS      int     `env:"RETRY_MAX_MS,default=30000"`
	MaxRetries      int     `env:"MAX_RETRIES,default=10"`
	RetryMultiplier float64 `env:"RETRY_MULTIPLIER,default=2"`

	DupWindowS int `env:"DUP_WINDOW_S,default=3600"`

	WorkflowTTLS int `env:"WORKFLOW_TTL_S,default=604800"`
	EventTTLS    int `env:"EVENT_TTL_S,default=2592000"`

	RateLimitR  int    `env:"RATE_LIMIT_R,default=10"`
	RateLimitWS int    `env:"RATE_LIMIT_W_S,default=60"`
	RedisAddr   string `env:"REDIS_ADDR"`

	ReaperIntervalS          int    `env:"REAPER_INTERVAL_S,default=60"`
	ReaperLockBucket         string `env:"REAPER_LOCK_BUCKET"`
	AnalyticsExportEnabled   bool   `env:"ANALYTICS_EXPORT_ENABLED,default=false"`
	CancelOnWorkflowComplete bool   `env:"CANCEL_ON_WORKFLOW_COMPLETE,default=false"`
	DrainTimeoutS            int    `env:"DRAIN_TIMEOUT_S,default=30"`

	DatabaseURL      string `env:"DATABASE_URL,required"`
	ProjectID        string `env:"PROJECT_ID"`
	LifecycleTopicID string `env:"LIFECYCLE_TOPIC_ID"`
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	if cfg.AgentAPIBaseURL == "" {
		return fmt.Errorf("AGENTAPI_BASE_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.NWorkers <= 0 {
		return fmt.Errorf("N_WORKERS must be greater than 0")
	}
	if cfg.MaxQueue <= 0 {
		return fmt.Errorf("MAX_QUEUE must be greater than 0")
	}
	if cfg.RetryBaseMS <= 0 || cfg.RetryMaxMS < cfg.RetryBaseMS {
		return fmt.Errorf("RETRY_BASE_MS must be positive and no greater than RETRY_MAX_MS")
	}
	return nil
}

// JobTimeout returns JobTimeoutMS as a time.Duration.
func (cfg *Config) JobTimeout() time.Duration {
	return time.Duration(cfg.JobTimeoutMS) * time.Millisecond
}

// AgentAPITimeout returns AgentAPITimeoutMS as a time.Duration.
func (cfg *Config) AgentAPITimeout() time.Duration {
	return time.Duration(cfg.AgentAPITimeoutMS) * time.Millisecond
}

// RetryBase returns RetryBaseMS as a time.Duration.
func (cfg *Config) RetryBase() time.Duration {
	return time.Duration(cfg.RetryBaseMS) * time.Millisecond
}

// RetryMax returns RetryMaxMS as a time.Duration.
func (cfg *Config) RetryMax() time.Duration {
	return time.Duration(cfg.RetryMaxMS) * time.Millisecond
}

// DupWindow returns DupWindowS as a time.Duration.
func (cfg *Config) DupWindow() time.Duration {
	return time.Duration(cfg.DupWindowS) * time.Second
}

// RateLimitWindow returns RateLimitWS as a time.Duration.
func (cfg *Config) RateLimitWindow() time.Duration {
	return time.Duration(cfg.RateLimitWS) * time.Second
}

// ReaperInterval returns ReaperIntervalS as a time.Duration.
func (cfg *Config) ReaperInterval() time.Duration {
	return time.Duration(cfg.ReaperIntervalS) * time.Second
}

// DrainTimeout returns DrainTimeoutS as a time.Duration.
func (cfg *Config) DrainTimeout() time.Duration {
	return time.Duration(cfg.DrainTimeoutS) * time.Second
}

// New creates a new Config from environment variables.
func New(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("PIPELINE OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "webhook-secret-github",
		Target: &cfg.WebhookSecretGitHub,
		EnvVar: "WEBHOOK_SECRET_GITHUB",
		Usage:  `HMAC secret for GitHub webhook signatures.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "webhook-secret-linear",
		Target: &cfg.WebhookSecretLinear,
		EnvVar: "WEBHOOK_SECRET_LINEAR",
		Usage:  `HMAC secret for Linear webhook signatures.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "listen-addr",
		Target:  &cfg.ListenAddr,
		EnvVar:  "LISTEN_ADDR",
		Default: ":8080",
		Usage:   `Ingress bind address.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "agentapi-base-url",
		Target: &cfg.AgentAPIBaseURL,
		EnvVar: "AGENTAPI_BASE_URL",
		Usage:  `Base URL of the downstream AgentAPI.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "agentapi-token",
		Target: &cfg.AgentAPIToken,
		EnvVar: "AGENTAPI_TOKEN",
		Usage:  `Bearer token for AgentAPI requests.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "n-workers",
		Target:  &cfg.NWorkers,
		EnvVar:  "N_WORKERS",
		Default: 5,
		Usage:   `Number of worker pool goroutines.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-queue",
		Target:  &cfg.MaxQueue,
		EnvVar:  "MAX_QUEUE",
		Default: 10000,
		Usage:   `Maximum in-flight-or-pending queue entries.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `Postgres connection string.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "project-id",
		Target: &cfg.ProjectID,
		EnvVar: "PROJECT_ID",
		Usage:  `Google Cloud project ID for Pub/Sub and Secret Manager.`,
	})

	return set
}
