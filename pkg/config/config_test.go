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

package config

import (
	"testing"

	"github.com/abcxyz/pkg/testutil"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "success",
			cfg: &Config{
				AgentAPIBaseURL: "https://agentapi.internal",
				DatabaseURL:     "postgres://localhost/pipeline",
				NWorkers:        5,
				MaxQueue:        10000,
				RetryBaseMS:     5000,
				RetryMaxMS:      30000,
			},
		},
		{
			name: "missing_agentapi_base_url",
			cfg: &Config{
				DatabaseURL: "postgres://localhost/pipeline",
				NWorkers:    5,
				MaxQueue:    10000,
				RetryBaseMS: 5000,
				RetryMaxMS:  30000,
			},
			wantErr: "AGENTAPI_BASE_URL is required",
		},
		{
			name: "missing_database_url",
			cfg: &Config{
				AgentAPIBaseURL: "https://agentapi.internal",
				NWorkers:        5,
				MaxQueue:        10000,
				RetryBaseMS:     5000,
				RetryMaxMS:      30000,
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "bad_retry_bounds",
			cfg: &Config{
				AgentAPIBaseURL: "https://agentapi.internal",
				DatabaseURL:     "postgres://localhost/pipeline",
				NWorkers:        5,
				MaxQueue:        10000,
				RetryBaseMS:     30000,
				RetryMaxMS:      5000,
			},
			wantErr: "RETRY_BASE_MS must be positive and no greater than RETRY_MAX_MS",
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Errorf("Validate() got unexpected err: %s", diff)
			}
		})
	}
}
