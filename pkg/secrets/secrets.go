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

// Package secrets resolves HMAC webhook secrets and the AgentAPI bearer
// token from Google Secret Manager so none of them need to live in plain
// environment variables.
package secrets

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// smPrefix marks a config value as a Secret Manager resource name rather
// than a literal. A config value of "sm://projects/p/secrets/s/versions/latest"
// resolves to whatever AccessSecret returns for
// "projects/p/secrets/s/versions/latest"; anything else passes through
// unchanged.
const smPrefix = "sm://"

// Resolve returns raw unchanged unless it carries the sm:// prefix, in
// which case it fetches the referenced secret version from Secret
// Manager. It instantiates (and closes) a client per call, so callers
// resolving many secrets at once should prefer AccessSecret against a
// shared client.
func Resolve(ctx context.Context, raw string) (s string, e error) {
	if !strings.HasPrefix(raw, smPrefix) {
		return raw, nil
	}
	resourceName := strings.TrimPrefix(raw, smPrefix)
	return AccessSecretFromSecretManager(ctx, resourceName)
}

// AccessSecretFromSecretManager reads a secret from Secret Manager and validates that it was not
// corrupted during retrieval. The secretResourceName should be in the format:
// 'projects/*/secrets/*/versions/*'. This function is intended for use cases
// where you need to fetch one and only one secret from secret manager as it
// instantiates a temporary secret manager client in order to fetch the secret.
// Due to the expensive nature of instantiating clients, AccessSecret should be
// used instead if multiple secrets need to be fetched from secret manager.
func AccessSecretFromSecretManager(ctx context.Context, secretResourceName string) (s string, e error) {
	sm, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create secret manager client: %w", err)
	}
	defer func(sm *secretmanager.Client) {
		if err := sm.Close(); err != nil {
			e = fmt.Errorf("failed to close secret manager client: %w", err)
		}
	}(sm)
	secret, err := AccessSecret(ctx, sm, secretResourceName)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret: %w", err)
	}
	return secret, nil
}

// AccessSecret reads a secret from Secret Manager using the given client and
// validates that it was not corrupted during retrieval. The secretResourceName
// should be in the format: 'projects/*/secrets/*/versions/*'.
func AccessSecret(ctx context.Context, client *secretmanager.Client, secretResourceName string) (string, error) {
	req := secretmanagerpb.AccessSecretVersionRequest{
		Name: secretResourceName,
	}
	result, err := client.AccessSecretVersion(ctx, &req)
	if err != nil {
		return "", fmt.Errorf("failed to get secret version for %q - %w", secretResourceName, err)
	}
	crc32c := crc32.MakeTable(crc32.Castagnoli)
	checksum := int64(crc32.Checksum(result.Payload.Data, crc32c))
	if checksum != *result.Payload.DataCrc32C {
		return "", fmt.Errorf("failed to get secret version for %q - data corrupted", secretResourceName)
	}
	return string(result.Payload.Data), nil
}
