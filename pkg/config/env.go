// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvAPIURL      = "TRIALSYNC_API_URL"
	EnvAuthToken   = "TRIALSYNC_AUTH_TOKEN"
	EnvDBPath      = "TRIALSYNC_DB_PATH"
	EnvQuotaBytes  = "TRIALSYNC_QUOTA_BYTES"
	EnvMetricsPort = "TRIALSYNC_METRICS_PORT"
	EnvAPIPort     = "TRIALSYNC_API_PORT"
	EnvSentryDSN   = "TRIALSYNC_SENTRY_DSN"
	EnvTrialIDs    = "TRIALSYNC_TRIAL_IDS"
)

// LoadWithEnvOverrides loads the config file at path and applies environment
// overrides. Variables in envFile are used when the process environment does
// not set them; a missing envFile is ignored. getenv defaults to os.Getenv.
//
// Only non-empty variables override; malformed numbers are errors.
func LoadWithEnvOverrides(path, envFile string, getenv func(string) string) (FullConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return FullConfig{}, err
	}

	lookup, err := envLookup(envFile, getenv)
	if err != nil {
		return FullConfig{}, err
	}

	return ApplyEnv(cfg, lookup)
}

// ApplyEnv returns cfg with the environment overrides applied.
func ApplyEnv(cfg FullConfig, getenv func(string) string) (FullConfig, error) {
	out := cfg.Clone()

	out.Remote.APIURL = getAsString(getenv, EnvAPIURL, out.Remote.APIURL)
	out.Remote.AuthToken = getAsString(getenv, EnvAuthToken, out.Remote.AuthToken)
	out.Storage.DBPath = getAsString(getenv, EnvDBPath, out.Storage.DBPath)
	out.Agent.SentryDSN = getAsString(getenv, EnvSentryDSN, out.Agent.SentryDSN)

	var err error

	if out.Storage.QuotaBytes, err = getAsInt64(getenv, EnvQuotaBytes, out.Storage.QuotaBytes); err != nil {
		return FullConfig{}, err
	}

	if out.Agent.MetricsPort, err = getAsInt(getenv, EnvMetricsPort, out.Agent.MetricsPort); err != nil {
		return FullConfig{}, err
	}

	if out.Agent.APIPort, err = getAsInt(getenv, EnvAPIPort, out.Agent.APIPort); err != nil {
		return FullConfig{}, err
	}

	if ids := getAsString(getenv, EnvTrialIDs, ""); ids != "" {
		out.Scope.TrialIDs = splitList(ids)
	}

	return out, nil
}

func envLookup(envFile string, getenv func(string) string) (func(string) string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if envFile == "" {
		return getenv, nil
	}

	fromFile, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return getenv, nil
		}

		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}

		return fromFile[key]
	}, nil
}

func getAsString(getenv func(string) string, key, defaultValue string) string {
	if value := strings.TrimSpace(getenv(key)); value != "" {
		return value
	}

	return defaultValue
}

func getAsInt(getenv func(string) string, key string, defaultValue int) (int, error) {
	value := getAsString(getenv, key, "")
	if value == "" {
		return defaultValue, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: environment variable %s must be an integer: %w", ErrInvalid, key, err)
	}

	return n, nil
}

func getAsInt64(getenv func(string) string, key string, defaultValue int64) (int64, error) {
	value := getAsString(getenv, key, "")
	if value == "" {
		return defaultValue, nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: environment variable %s must be an integer: %w", ErrInvalid, key, err)
	}

	return n, nil
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
