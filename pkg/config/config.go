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

// Package config loads the application configuration of trialsync.
//
// Order of precedence (highest to lowest):
//  1. Environment variables (TRIALSYNC_API_URL, TRIALSYNC_AUTH_TOKEN, ...),
//     including those read from a .env file
//  2. The YAML config file
//  3. Defaults from pkg/constants
//
// Unlike the kill switch, the config requires a restart to take effect.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type FullConfig struct {
	Agent   AgentConfig   `yaml:"agent"`   // Ports, logging and error reporting
	Remote  RemoteConfig  `yaml:"remote"`  // Connection to the trial backend
	Storage StorageConfig `yaml:"storage"` // Local database and cache quota
	Sync    SyncConfig    `yaml:"sync"`    // Sync cycle tuning
	Network NetworkConfig `yaml:"network"` // Connectivity probes
	Scope   ScopeConfig   `yaml:"scope,omitempty"`
}

type AgentConfig struct {
	MetricsPort    int    `yaml:"metricsPort"`
	APIPort        int    `yaml:"apiPort"`
	LogLevel       string `yaml:"logLevel,omitempty"`
	SentryDSN      string `yaml:"sentryDsn,omitempty"`
	KillSwitchPath string `yaml:"killSwitchPath"`
}

type RemoteConfig struct {
	APIURL           string        `yaml:"apiUrl,omitempty"`
	AuthToken        string        `yaml:"authToken,omitempty"`
	Timeout          time.Duration `yaml:"timeout"`
	AllowInsecureTLS bool          `yaml:"allowInsecureTLS,omitempty"`
	// Realtime enables the websocket change feed.
	Realtime bool `yaml:"realtime"`
}

type StorageConfig struct {
	DBPath     string `yaml:"dbPath"`
	QuotaBytes int64  `yaml:"quotaBytes"`
	// SoftThreshold is the share of the quota eviction brings usage back under.
	SoftThreshold float64 `yaml:"softThreshold"`
	// MaxDiskShare caps the quota at this share of the free disk space. Zero disables the cap.
	MaxDiskShare float64 `yaml:"maxDiskShare,omitempty"`
	Compress     bool    `yaml:"compress,omitempty"`
}

type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	FallbackPollInterval time.Duration `yaml:"fallbackPollInterval"`
	PullTimeout          time.Duration `yaml:"pullTimeout"`
	CycleAttempts        int           `yaml:"cycleAttempts"`
	DrainConcurrency     int           `yaml:"drainConcurrency"`
	MaxRetries           int           `yaml:"maxRetries"`
	MaxFailed            int           `yaml:"maxFailed"`
	MaxManualRetries     int           `yaml:"maxManualRetries"`
	// StaleAfter warns about tables without a successful sync for this long.
	// Zero means three intervals, negative disables the check.
	StaleAfter time.Duration `yaml:"staleAfter,omitempty"`
}

type NetworkConfig struct {
	ProbeInterval time.Duration `yaml:"probeInterval"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
}

// ScopeConfig narrows replication to the trials this device works on.
type ScopeConfig struct {
	TrialIDs []string `yaml:"trialIds,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() FullConfig {
	return FullConfig{
		Agent: AgentConfig{
			MetricsPort:    constants.DefaultMetricsPort,
			APIPort:        constants.DefaultAPIPort,
			LogLevel:       "PRODUCTION",
			KillSwitchPath: constants.DefaultKillSwitchPath,
		},
		Remote: RemoteConfig{
			Timeout:  constants.DefaultRemoteTimeout,
			Realtime: true,
		},
		Storage: StorageConfig{
			DBPath:        constants.DefaultDBPath,
			QuotaBytes:    constants.DefaultQuotaBytes,
			SoftThreshold: constants.DefaultSoftThreshold,
			MaxDiskShare:  0.5,
		},
		Sync: SyncConfig{
			Interval:             constants.DefaultSyncInterval,
			FallbackPollInterval: constants.DefaultFallbackPollInterval,
			PullTimeout:          constants.DefaultPullTimeout,
			CycleAttempts:        constants.DefaultCycleAttempts,
			DrainConcurrency:     constants.DefaultDrainConcurrency,
			MaxRetries:           constants.DefaultMaxRetries,
			MaxFailed:            constants.DefaultMaxFailed,
			MaxManualRetries:     constants.DefaultMaxManualRetries,
		},
		Network: NetworkConfig{
			ProbeInterval: constants.DefaultProbeInterval,
			ProbeTimeout:  constants.DefaultProbeTimeout,
		},
	}
}

// Parse decodes a config document on top of the defaults. Unknown keys are errors.
func Parse(data []byte) (FullConfig, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FullConfig{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return cfg, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (FullConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}

		return FullConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(data)
}

// Marshal renders the config as YAML.
func (c FullConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Clone returns a deep copy.
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	_ = deepcopy.Copy(&clone, &c)

	return clone
}

// Redacted returns a copy safe for logging.
func (c FullConfig) Redacted() FullConfig {
	clone := c.Clone()
	if clone.Remote.AuthToken != "" {
		clone.Remote.AuthToken = "***"
	}

	if clone.Agent.SentryDSN != "" {
		clone.Agent.SentryDSN = "***"
	}

	return clone
}

// Validate rejects values the replication manager cannot run with.
func (c FullConfig) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	check(validPort(c.Agent.MetricsPort), "agent.metricsPort %d is not a port", c.Agent.MetricsPort)
	check(validPort(c.Agent.APIPort), "agent.apiPort %d is not a port", c.Agent.APIPort)
	check(c.Agent.MetricsPort != c.Agent.APIPort, "agent.metricsPort and agent.apiPort are both %d", c.Agent.APIPort)
	check(c.Remote.APIURL != "", "remote.apiUrl is required")
	check(c.Remote.Timeout > 0, "remote.timeout must be positive")
	check(c.Storage.DBPath != "", "storage.dbPath is required")
	check(c.Storage.QuotaBytes >= 0, "storage.quotaBytes must not be negative")
	check(c.Storage.SoftThreshold > 0 && c.Storage.SoftThreshold <= 1, "storage.softThreshold %.2f must be in (0,1]", c.Storage.SoftThreshold)
	check(c.Storage.MaxDiskShare >= 0 && c.Storage.MaxDiskShare <= 1, "storage.maxDiskShare %.2f must be in [0,1]", c.Storage.MaxDiskShare)
	check(c.Sync.Interval > 0, "sync.interval must be positive")
	check(c.Sync.FallbackPollInterval > 0, "sync.fallbackPollInterval must be positive")
	check(c.Sync.PullTimeout > 0, "sync.pullTimeout must be positive")
	check(c.Sync.CycleAttempts >= 1, "sync.cycleAttempts must be at least 1")
	check(c.Sync.DrainConcurrency >= 1, "sync.drainConcurrency must be at least 1")
	check(c.Sync.MaxRetries >= 1, "sync.maxRetries must be at least 1")
	check(c.Sync.MaxFailed >= 1, "sync.maxFailed must be at least 1")
	check(c.Sync.MaxManualRetries >= 0, "sync.maxManualRetries must not be negative")
	check(c.Network.ProbeInterval > 0, "network.probeInterval must be positive")
	check(c.Network.ProbeTimeout > 0 && c.Network.ProbeTimeout <= c.Network.ProbeInterval,
		"network.probeTimeout must be positive and not exceed network.probeInterval")

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
