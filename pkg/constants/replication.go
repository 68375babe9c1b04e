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

package constants

import "time"

const (
	// DefaultSyncInterval is the period between scheduled sync cycles when the
	// periodicSync feature is enabled.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultFallbackPollInterval is used for tables whose realtime feed has failed.
	// It is shorter than DefaultSyncInterval so a table without push does not go stale.
	DefaultFallbackPollInterval = 30 * time.Second

	// DefaultRemoteTimeout bounds every single remote call (push, read, write-through).
	DefaultRemoteTimeout = 15 * time.Second

	// DefaultPullTimeout bounds one pull of a table, including every page of a full resync.
	DefaultPullTimeout = 2 * time.Minute

	// DefaultCycleAttempts is the retry budget of a single sync cycle. Only after
	// all attempts fail with retryable errors does the table go to Error.
	DefaultCycleAttempts = 3

	// DefaultDrainConcurrency caps how many keys of one table are pushed in parallel.
	DefaultDrainConcurrency = 4

	// DefaultPageSize is the number of rows requested per page during a full resync.
	DefaultPageSize = 500
)

const (
	// DefaultQuotaBytes is the local storage budget for cached rows (5 MB).
	DefaultQuotaBytes int64 = 5 * 1024 * 1024

	// DefaultSoftThreshold is the fraction of the quota eviction brings usage back under.
	DefaultSoftThreshold = 0.90

	// DefaultRecencyWeight and DefaultFrequencyWeight weigh the hybrid LRU/LFU score.
	DefaultRecencyWeight   = 0.7
	DefaultFrequencyWeight = 0.3
)

const (
	// DefaultMaxRetries is the number of transient failures before a mutation is marked failed.
	DefaultMaxRetries = 5

	// DefaultMaxFailed is the number of failed mutations kept for inspection.
	// Older failed mutations move to the dead-letter partition.
	DefaultMaxFailed = 100

	// DefaultMaxManualRetries is how often an operator may retry one failed mutation
	// before it is dead-lettered.
	DefaultMaxManualRetries = 3
)

const (
	// DefaultProbeInterval is the period of connectivity probes.
	DefaultProbeInterval = 10 * time.Second

	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultSlowThreshold is the p95 probe latency above which the link counts as slow.
	DefaultSlowThreshold = 1500 * time.Millisecond

	// DefaultLatencyWindow is how long probe samples are kept.
	DefaultLatencyWindow = 2 * time.Minute
)

const (
	// DefaultHealthWindow is the number of recent sync results the success rate is computed over.
	DefaultHealthWindow = 50

	// DefaultHealthMinSamples is the number of results needed before success-rate alerts fire.
	DefaultHealthMinSamples = 5

	// DefaultCriticalSuccessRate and DefaultWarningSuccessRate are the alert thresholds.
	DefaultCriticalSuccessRate = 0.90
	DefaultWarningSuccessRate  = 0.97

	// DefaultSlowSyncThreshold raises a warning when the average cycle takes longer.
	DefaultSlowSyncThreshold = 30 * time.Second

	// DefaultStorageWarningRatio raises a warning when usage reaches this share of the quota.
	DefaultStorageWarningRatio = 0.90

	// DefaultAlertCooldown suppresses identical alerts for this long.
	DefaultAlertCooldown = 5 * time.Minute

	// DefaultMaxAlerts and DefaultMaxRecentErrors bound the in-memory histories.
	DefaultMaxAlerts       = 200
	DefaultMaxRecentErrors = 20

	// DefaultConflictLogSize bounds the session conflict log.
	DefaultConflictLogSize = 500
)

const (
	// SchemaVersion is the version of the local persisted layout.
	SchemaVersion = 2

	// MutationCollection holds queued mutations.
	MutationCollection = "_mutations"

	// DeadLetterCollection holds mutations that exhausted their failure budget.
	DeadLetterCollection = "_dead_letter"

	// MetaCollection holds sync state and the schema version.
	MetaCollection = "_meta"

	// CacheCollectionPrefix prefixes the per-table cache collections.
	CacheCollectionPrefix = "cache_"
)

const (
	// DefaultMetricsPort serves /metrics.
	DefaultMetricsPort = 8081

	// DefaultAPIPort serves the diagnostics API.
	DefaultAPIPort = 8090

	// DefaultDBPath is the sqlite database file.
	DefaultDBPath = "/data/trialsync.db"

	// DefaultKillSwitchPath is the kill-switch document read at startup.
	DefaultKillSwitchPath = "/data/killswitch.yaml"

	// DefaultConfigPath is the application configuration file.
	DefaultConfigPath = "/data/config.yaml"
)
