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

// Package killswitch holds the operational switch that disables replication
// globally, per table or per feature.
//
// A Config is immutable once built. Operators change behavior by writing a
// new document and letting the process read it again; the replication
// manager swaps the whole Config atomically.
//
// Example document:
//
//	enabled: true
//	reason: "scores double-posting, INC-2231"
//	tables:
//	  scores: false
//	features:
//	  realtime: false
package killswitch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvReplicationEnabled overrides the global flag when set.
const EnvReplicationEnabled = "TRIALSYNC_REPLICATION_ENABLED"

// Feature names a part of the replication machinery that can be switched off.
type Feature string

const (
	FeatureRealtime         Feature = "realtime"
	FeatureOfflineMutations Feature = "offlineMutations"
	FeatureCrossTab         Feature = "crossTab"
	FeaturePeriodicSync     Feature = "periodicSync"
	FeatureEviction         Feature = "eviction"
)

// Features lists every known feature.
func Features() []Feature {
	return []Feature{FeatureRealtime, FeatureOfflineMutations, FeatureCrossTab, FeaturePeriodicSync, FeatureEviction}
}

// ErrInvalidConfig is wrapped by every parse failure.
var ErrInvalidConfig = errors.New("invalid kill switch configuration")

type document struct {
	Enabled  *bool           `yaml:"enabled"`
	Reason   string          `yaml:"reason"`
	Tables   map[string]bool `yaml:"tables"`
	Features map[string]bool `yaml:"features"`
}

// Config is an immutable kill switch state.
type Config struct {
	tables   map[string]bool
	features map[Feature]bool
	reason   string
	enabled  bool
}

// Default enables everything.
func Default() Config {
	return Config{enabled: true}
}

// Disabled turns replication off globally.
func Disabled(reason string) Config {
	return Config{enabled: false, reason: reason}
}

// Parse reads a kill switch document. Unknown keys and unknown features are errors.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}

	var doc document

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg := Config{
		enabled: true,
		reason:  doc.Reason,
	}

	if doc.Enabled != nil {
		cfg.enabled = *doc.Enabled
	}

	if len(doc.Tables) > 0 {
		cfg.tables = make(map[string]bool, len(doc.Tables))
		for table, on := range doc.Tables {
			if strings.TrimSpace(table) == "" {
				return Config{}, fmt.Errorf("%w: empty table name", ErrInvalidConfig)
			}

			cfg.tables[table] = on
		}
	}

	if len(doc.Features) > 0 {
		cfg.features = make(map[Feature]bool, len(doc.Features))
		for name, on := range doc.Features {
			feature := Feature(name)
			if !known(feature) {
				return Config{}, fmt.Errorf("%w: unknown feature %q", ErrInvalidConfig, name)
			}

			cfg.features[feature] = on
		}
	}

	return cfg, nil
}

// Load reads the document at path and applies the environment override.
// A missing file yields the default configuration.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read kill switch file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg.WithEnvOverride(os.Getenv)
}

// WithEnvOverride applies EnvReplicationEnabled read through getenv.
func (c Config) WithEnvOverride(getenv func(string) string) (Config, error) {
	raw := strings.TrimSpace(getenv(EnvReplicationEnabled))
	if raw == "" {
		return c, nil
	}

	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, EnvReplicationEnabled, raw)
	}

	out := c.clone()
	out.enabled = enabled

	if !enabled && out.reason == "" {
		out.reason = "disabled through " + EnvReplicationEnabled
	}

	return out, nil
}

// Enabled reports the global flag.
func (c Config) Enabled() bool {
	return c.enabled
}

// Reason is the operator note that came with the document.
func (c Config) Reason() string {
	return c.reason
}

// ReplicationEnabled reports whether table goes through cache and queue.
// Tables not named in the document follow the global flag.
func (c Config) ReplicationEnabled(table string) bool {
	if !c.enabled {
		return false
	}

	on, ok := c.tables[table]

	return !ok || on
}

// FeatureEnabled reports whether feature is on. A globally disabled switch
// disables every feature.
func (c Config) FeatureEnabled(feature Feature) bool {
	if !c.enabled {
		return false
	}

	on, ok := c.features[feature]

	return !ok || on
}

// DisabledTables returns the tables switched off explicitly, sorted.
func (c Config) DisabledTables() []string {
	out := make([]string, 0, len(c.tables))

	for table, on := range c.tables {
		if !on {
			out = append(out, table)
		}
	}

	sort.Strings(out)

	return out
}

// String summarizes the state for logs.
func (c Config) String() string {
	if !c.enabled {
		return fmt.Sprintf("replication disabled (%s)", c.reason)
	}

	var off []string

	for _, f := range Features() {
		if !c.FeatureEnabled(f) {
			off = append(off, string(f))
		}
	}

	return fmt.Sprintf("replication enabled, disabled tables=%v, disabled features=%v", c.DisabledTables(), off)
}

func (c Config) clone() Config {
	out := Config{enabled: c.enabled, reason: c.reason}

	if c.tables != nil {
		out.tables = make(map[string]bool, len(c.tables))
		for k, v := range c.tables {
			out.tables[k] = v
		}
	}

	if c.features != nil {
		out.features = make(map[Feature]bool, len(c.features))
		for k, v := range c.features {
			out.features[k] = v
		}
	}

	return out
}

func known(feature Feature) bool {
	for _, f := range Features() {
		if f == feature {
			return true
		}
	}

	return false
}
