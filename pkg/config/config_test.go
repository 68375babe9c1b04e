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

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/trialsync/pkg/config"
	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func valid() config.FullConfig {
	cfg := config.Default()
	cfg.Remote.APIURL = "https://trials.example.org/api"

	return cfg
}

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		It("returns the defaults for a missing file", func() {
			cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(config.Default()))
		})

		It("overlays the file on the defaults", func() {
			path := filepath.Join(dir, "config.yaml")
			Expect(os.WriteFile(path, []byte(`
remote:
  apiUrl: https://trials.example.org/api
sync:
  interval: 90s
scope:
  trialIds: [t1, t2]
`), 0o600)).To(Succeed())

			cfg, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Remote.APIURL).To(Equal("https://trials.example.org/api"))
			Expect(cfg.Sync.Interval).To(Equal(90 * time.Second))
			Expect(cfg.Sync.CycleAttempts).To(Equal(constants.DefaultCycleAttempts))
			Expect(cfg.Scope.TrialIDs).To(Equal([]string{"t1", "t2"}))
		})

		It("rejects unknown keys", func() {
			_, err := config.Parse([]byte("sync:\n  intervall: 5m\n"))
			Expect(err).To(MatchError(config.ErrInvalid))
		})

		It("round-trips through Marshal", func() {
			data, err := valid().Marshal()
			Expect(err).NotTo(HaveOccurred())

			cfg, err := config.Parse(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(valid()))
		})
	})

	Describe("environment overrides", func() {
		It("prefers the environment over the file", func() {
			cfg, err := config.ApplyEnv(valid(), env(map[string]string{
				config.EnvAPIURL:      "https://other.example.org",
				config.EnvAuthToken:   "secret",
				config.EnvQuotaBytes:  "1048576",
				config.EnvMetricsPort: "9100",
				config.EnvTrialIDs:    "t1, t3,",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Remote.APIURL).To(Equal("https://other.example.org"))
			Expect(cfg.Remote.AuthToken).To(Equal("secret"))
			Expect(cfg.Storage.QuotaBytes).To(BeEquivalentTo(1048576))
			Expect(cfg.Agent.MetricsPort).To(Equal(9100))
			Expect(cfg.Scope.TrialIDs).To(Equal([]string{"t1", "t3"}))
		})

		It("rejects malformed numbers", func() {
			_, err := config.ApplyEnv(valid(), env(map[string]string{config.EnvAPIPort: "eighty"}))
			Expect(err).To(MatchError(config.ErrInvalid))
		})

		It("reads variables missing from the environment from the .env file", func() {
			envFile := filepath.Join(dir, ".env")
			Expect(os.WriteFile(envFile, []byte("TRIALSYNC_API_URL=https://from-file.example.org\nTRIALSYNC_AUTH_TOKEN=file-token\n"), 0o600)).To(Succeed())

			cfg, err := config.LoadWithEnvOverrides(filepath.Join(dir, "missing.yaml"), envFile, env(map[string]string{
				config.EnvAuthToken: "env-token",
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Remote.APIURL).To(Equal("https://from-file.example.org"))
			Expect(cfg.Remote.AuthToken).To(Equal("env-token"))
		})

		It("ignores a missing .env file", func() {
			cfg, err := config.LoadWithEnvOverrides(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, ".env"), env(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Remote).To(Equal(config.Default().Remote))
			Expect(cfg.Storage).To(Equal(config.Default().Storage))
		})
	})

	Describe("Validate", func() {
		It("accepts the defaults with a remote", func() {
			Expect(valid().Validate()).To(Succeed())
		})

		It("reports every invalid value", func() {
			cfg := valid()
			cfg.Remote.APIURL = ""
			cfg.Agent.APIPort = cfg.Agent.MetricsPort
			cfg.Storage.SoftThreshold = 1.5
			cfg.Network.ProbeTimeout = time.Minute

			err := cfg.Validate()
			Expect(err).To(MatchError(config.ErrInvalid))
			Expect(err.Error()).To(ContainSubstring("remote.apiUrl"))
			Expect(err.Error()).To(ContainSubstring("agent.apiPort"))
			Expect(err.Error()).To(ContainSubstring("storage.softThreshold"))
			Expect(err.Error()).To(ContainSubstring("network.probeTimeout"))
		})
	})

	Describe("Clone", func() {
		It("does not share slices", func() {
			cfg := valid()
			cfg.Scope.TrialIDs = []string{"t1"}

			clone := cfg.Clone()
			clone.Scope.TrialIDs[0] = "changed"

			Expect(cfg.Scope.TrialIDs).To(Equal([]string{"t1"}))
		})

		It("redacts secrets", func() {
			cfg := valid()
			cfg.Remote.AuthToken = "secret"

			Expect(cfg.Redacted().Remote.AuthToken).To(Equal("***"))
			Expect(cfg.Remote.AuthToken).To(Equal("secret"))
		})
	})

	Describe("EffectiveQuota", func() {
		It("caps the quota at the configured share of free disk space", func() {
			storage := valid().Storage
			storage.QuotaBytes = 10 << 20
			storage.MaxDiskShare = 0.5

			quota, capped, err := storage.EffectiveQuota(func(string) (uint64, error) { return 4 << 20, nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(capped).To(BeTrue())
			Expect(quota).To(BeEquivalentTo(2 << 20))
		})

		It("keeps the quota when enough space is free", func() {
			storage := valid().Storage

			quota, capped, err := storage.EffectiveQuota(func(string) (uint64, error) { return 1 << 40, nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(capped).To(BeFalse())
			Expect(quota).To(Equal(storage.QuotaBytes))
		})

		It("falls back to the configured quota when the disk cannot be read", func() {
			storage := valid().Storage

			quota, _, err := storage.EffectiveQuota(func(string) (uint64, error) {
				return 0, errors.New("no such device") //nolint:err113 // Test needs dynamic error
			})
			Expect(err).To(HaveOccurred())
			Expect(quota).To(Equal(storage.QuotaBytes))
		})

		It("reads the real free space", func() {
			free, err := config.DiskFree(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(free).To(BeNumerically(">", 0))
		})
	})
})
