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

package killswitch_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
)

func TestKillSwitch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KillSwitch Suite")
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

var _ = Describe("Config", func() {
	It("enables everything by default", func() {
		cfg := killswitch.Default()
		Expect(cfg.Enabled()).To(BeTrue())
		Expect(cfg.ReplicationEnabled("scores")).To(BeTrue())

		for _, f := range killswitch.Features() {
			Expect(cfg.FeatureEnabled(f)).To(BeTrue(), string(f))
		}
	})

	It("disables selected tables and features", func() {
		cfg, err := killswitch.Parse([]byte(`
enabled: true
reason: scores double-posting
tables:
  scores: false
  trials: true
features:
  realtime: false
`))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.ReplicationEnabled("scores")).To(BeFalse())
		Expect(cfg.ReplicationEnabled("trials")).To(BeTrue())
		Expect(cfg.ReplicationEnabled("entries")).To(BeTrue())
		Expect(cfg.FeatureEnabled(killswitch.FeatureRealtime)).To(BeFalse())
		Expect(cfg.FeatureEnabled(killswitch.FeatureEviction)).To(BeTrue())
		Expect(cfg.DisabledTables()).To(Equal([]string{"scores"}))
		Expect(cfg.Reason()).To(Equal("scores double-posting"))
	})

	It("turns every table and feature off when globally disabled", func() {
		cfg, err := killswitch.Parse([]byte("enabled: false\ntables:\n  scores: true\n"))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.ReplicationEnabled("scores")).To(BeFalse())
		Expect(cfg.FeatureEnabled(killswitch.FeatureCrossTab)).To(BeFalse())
		Expect(cfg.String()).To(ContainSubstring("disabled"))
	})

	DescribeTable("rejects malformed documents",
		func(doc string) {
			_, err := killswitch.Parse([]byte(doc))
			Expect(err).To(MatchError(killswitch.ErrInvalidConfig))
		},
		Entry("broken yaml", "enabled: [true"),
		Entry("unknown key", "enabeld: false"),
		Entry("unknown feature", "features:\n  teleport: false"),
		Entry("wrong type", "enabled: maybe"),
	)

	It("treats an empty document as the default", func() {
		cfg, err := killswitch.Parse([]byte("  \n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Enabled()).To(BeTrue())
	})

	Describe("environment override", func() {
		It("overrides the document", func() {
			cfg, err := killswitch.Default().WithEnvOverride(env(map[string]string{killswitch.EnvReplicationEnabled: "false"}))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Enabled()).To(BeFalse())
			Expect(cfg.Reason()).To(ContainSubstring(killswitch.EnvReplicationEnabled))
		})

		It("does not mutate the original", func() {
			base, err := killswitch.Parse([]byte("tables:\n  scores: false\n"))
			Expect(err).ToNot(HaveOccurred())

			_, err = base.WithEnvOverride(env(map[string]string{killswitch.EnvReplicationEnabled: "0"}))
			Expect(err).ToNot(HaveOccurred())
			Expect(base.Enabled()).To(BeTrue())
		})

		It("rejects non-boolean values", func() {
			_, err := killswitch.Default().WithEnvOverride(env(map[string]string{killswitch.EnvReplicationEnabled: "nope"}))
			Expect(err).To(MatchError(killswitch.ErrInvalidConfig))
		})
	})

	Describe("Load", func() {
		It("returns the default for a missing file", func() {
			GinkgoT().Setenv(killswitch.EnvReplicationEnabled, "")

			cfg, err := killswitch.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Enabled()).To(BeTrue())
		})

		It("reads the file from disk", func() {
			GinkgoT().Setenv(killswitch.EnvReplicationEnabled, "")

			path := filepath.Join(GinkgoT().TempDir(), "killswitch.yaml")
			Expect(os.WriteFile(path, []byte("features:\n  eviction: false\n"), 0o600)).To(Succeed())

			cfg, err := killswitch.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.FeatureEnabled(killswitch.FeatureEviction)).To(BeFalse())
		})
	})
})
