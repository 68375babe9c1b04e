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

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTrialsync(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Trialsync CLI Suite")
}

var _ = Describe("CLI", func() {
	var dir string

	execute := func(args ...string) (string, error) {
		cmd := newRootCommand()

		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)

		err := cmd.Execute()

		return out.String(), err
	}

	writeConfig := func(body string) string {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(body), 0o600)).To(Succeed())

		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("config validate", func() {
		It("accepts a complete config", func() {
			path := writeConfig("remote:\n  apiUrl: https://trials.example.org/v1\nagent:\n  killSwitchPath: " + filepath.Join(dir, "ks.yaml") + "\n")

			out, err := execute("config", "validate", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("configuration is valid"))
		})

		It("rejects a config without a remote", func() {
			path := writeConfig("agent:\n  metricsPort: 9000\n")

			_, err := execute("config", "validate", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
			Expect(err).To(MatchError(ContainSubstring("remote.apiUrl")))
		})

		It("rejects a malformed kill switch", func() {
			ks := filepath.Join(dir, "ks.yaml")
			Expect(os.WriteFile(ks, []byte("enabled: [nope"), 0o600)).To(Succeed())

			path := writeConfig("remote:\n  apiUrl: https://trials.example.org/v1\nagent:\n  killSwitchPath: " + ks + "\n")

			_, err := execute("config", "validate", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("config print", func() {
		It("redacts secrets", func() {
			path := writeConfig("remote:\n  apiUrl: https://trials.example.org/v1\n  authToken: secret-token\n")

			out, err := execute("config", "print", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("trials.example.org"))
			Expect(out).NotTo(ContainSubstring("secret-token"))
		})
	})

	Describe("status", func() {
		It("prints the report and triggers a sync when asked", func() {
			var synced []string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/sync":
					synced = append(synced, r.URL.Query().Get("table"))
					w.WriteHeader(http.StatusOK)
				case r.URL.Path == "/health/report":
					_, _ = w.Write([]byte("status: healthy\n"))
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer server.Close()

			out, err := execute("status", "--api", server.URL, "--sync=scores")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("status: healthy"))
			Expect(synced).To(Equal([]string{"scores"}))
		})

		It("surfaces API errors", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "not running", http.StatusServiceUnavailable)
			}))
			defer server.Close()

			_, err := execute("status", "--api", server.URL, "--sync")
			Expect(err).To(MatchError(ContainSubstring("not running")))
		})
	})
})
