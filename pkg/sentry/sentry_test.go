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

package sentry_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
)

func TestSentry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sentry Suite")
}

var _ = Describe("Sentry", func() {
	var log *zap.SugaredLogger

	BeforeEach(func() {
		log = zaptest.NewLogger(GinkgoT()).Sugar()
		sentry.EnableTestMode()
		DeferCleanup(sentry.DisableTestMode)
	})

	DescribeTable("maps versions to environments",
		func(version, environment string) {
			Expect(sentry.Environment(version)).To(Equal(environment))
		},
		Entry("release", "1.4.2", constants.DefaultProductionEnvironment),
		Entry("release candidate", "1.5.0-rc.1", constants.DefaultDevelopmentEnvironment),
		Entry("dev build", constants.DefaultAppVersion, constants.DefaultDevelopmentEnvironment),
		Entry("garbage", "not-a-version", constants.DefaultDevelopmentEnvironment),
	)

	It("stays disabled without a DSN", func() {
		sentry.InitSentry("", "1.4.2", false)

		Expect(func() {
			sentry.ReportIssue(errors.New("sync failed"), sentry.IssueTypeError, log)     //nolint:err113 // Test needs dynamic error
			sentry.ReportIssue(errors.New("storage low"), sentry.IssueTypeWarning, log)   //nolint:err113 // Test needs dynamic error
			sentry.ReportSyncError(log, "scores", "pull", errors.New("connection reset")) //nolint:err113 // Test needs dynamic error
		}).NotTo(Panic())
	})

	It("ignores nil errors and nil loggers", func() {
		Expect(func() {
			sentry.ReportIssue(nil, sentry.IssueTypeFatal, nil)
			sentry.ReportIssue(errors.New("no logger"), sentry.IssueTypeWarning, nil) //nolint:err113 // Test needs dynamic error
		}).NotTo(Panic())
	})

	It("panics on fatal issues", func() {
		Expect(func() {
			sentry.ReportIssue(errors.New("malformed kill switch"), sentry.IssueTypeFatal, log) //nolint:err113 // Test needs dynamic error
		}).To(Panic())
	})
})
