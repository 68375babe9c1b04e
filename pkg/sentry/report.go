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

package sentry

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// ReportIssue logs err and sends it to sentry. Warnings and errors are
// debounced per type; fatal issues are always sent and then panic.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err == nil {
		return
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("trialsync has encountered a fatal error and will now terminate", "error", err)
		sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
		Flush(flushTimeout)
		log.Panic("Fatal error")
	case IssueTypeError:
		log.Errorw("Reporting error", "error", err, "context", context)

		if !debounced(issueType) {
			sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warnw("Reporting warning", "error", err, "context", context)

		if !debounced(issueType) {
			sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportSyncError reports a failed sync with the table and operation attached.
func ReportSyncError(log *zap.SugaredLogger, table string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"table":     table,
		"operation": operation,
	})
}
