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
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

const (
	debounceWindow = 2 * time.Hour
	flushTimeout   = 5 * time.Second
)

var (
	debounceMu           sync.Mutex
	shouldDebounceErrors = true
	lastSent             = map[IssueType]time.Time{}
	enabled              bool
)

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	shouldDebounceErrors = false
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	shouldDebounceErrors = true
}

// Environment maps an app version to the sentry environment. Prerelease and
// unparseable versions report to development.
func Environment(appVersion string) string {
	version, err := semver.NewVersion(appVersion)
	if err != nil || version.Prerelease() != "" {
		return constants.DefaultDevelopmentEnvironment
	}

	return constants.DefaultProductionEnvironment
}

// InitSentry initializes sentry. An empty dsn or a local development build
// leaves reporting disabled.
func InitSentry(dsn string, appVersion string, debounceErrors bool) {
	debounceMu.Lock()
	shouldDebounceErrors = debounceErrors
	debounceMu.Unlock()

	if dsn == "" || appVersion == "" || appVersion == constants.DefaultAppVersion {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   Environment(appVersion),
		Release:       constants.SentryReleasePrefix + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return
	}

	enabled = true
}

// Flush waits for buffered events.
func Flush(timeout time.Duration) {
	if enabled {
		sentry.Flush(timeout)
	}
}

// debounced reports whether an issue of this type was sent recently and
// otherwise records the send.
func debounced(issueType IssueType) bool {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	if !shouldDebounceErrors {
		return false
	}

	if time.Since(lastSent[issueType]) < debounceWindow {
		return true
	}

	lastSent[issueType] = time.Now()

	return false
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	// first phrase, until a period, comma or colon
	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}

	if len(context) > 0 {
		event.Contexts = map[string]sentry.Context{"replication": context}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	if !enabled {
		return
	}

	sentry.CaptureEvent(event)
}
