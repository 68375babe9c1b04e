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

package health

import (
	"fmt"
	"strings"
	"time"
)

const reportAlerts = 5

// Report renders the current snapshot for logs and the CLI.
func (m *Monitor) Report() string {
	h := m.GetHealthMetrics()
	alerts := m.RecentAlerts(reportAlerts)

	var b strings.Builder

	fmt.Fprintf(&b, "status: %s\n", h.Status)
	fmt.Fprintf(&b, "syncs: %d total, %d ok, %d failed (window success rate %.1f%%)\n",
		h.TotalSyncs, h.SuccessfulSyncs, h.FailedSyncs, h.SuccessRate*100)
	fmt.Fprintf(&b, "duration: min %s, avg %s, max %s\n",
		h.MinDuration.Round(time.Millisecond), h.AvgDuration.Round(time.Millisecond), h.MaxDuration.Round(time.Millisecond))

	if h.StorageQuota > 0 {
		fmt.Fprintf(&b, "storage: %d / %d bytes (%.1f%%)\n", h.StorageUsed, h.StorageQuota, h.StorageRatio()*100)
	}

	fmt.Fprintf(&b, "mutations: %d pending, %d failed, %d dead-lettered\n", h.PendingMutations, h.FailedMutations, h.DeadLetters)

	if !h.LastSyncAt.IsZero() {
		fmt.Fprintf(&b, "last sync: %s\n", h.LastSyncAt.UTC().Format(time.RFC3339))
	}

	for _, e := range h.RecentErrors {
		fmt.Fprintf(&b, "error: [%s] %s: %s\n", e.At.UTC().Format(time.RFC3339), e.Table, e.Message)
	}

	for _, a := range alerts {
		fmt.Fprintf(&b, "alert: [%s] %s %s\n", a.Severity, a.Kind, a.Message)
	}

	return b.String()
}
