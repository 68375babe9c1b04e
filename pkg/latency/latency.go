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

// Package latency keeps a time-bounded window of duration samples and
// summarizes it. Samples older than the window expire on their own.
package latency

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// Stats summarizes the samples currently in a window.
type Stats struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// Window is a rolling set of samples keyed by observation time.
type Window struct {
	samples *expiremap.ExpireMap[time.Time, time.Duration]
}

// NewWindow creates a window that keeps samples for ttl.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		samples: expiremap.NewEx[time.Time, time.Duration](ttl, ttl),
	}
}

// Record adds a sample observed now.
func (w *Window) Record(d time.Duration) {
	w.RecordAt(time.Now(), d)
}

// RecordAt adds a sample observed at t. Samples at the same instant overwrite each other.
func (w *Window) RecordAt(t time.Time, d time.Duration) {
	w.samples.Set(t, d)
}

// Stats computes min/max/avg/p95/p99 over the window.
func (w *Window) Stats() Stats {
	return Calculate(w.samples)
}

// Calculate summarizes an expiremap of durations.
func Calculate(latencies *expiremap.ExpireMap[time.Time, time.Duration]) Stats {
	var (
		minimum, maximum time.Duration
		total            int64
		durations        []time.Duration
	)

	latencies.Range(func(_ time.Time, value time.Duration) bool {
		if len(durations) == 0 || value < minimum {
			minimum = value
		}

		if value > maximum {
			maximum = value
		}

		total += value.Nanoseconds()
		durations = append(durations, value)

		return true
	})

	items := len(durations)
	if items == 0 {
		return Stats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	return Stats{
		Min:     minimum,
		Max:     maximum,
		Avg:     time.Duration(total / int64(items)),
		P95:     durations[percentileIndex(items, 0.95)],
		P99:     durations[percentileIndex(items, 0.99)],
		Samples: items,
	}
}

func percentileIndex(items int, p float64) int {
	idx := int(float64(items) * p)
	if idx >= items {
		idx = items - 1
	}

	if idx < 0 {
		idx = 0
	}

	return idx
}
