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

package conflict

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

// Log keeps the conflict records of the current session. When full, the
// oldest record is dropped.
type Log struct {
	mu      sync.RWMutex
	records []Record
	limit   int
	now     func() time.Time
}

// NewLog creates a log holding at most limit records. Zero uses the default.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = constants.DefaultConflictLogSize
	}

	return &Log{limit: limit, now: time.Now}
}

// Append stores rec, stamping ResolvedAt if it is unset, and returns the stored record.
func (l *Log) Append(rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = l.now()
	}

	l.records = append(l.records, rec)
	if len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}

	return rec
}

// Records returns all records, oldest first.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)

	return out
}

// ForKey returns the records of one row, oldest first.
func (l *Log) ForKey(table, key string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)

	for _, rec := range l.records {
		if rec.Table == table && rec.Key == key {
			out = append(out, rec)
		}
	}

	return out
}

// Len returns the number of stored records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.records)
}
