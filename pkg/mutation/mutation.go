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

package mutation

import (
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
)

// Status is the lifecycle state of a mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusApplied Status = "applied"
	// StatusParked marks a conflict the resolver could not merge safely. It waits for review.
	StatusParked Status = "parked"
	// StatusDead marks a mutation moved to the dead-letter partition.
	StatusDead Status = "dead"
)

// Mutation is a durable local write awaiting remote confirmation.
type Mutation struct {
	ID        string                 `json:"id"`
	Table     string                 `json:"table"`
	TargetKey string                 `json:"targetKey"`
	Operation remote.Operation       `json:"operation"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	// BaseVersion is the remote version the write was made against.
	BaseVersion int64 `json:"baseVersion"`
	// BaseValue is the value the write was made against. The conflict resolver
	// uses it to tell which fields changed remotely in the meantime.
	BaseValue     map[string]interface{} `json:"baseValue,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	Seq           int64                  `json:"seq"`
	RetryCount    int                    `json:"retryCount"`
	ManualRetries int                    `json:"manualRetries"`
	Status        Status                 `json:"status"`
	LastError     string                 `json:"lastError,omitempty"`
	NextAttemptAt time.Time              `json:"nextAttemptAt,omitempty"`
}

// Clone returns a deep copy.
func (m Mutation) Clone() Mutation {
	m.Payload = persistence.DeepCopyValue(m.Payload)
	m.BaseValue = persistence.DeepCopyValue(m.BaseValue)

	return m
}

func encode(m *Mutation) persistence.Document {
	doc := persistence.Document{
		persistence.IDField: m.ID,
		"table":             m.Table,
		"targetKey":         m.TargetKey,
		"operation":         string(m.Operation),
		"baseVersion":       m.BaseVersion,
		"createdAt":         persistence.FormatTime(m.CreatedAt),
		"seq":               m.Seq,
		"retryCount":        int64(m.RetryCount),
		"manualRetries":     int64(m.ManualRetries),
		"status":            string(m.Status),
		"lastError":         m.LastError,
		"nextAttemptAt":     persistence.FormatTime(m.NextAttemptAt),
	}

	if m.Payload != nil {
		doc["payload"] = persistence.DeepCopyValue(m.Payload)
	}

	if m.BaseValue != nil {
		doc["baseValue"] = persistence.DeepCopyValue(m.BaseValue)
	}

	return doc
}

func decode(doc persistence.Document) *Mutation {
	return &Mutation{
		ID:            doc.ID(),
		Table:         persistence.String(doc, "table"),
		TargetKey:     persistence.String(doc, "targetKey"),
		Operation:     remote.Operation(persistence.String(doc, "operation")),
		Payload:       persistence.DeepCopyValue(persistence.Map(doc, "payload")),
		BaseVersion:   persistence.Int64(doc, "baseVersion"),
		BaseValue:     persistence.DeepCopyValue(persistence.Map(doc, "baseValue")),
		CreatedAt:     persistence.Time(doc, "createdAt"),
		Seq:           persistence.Int64(doc, "seq"),
		RetryCount:    int(persistence.Int64(doc, "retryCount")),
		ManualRetries: int(persistence.Int64(doc, "manualRetries")),
		Status:        Status(persistence.String(doc, "status")),
		LastError:     persistence.String(doc, "lastError"),
		NextAttemptAt: persistence.Time(doc, "nextAttemptAt"),
	}
}
