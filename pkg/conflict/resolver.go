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

// Package conflict resolves a queued mutation against a remote row that
// changed after the mutation was made.
//
// The merge starts from the remote value and overlays the fields the mutation
// targeted. Structural fields (ids, ownership, creation metadata) always keep
// the remote value. A targeted field that also changed remotely since the
// mutation's base value goes to whichever edit is newer; a tie keeps the
// remote value. Every value that loses is recorded in the ConflictRecord.
//
// A delete racing a modification cannot be merged and is parked for review.
//
// Resolve is a pure function: identical inputs give identical records.
package conflict

import (
	"bytes"
	"sort"
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// Resolution is the outcome of a conflict.
type Resolution string

const (
	LocalWins  Resolution = "local-wins"
	RemoteWins Resolution = "remote-wins"
	Merged     Resolution = "merged"
	// Parked means no safe merge exists. The mutation waits for manual review.
	Parked Resolution = "parked"
)

// Side names where a discarded value came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Reasons recorded with discarded values.
const (
	ReasonStructural      = "structural field is remote-authoritative"
	ReasonNewerRemoteEdit = "remote edit is newer"
	ReasonNewerLocalEdit  = "local edit is newer"
	ReasonDeleteVsModify  = "delete raced a modification"
)

// DiscardedField is a value that lost the merge.
type DiscardedField struct {
	Field  string      `json:"field"`
	Side   Side        `json:"side"`
	Value  interface{} `json:"value"`
	Reason string      `json:"reason"`
}

// Record is the audit trail of one resolution.
type Record struct {
	MutationID  string                 `json:"mutationId"`
	Table       string                 `json:"table"`
	Key         string                 `json:"key"`
	LocalValue  map[string]interface{} `json:"localValue,omitempty"`
	RemoteValue map[string]interface{} `json:"remoteValue,omitempty"`
	// MergedValue is the value to write. Nil when nothing needs writing.
	MergedValue   map[string]interface{} `json:"mergedValue,omitempty"`
	RemoteVersion int64                  `json:"remoteVersion"`
	Resolution    Resolution             `json:"resolution"`
	Discarded     []DiscardedField       `json:"discarded,omitempty"`
	// Reason explains a parked resolution.
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// NeedsWrite reports whether the mutation still has to reach the remote.
// For deletes MergedValue stays nil.
func (r Record) NeedsWrite() bool {
	return r.Resolution == LocalWins || r.Resolution == Merged
}

// Resolve computes the resolution of m against the current remote row.
// local is the value the device shows for the row; it is kept for audit.
// structural lists the remote-authoritative fields of the table.
func Resolve(local map[string]interface{}, current remote.Row, m mutation.Mutation, structural []string) Record {
	rec := Record{
		MutationID:    m.ID,
		Table:         m.Table,
		Key:           m.TargetKey,
		LocalValue:    persistence.DeepCopyValue(local),
		RemoteValue:   persistence.DeepCopyValue(current.Value),
		RemoteVersion: current.Version,
	}

	remoteModified := current.Version > m.BaseVersion

	if m.Operation == remote.OpDelete {
		switch {
		case current.Deleted:
			rec.Resolution = RemoteWins
		case remoteModified:
			rec.Resolution = Parked
			rec.Reason = ReasonDeleteVsModify
		default:
			rec.Resolution = LocalWins
		}

		return rec
	}

	if current.Deleted {
		if m.Operation == remote.OpInsert {
			rec.Resolution = LocalWins
			rec.MergedValue = persistence.DeepCopyValue(m.Payload)

			return rec
		}

		rec.Resolution = Parked
		rec.Reason = ReasonDeleteVsModify

		for _, field := range sortedKeys(m.Payload) {
			rec.Discarded = append(rec.Discarded, DiscardedField{Field: field, Side: SideLocal, Value: m.Payload[field], Reason: ReasonDeleteVsModify})
		}

		return rec
	}

	return merge(rec, current, m, toSet(structural))
}

func merge(rec Record, current remote.Row, m mutation.Mutation, structural map[string]struct{}) Record {
	merged := persistence.DeepCopyValue(current.Value)
	if merged == nil {
		merged = make(map[string]interface{})
	}

	localNewer := m.CreatedAt.After(current.UpdatedAt)

	var localContributed, remoteContributed bool

	for _, field := range sortedKeys(m.Payload) {
		localValue := m.Payload[field]
		remoteValue, remoteHas := current.Value[field]

		if remoteHas && sameValue(localValue, remoteValue) {
			continue
		}

		if _, isStructural := structural[field]; isStructural && remoteHas {
			rec.Discarded = append(rec.Discarded, DiscardedField{Field: field, Side: SideLocal, Value: localValue, Reason: ReasonStructural})
			remoteContributed = true

			continue
		}

		if changedSinceBase(m.BaseValue, current.Value, field) {
			if !localNewer {
				rec.Discarded = append(rec.Discarded, DiscardedField{Field: field, Side: SideLocal, Value: localValue, Reason: ReasonNewerRemoteEdit})
				remoteContributed = true

				continue
			}

			if remoteHas {
				rec.Discarded = append(rec.Discarded, DiscardedField{Field: field, Side: SideRemote, Value: remoteValue, Reason: ReasonNewerLocalEdit})
			}
		}

		merged[field] = localValue
		localContributed = true
	}

	for _, field := range sortedKeys(current.Value) {
		if _, targeted := m.Payload[field]; targeted {
			continue
		}

		if changedSinceBase(m.BaseValue, current.Value, field) {
			remoteContributed = true

			break
		}
	}

	switch {
	case !localContributed:
		rec.Resolution = RemoteWins
	case remoteContributed:
		rec.Resolution = Merged
		rec.MergedValue = persistence.DeepCopyValue(merged)
	default:
		rec.Resolution = LocalWins
		rec.MergedValue = persistence.DeepCopyValue(merged)
	}

	return rec
}

// changedSinceBase reports whether field differs between the mutation's base value and the remote value.
func changedSinceBase(base, current map[string]interface{}, field string) bool {
	baseValue, baseHas := base[field]
	currentValue, currentHas := current[field]

	if baseHas != currentHas {
		return true
	}

	return baseHas && !sameValue(baseValue, currentValue)
}

// sameValue compares JSON values by their encoding so 1 and 1.0 are equal.
func sameValue(a, b interface{}) bool {
	encodedA, errA := safejson.Marshal(a)
	encodedB, errB := safejson.Marshal(b)

	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(encodedA, encodedB)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func toSet(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}

	return set
}
