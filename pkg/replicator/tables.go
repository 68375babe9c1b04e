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

package replicator

import (
	"fmt"
	"sort"
)

// Tables of the trial domain.
const (
	TableTrials     = "trials"
	TableClasses    = "classes"
	TableEntries    = "entries"
	TableScores     = "scores"
	TableExhibitors = "exhibitors"
)

// Scope narrows what a device replicates.
type Scope struct {
	// TrialIDs limits entries and scores to the device's active trials.
	// Empty means every trial.
	TrialIDs []string
	// PageSizes overrides the page size per table.
	PageSizes map[string]int
}

func (s Scope) trialFilter() map[string]interface{} {
	if len(s.TrialIDs) == 0 {
		return nil
	}

	return map[string]interface{}{"trialId": append([]string(nil), s.TrialIDs...)}
}

// NewTrials replicates trial headers. Club ownership and creation metadata
// belong to the secretary's back office.
func NewTrials(deps Deps, scope Scope) *Base {
	return NewBase(Definition{
		Table:      TableTrials,
		Structural: []string{"id", "clubId", "createdAt", "createdBy"},
		Required:   []string{"name", "startDate"},
		PageSize:   scope.PageSizes[TableTrials],
	}, deps)
}

// NewClasses replicates the classes offered at trials.
func NewClasses(deps Deps, scope Scope) *Base {
	return NewBase(Definition{
		Table:      TableClasses,
		Structural: []string{"id", "trialId", "createdAt"},
		Required:   []string{"trialId", "name"},
		PageSize:   scope.PageSizes[TableClasses],
	}, deps)
}

// NewEntries replicates dog entries of the active trials. The run order
// is set by the secretary and stays remote-authoritative.
func NewEntries(deps Deps, scope Scope) *Base {
	return NewBase(Definition{
		Table:      TableEntries,
		Structural: []string{"id", "trialId", "classId", "exhibitorId", "armband", "createdAt"},
		Required:   []string{"trialId", "classId", "exhibitorId"},
		PageSize:   scope.PageSizes[TableEntries],
		Filter:     scope.trialFilter(),
	}, deps)
}

// NewScores replicates judges' scoresheets of the active trials.
func NewScores(deps Deps, scope Scope) *Base {
	return NewBase(Definition{
		Table:      TableScores,
		Structural: []string{"id", "trialId", "classId", "entryId", "judgeId", "createdAt"},
		Required:   []string{"trialId", "entryId"},
		PageSize:   scope.PageSizes[TableScores],
		Filter:     scope.trialFilter(),
	}, deps)
}

// NewExhibitors replicates handlers and owners.
func NewExhibitors(deps Deps, scope Scope) *Base {
	return NewBase(Definition{
		Table:      TableExhibitors,
		Structural: []string{"id", "createdAt"},
		Required:   []string{"name"},
		PageSize:   scope.PageSizes[TableExhibitors],
	}, deps)
}

// Registry maps table names to replicators.
type Registry struct {
	replicators map[string]TableReplicator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{replicators: make(map[string]TableReplicator)}
}

// DefaultRegistry registers every table of the trial domain.
func DefaultRegistry(deps Deps, scope Scope) *Registry {
	r := NewRegistry()

	for _, rep := range []TableReplicator{
		NewTrials(deps, scope),
		NewClasses(deps, scope),
		NewEntries(deps, scope),
		NewScores(deps, scope),
		NewExhibitors(deps, scope),
	} {
		_ = r.Register(rep)
	}

	return r
}

// Register adds rep. A table can be registered once.
func (r *Registry) Register(rep TableReplicator) error {
	if _, ok := r.replicators[rep.Table()]; ok {
		return fmt.Errorf("table %s is already registered", rep.Table())
	}

	r.replicators[rep.Table()] = rep

	return nil
}

// Get returns the replicator of table.
func (r *Registry) Get(table string) (TableReplicator, bool) {
	rep, ok := r.replicators[table]

	return rep, ok
}

// Tables returns the registered tables, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.replicators))
	for table := range r.replicators {
		out = append(out, table)
	}

	sort.Strings(out)

	return out
}
