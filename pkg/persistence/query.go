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

package persistence

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Operator represents a comparison operator for filtering documents.
// Names follow MongoDB ($eq, $gt, ...).
type Operator string

const (
	Eq  Operator = "$eq"  // Equal: field == value
	Ne  Operator = "$ne"  // Not equal: field != value
	Gt  Operator = "$gt"  // Greater than: field > value
	Gte Operator = "$gte" // Greater than or equal: field >= value
	Lt  Operator = "$lt"  // Less than: field < value
	Lte Operator = "$lte" // Less than or equal: field <= value
	In  Operator = "$in"  // In array: field IN (value1, value2, ...)
	Nin Operator = "$nin" // Not in array: field NOT IN (value1, value2, ...)
)

// FilterCondition is a single field comparison. Field may address nested
// documents with dots ("value.trialId").
type FilterCondition struct {
	Field string
	Op    Operator
	Value interface{}
}

// SortOrder specifies ascending or descending sort direction.
type SortOrder int

const (
	Asc  SortOrder = 1  // Ascending order (A-Z, 0-9, oldest-newest)
	Desc SortOrder = -1 // Descending order (Z-A, 9-0, newest-oldest)
)

// SortField is one sort key.
type SortField struct {
	Field string
	Order SortOrder
}

// Query represents filtering, sorting, and pagination criteria.
// Filters are combined with AND.
//
// Example:
//
//	q := persistence.NewQuery().
//	    Filter("status", persistence.In, []string{"pending", "syncing"}).
//	    Sort("seq", persistence.Asc).
//	    Limit(100)
type Query struct {
	Filters    []FilterCondition
	SortBy     []SortField
	LimitCount int
	SkipCount  int
}

// NewQuery creates an empty query that matches every document.
func NewQuery() *Query {
	return &Query{}
}

// Filter adds a filter condition. Returns the query for chaining.
func (q *Query) Filter(field string, op Operator, value interface{}) *Query {
	q.Filters = append(q.Filters, FilterCondition{Field: field, Op: op, Value: value})

	return q
}

// Sort adds a sort key. Earlier keys take precedence. Returns the query for chaining.
func (q *Query) Sort(field string, order SortOrder) *Query {
	q.SortBy = append(q.SortBy, SortField{Field: field, Order: order})

	return q
}

// Limit caps the number of results. Zero means unlimited.
func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count

	return q
}

// Skip skips the first count results after sorting.
func (q *Query) Skip(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.SkipCount = count

	return q
}

// Matches reports whether doc satisfies every filter of q.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		if !f.matches(doc) {
			return false
		}
	}

	return true
}

// Apply filters, sorts and paginates docs. The input slice is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))

	for _, doc := range docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}

	if len(q.SortBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.SortBy {
				a, _ := Lookup(out[i], s.Field)
				b, _ := Lookup(out[j], s.Field)

				c, ok := compare(a, b)
				if !ok || c == 0 {
					continue
				}

				if s.Order == Desc {
					return c > 0
				}

				return c < 0
			}

			return false
		})
	}

	if q.SkipCount > 0 {
		if q.SkipCount >= len(out) {
			return []Document{}
		}

		out = out[q.SkipCount:]
	}

	if q.LimitCount > 0 && len(out) > q.LimitCount {
		out = out[:q.LimitCount]
	}

	return out
}

// Lookup resolves a dotted field path inside doc.
func Lookup(doc Document, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)

	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}

			current = v
		case Document:
			v, ok := m[part]
			if !ok {
				return nil, false
			}

			current = v
		default:
			return nil, false
		}
	}

	return current, true
}

func (f FilterCondition) matches(doc Document) bool {
	actual, present := Lookup(doc, f.Field)

	switch f.Op {
	case Eq:
		return present && equal(actual, f.Value)
	case Ne:
		return !present || !equal(actual, f.Value)
	case Gt, Gte, Lt, Lte:
		if !present {
			return false
		}

		c, ok := compare(actual, f.Value)
		if !ok {
			return false
		}

		switch f.Op {
		case Gt:
			return c > 0
		case Gte:
			return c >= 0
		case Lt:
			return c < 0
		default:
			return c <= 0
		}
	case In:
		return present && contains(f.Value, actual)
	case Nin:
		return !present || !contains(f.Value, actual)
	default:
		return false
	}
}

func contains(list interface{}, value interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), value) {
			return true
		}
	}

	return false
}

func equal(a, b interface{}) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}

	return reflect.DeepEqual(a, b)
}

// compare orders two scalar values. Numbers of any Go numeric type compare
// numerically, strings lexically, times chronologically and bools false<true.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}

		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}

		return strings.Compare(va, vb), true
	case time.Time:
		vb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}

		return va.Compare(vb), true
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}

		switch {
		case va == vb:
			return 0, true
		case !va:
			return -1, true
		default:
			return 1, true
		}
	}

	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Int64 reads a numeric document field as int64. JSON decoding turns numbers
// into float64, so stored counters come back in that form.
func Int64(doc Document, field string) int64 {
	v, ok := doc[field]
	if !ok {
		return 0
	}

	f, ok := toFloat(v)
	if !ok {
		return 0
	}

	return int64(f)
}

// String reads a string document field.
func String(doc Document, field string) string {
	s, _ := doc[field].(string)

	return s
}

// Time reads an RFC3339Nano timestamp field. Missing or malformed values give the zero time.
func Time(doc Document, field string) time.Time {
	switch v := doc[field].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}

		return t
	default:
		return time.Time{}
	}
}

// FormatTime renders t the way Time parses it. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// Map reads a nested object field.
func Map(doc Document, field string) map[string]interface{} {
	switch v := doc[field].(type) {
	case map[string]interface{}:
		return v
	case Document:
		return v
	default:
		return nil
	}
}

// String returns a compact description of the query for logs.
func (q Query) String() string {
	return fmt.Sprintf("filters=%d sort=%d limit=%d skip=%d", len(q.Filters), len(q.SortBy), q.LimitCount, q.SkipCount)
}
