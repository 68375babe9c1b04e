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
	"github.com/tiendc/go-deepcopy"
)

// DeepCopy returns a copy of doc that shares no nested maps or slices with it.
func DeepCopy(doc Document) Document {
	if doc == nil {
		return nil
	}

	var out Document
	if err := deepcopy.Copy(&out, doc); err != nil {
		return doc.Clone()
	}

	return out
}

// DeepCopyValue copies an arbitrary JSON-like value.
func DeepCopyValue(v map[string]interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}

	var out map[string]interface{}
	if err := deepcopy.Copy(&out, v); err != nil {
		out = make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
	}

	return out
}
