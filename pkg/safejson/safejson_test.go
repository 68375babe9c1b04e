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

package safejson_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

func TestSafeJSON(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SafeJSON Suite")
}

var _ = Describe("safejson", func() {
	It("decodes a row value into generic maps", func() {
		var value map[string]interface{}
		Expect(safejson.Unmarshal([]byte(`{"points":30,"handler":"Kim","tags":["a"]}`), &value)).To(Succeed())
		Expect(value["points"]).To(BeEquivalentTo(30))
		Expect(value["handler"]).To(Equal("Kim"))
		Expect(value["tags"]).To(Equal([]interface{}{"a"}))
	})

	It("rejects a nil target", func() {
		Expect(safejson.Unmarshal([]byte(`{}`), nil)).To(MatchError(safejson.ErrNilTarget))
	})

	It("returns decode errors", func() {
		var value map[string]interface{}
		Expect(safejson.Unmarshal([]byte(`{"points":`), &value)).NotTo(Succeed())
	})

	It("sizes values by their encoding", func() {
		Expect(safejson.Size(map[string]interface{}{"a": 1})).To(BeEquivalentTo(len(`{"a":1}`)))
		Expect(safejson.Size(make(chan int))).To(BeZero())
	})

	It("panics in MustMarshal on unsupported values", func() {
		Expect(func() { safejson.MustMarshal(make(chan int)) }).To(Panic())
		Expect(safejson.MustMarshal([]int{1, 2})).To(Equal([]byte("[1,2]")))
	})
})
