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

package fsm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/looplab/fsm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	internalfsm "github.com/united-manufacturing-hub/trialsync/internal/fsm"
)

func TestFSM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Table FSM Suite")
}

var _ = Describe("TableMachine", func() {
	var (
		ctx     context.Context
		machine *internalfsm.TableMachine
		now     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 4, 11, 9, 0, 0, 0, time.UTC)
		machine = internalfsm.NewTableMachine("scores", func() time.Time { return now }, zaptest.NewLogger(GinkgoT()).Sugar())
	})

	It("starts idle", func() {
		Expect(machine.Current()).To(Equal(internalfsm.StateIdle))
		Expect(machine.Status().LastError).ToNot(HaveOccurred())
	})

	It("runs a successful cycle", func() {
		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Current()).To(Equal(internalfsm.StateSyncing))

		Expect(machine.Succeed(ctx)).To(Succeed())

		status := machine.Status()
		Expect(status.State).To(Equal(internalfsm.StateIdle))
		Expect(status.LastSuccessAt).To(Equal(now))
		Expect(status.Attempts).To(BeZero())
	})

	It("rejects overlapping cycles", func() {
		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Begin(ctx)).To(MatchError(internalfsm.ErrBusy))
	})

	It("records failures and recovers on the next cycle", func() {
		cause := errors.New("remote unreachable") //nolint:err113 // Test needs dynamic error

		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Fail(ctx, cause)).To(Succeed())

		status := machine.Status()
		Expect(status.State).To(Equal(internalfsm.StateError))
		Expect(status.LastError).To(MatchError(cause))
		Expect(status.LastErrorAt).To(Equal(now))
		Expect(status.Attempts).To(Equal(1))

		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Status().Attempts).To(Equal(2))
		Expect(machine.Succeed(ctx)).To(Succeed())
		Expect(machine.Status().LastError).ToNot(HaveOccurred())
	})

	It("keeps the last error when a cycle is aborted", func() {
		cause := errors.New("boom") //nolint:err113 // Test needs dynamic error

		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Fail(ctx, cause)).To(Succeed())
		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Abort(ctx)).To(Succeed())

		Expect(machine.Current()).To(Equal(internalfsm.StateIdle))
		Expect(machine.Status().LastError).To(MatchError(cause))
	})

	It("is disabled and enabled idempotently", func() {
		Expect(machine.Disable(ctx)).To(Succeed())
		Expect(machine.Disable(ctx)).To(Succeed())
		Expect(machine.Current()).To(Equal(internalfsm.StateDisabled))
		Expect(machine.Begin(ctx)).ToNot(Succeed())

		Expect(machine.Enable(ctx)).To(Succeed())
		Expect(machine.Enable(ctx)).To(Succeed())
		Expect(machine.Current()).To(Equal(internalfsm.StateIdle))
	})

	It("refuses transitions with a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Expect(machine.Begin(cancelled)).To(MatchError(context.Canceled))
		Expect(machine.Current()).To(Equal(internalfsm.StateIdle))
	})

	It("runs enter callbacks", func() {
		entered := make([]string, 0)
		machine.AddCallback("enter_"+internalfsm.StateError, func(_ context.Context, e *fsm.Event) {
			entered = append(entered, e.Src)
		})

		Expect(machine.Begin(ctx)).To(Succeed())
		Expect(machine.Fail(ctx, errors.New("x"))).To(Succeed()) //nolint:err113 // Test needs dynamic error
		Expect(entered).To(Equal([]string{internalfsm.StateSyncing}))
	})
})
