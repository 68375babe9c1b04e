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

// Package fsm holds the per-table sync state machine.
//
// A table is idle, syncing, in error after a cycle exhausted its retry
// budget, or disabled by the kill switch. An error does not block other
// tables and is left by a manual retry or the next successful cycle.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
)

// Operational states of a table.
const (
	StateIdle     = "idle"
	StateSyncing  = "syncing"
	StateError    = "error"
	StateDisabled = "disabled"
)

// Events of the table machine.
const (
	EventStart   = "start"
	EventSucceed = "succeed"
	EventFail    = "fail"
	// EventAbort ends a cycle that was cancelled, e.g. by Stop, without judging it.
	EventAbort   = "abort"
	EventDisable = "disable"
	EventEnable  = "enable"
)

// ErrBusy is returned by Begin while a cycle is running.
var ErrBusy = errors.New("sync already in progress")

// Transitions of the table machine.
func Transitions() []fsm.EventDesc {
	return []fsm.EventDesc{
		// idle/error -> syncing
		{Name: EventStart, Src: []string{StateIdle, StateError}, Dst: StateSyncing},
		// syncing -> idle
		{Name: EventSucceed, Src: []string{StateSyncing}, Dst: StateIdle},
		// syncing -> error
		{Name: EventFail, Src: []string{StateSyncing}, Dst: StateError},
		// syncing -> idle, the previous error is kept
		{Name: EventAbort, Src: []string{StateSyncing}, Dst: StateIdle},
		// everywhere -> disabled
		{Name: EventDisable, Src: []string{StateIdle, StateSyncing, StateError}, Dst: StateDisabled},
		// disabled -> idle
		{Name: EventEnable, Src: []string{StateDisabled}, Dst: StateIdle},
	}
}

// TableStatus is a snapshot of a table machine.
type TableStatus struct {
	LastError     error
	LastErrorAt   time.Time
	LastSuccessAt time.Time
	Table         string
	State         string
	Attempts      int
}

// TableMachine wraps a looplab FSM for one table.
type TableMachine struct {
	now           func() time.Time
	fsm           *fsm.FSM
	logger        *zap.SugaredLogger
	lastError     error
	lastErrorAt   time.Time
	lastSuccessAt time.Time
	callbacks     map[string]fsm.Callback
	table         string
	attempts      int
	mu            sync.RWMutex
}

// NewTableMachine creates an idle machine. now may be nil.
func NewTableMachine(table string, now func() time.Time, log *zap.SugaredLogger) *TableMachine {
	if now == nil {
		now = time.Now
	}

	m := &TableMachine{
		table:     table,
		now:       now,
		logger:    logger.OrFor(log, logger.ComponentSyncState).With("table", table),
		callbacks: make(map[string]fsm.Callback),
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events(Transitions()),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				metrics.UpdateTableState(m.table, e.Dst)
				m.logger.Debugf("Table %s: %s -> %s (%s)", m.table, e.Src, e.Dst, e.Event)

				if cb, ok := m.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	metrics.UpdateTableState(table, StateIdle)

	return m
}

// AddCallback registers a callback for "enter_<state>". Register callbacks
// before the machine is used.
func (m *TableMachine) AddCallback(name string, cb fsm.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks[name] = cb
}

// Current returns the current state.
func (m *TableMachine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.fsm.Current()
}

// Begin moves the table into syncing. It returns ErrBusy when a cycle is
// already running and an error when the table is disabled.
func (m *TableMachine) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() == StateSyncing {
		return ErrBusy
	}

	if err := m.sendEvent(ctx, EventStart); err != nil {
		return err
	}

	m.attempts++

	return nil
}

// Succeed ends a cycle successfully and clears the last error.
func (m *TableMachine) Succeed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sendEvent(ctx, EventSucceed); err != nil {
		return err
	}

	m.lastError = nil
	m.lastSuccessAt = m.now()
	m.attempts = 0

	return nil
}

// Fail ends a cycle in error.
func (m *TableMachine) Fail(ctx context.Context, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sendEvent(ctx, EventFail); err != nil {
		return err
	}

	m.lastError = cause
	m.lastErrorAt = m.now()

	return nil
}

// Abort ends a cycle without changing the last error.
func (m *TableMachine) Abort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sendEvent(ctx, EventAbort)
}

// Disable parks the table while the kill switch is off for it. Disabling a
// disabled table is a no-op.
func (m *TableMachine) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() == StateDisabled {
		return nil
	}

	return m.sendEvent(ctx, EventDisable)
}

// Enable returns a disabled table to idle. Other states are left alone.
func (m *TableMachine) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() != StateDisabled {
		return nil
	}

	return m.sendEvent(ctx, EventEnable)
}

// Status returns a snapshot.
func (m *TableMachine) Status() TableStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return TableStatus{
		Table:         m.table,
		State:         m.fsm.Current(),
		LastError:     m.lastError,
		LastErrorAt:   m.lastErrorAt,
		LastSuccessAt: m.lastSuccessAt,
		Attempts:      m.attempts,
	}
}

// sendEvent refuses to start a transition with a cancelled context, since an
// interrupted looplab transition leaves the machine stuck. Moving into the
// current state is not an error. Callers hold m.mu.
func (m *TableMachine) sendEvent(ctx context.Context, event string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := m.fsm.Event(ctx, event)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("table %s: %w", m.table, err)
	}

	return nil
}
