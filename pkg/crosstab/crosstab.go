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

// Package crosstab keeps the in-memory views of several engine instances
// that share one durable store consistent by message passing.
//
// A Hub is the broadcast channel. Each Coordinator owns an inbox and an
// origin id, publishes its own cache writes and hands peers' writes to a
// handler. Messages travel encoded so no instance ever shares memory with
// another. Receivers only update their view; they never trigger a sync.
package crosstab

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/cache"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

const defaultInboxSize = 256

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("coordinator closed")

// Message is the broadcast envelope.
type Message struct {
	SentAt  time.Time              `json:"sentAt"`
	Value   map[string]interface{} `json:"value,omitempty"`
	Origin  string                 `json:"origin"`
	Table   string                 `json:"table"`
	Key     string                 `json:"key"`
	Version int64                  `json:"version"`
	Deleted bool                   `json:"deleted,omitempty"`
}

// Hub fans messages out to every registered inbox.
type Hub struct {
	members map[string]chan []byte
	dropped atomic.Int64
	size    int
	mu      sync.RWMutex
}

// NewHub creates a hub whose inboxes hold inboxSize messages.
func NewHub(inboxSize int) *Hub {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}

	return &Hub{members: make(map[string]chan []byte), size: inboxSize}
}

func (h *Hub) register(origin string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	inbox := make(chan []byte, h.size)
	h.members[origin] = inbox

	return inbox
}

func (h *Hub) unregister(origin string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if inbox, ok := h.members[origin]; ok {
		delete(h.members, origin)
		close(inbox)
	}
}

// broadcast delivers payload to every member except the sender. A full
// inbox drops the message for that member.
func (h *Hub) broadcast(from string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for origin, inbox := range h.members {
		if origin == from {
			continue
		}

		select {
		case inbox <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// Members returns the number of registered coordinators.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.members)
}

// Dropped returns how many deliveries were lost to full inboxes.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

type Config struct {
	Logger *zap.SugaredLogger

	// Enabled is consulted on every publish and delivery. nil means always.
	Enabled func() bool

	Now func() time.Time
}

// Coordinator is one participant of a hub.
type Coordinator struct {
	hub    *Hub
	inbox  <-chan []byte
	cfg    Config
	origin string

	listening sync.Once
	done      chan struct{}
	closed    atomic.Bool
}

// NewCoordinator joins hub with a fresh origin id.
func NewCoordinator(hub *Hub, cfg Config) *Coordinator {
	cfg.Logger = logger.OrFor(cfg.Logger, logger.ComponentCrossTab)

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	origin := uuid.NewString()

	return &Coordinator{
		hub:    hub,
		inbox:  hub.register(origin),
		cfg:    cfg,
		origin: origin,
		done:   make(chan struct{}),
	}
}

// Origin identifies this participant.
func (c *Coordinator) Origin() string {
	return c.origin
}

func (c *Coordinator) enabled() bool {
	return c.cfg.Enabled == nil || c.cfg.Enabled()
}

// Publish broadcasts a local cache write to the other participants.
func (c *Coordinator) Publish(change cache.Change) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if !c.enabled() {
		return nil
	}

	payload, err := safejson.Marshal(Message{
		SentAt:  c.cfg.Now(),
		Value:   change.Value,
		Origin:  c.origin,
		Table:   change.Table,
		Key:     change.Key,
		Version: change.Version,
		Deleted: change.Deleted,
	})
	if err != nil {
		return err
	}

	c.hub.broadcast(c.origin, payload)

	return nil
}

// Notify adapts Publish to the cache notifier hook.
func (c *Coordinator) Notify(change cache.Change) {
	if err := c.Publish(change); err != nil && !errors.Is(err, ErrClosed) {
		c.cfg.Logger.Warnw("Failed to publish cache change", "table", change.Table, "key", change.Key, "error", err)
	}
}

// Listen delivers peers' changes to handler until Close. Only the first
// call has an effect.
func (c *Coordinator) Listen(handler func(cache.Change)) {
	c.listening.Do(func() {
		go func() {
			defer close(c.done)

			for payload := range c.inbox {
				var msg Message
				if err := safejson.Unmarshal(payload, &msg); err != nil {
					c.cfg.Logger.Warnw("Dropping malformed cross-tab message", "error", err)

					continue
				}

				if msg.Origin == c.origin || !c.enabled() {
					continue
				}

				handler(cache.Change{
					Table:   msg.Table,
					Key:     msg.Key,
					Value:   msg.Value,
					Version: msg.Version,
					Deleted: msg.Deleted,
				})
			}
		}()
	})
}

// Close leaves the hub and waits for the listener to finish.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.hub.unregister(c.origin)

	started := true
	c.listening.Do(func() { started = false })

	if started {
		<-c.done
	}
}
