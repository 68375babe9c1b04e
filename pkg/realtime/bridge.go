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

// Package realtime feeds remote change streams into the replication engine.
//
// One goroutine per table consumes the feed and hands every event, in receive
// order, to the Apply callback. When a stream cannot be opened or drops, the
// bridge calls OnFallback once so the table is polled instead, and keeps
// resubscribing with backoff. A successful resubscription calls OnRecovered.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
)

// ErrStreamClosed is reported when a feed ends without an error.
var ErrStreamClosed = errors.New("change stream closed")

type Config struct {
	Feed remote.ChangeFeed

	// Apply hands an event to the table's replicator. It reports whether the
	// event changed local state; stale events return false.
	Apply func(ctx context.Context, event remote.ChangeEvent) (bool, error)

	OnFallback  func(table string, err error)
	OnRecovered func(table string)

	Logger *zap.SugaredLogger
	Policy backoff.Policy
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	live   bool
}

type Bridge struct {
	cfg Config

	subs map[string]*subscription
	mu   sync.Mutex
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config) *Bridge {
	if cfg.Policy.InitialInterval <= 0 {
		cfg.Policy = backoff.DefaultPolicy()
	}

	cfg.Logger = logger.OrFor(cfg.Logger, logger.ComponentRealtimeBridge)

	return &Bridge{
		cfg:  cfg,
		subs: make(map[string]*subscription),
	}
}

// Subscribe starts streaming table until ctx ends or Unsubscribe is called.
// Subscribing an already streamed table is a no-op.
func (b *Bridge) Subscribe(ctx context.Context, table string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[table]; ok {
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	b.subs[table] = sub

	go func() {
		defer close(sub.done)

		b.run(subCtx, table, sub)
	}()
}

// Unsubscribe stops streaming table and waits for its goroutine.
func (b *Bridge) Unsubscribe(table string) {
	b.mu.Lock()
	sub, ok := b.subs[table]
	delete(b.subs, table)
	b.mu.Unlock()

	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
}

// Close stops every stream.
func (b *Bridge) Close() {
	b.mu.Lock()
	tables := make([]string, 0, len(b.subs))

	for table := range b.subs {
		tables = append(tables, table)
	}
	b.mu.Unlock()

	for _, table := range tables {
		b.Unsubscribe(table)
	}
}

// IsLive reports whether table currently has an open stream.
func (b *Bridge) IsLive(table string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[table]

	return ok && sub.live
}

func (b *Bridge) setLive(sub *subscription, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.live = live
}

func (b *Bridge) run(ctx context.Context, table string, sub *subscription) {
	log := b.cfg.Logger.With("table", table)
	attempt := 0
	fellBack := false

	for ctx.Err() == nil {
		events, errs, err := b.cfg.Feed.Subscribe(ctx, table)
		if err == nil {
			if fellBack {
				log.Infow("Realtime stream recovered")

				if b.cfg.OnRecovered != nil {
					b.cfg.OnRecovered(table)
				}
			}

			attempt = 0
			fellBack = false

			b.setLive(sub, true)
			err = b.consume(ctx, table, events, errs, log)
			b.setLive(sub, false)
		}

		if ctx.Err() != nil {
			return
		}

		attempt++

		if !fellBack {
			fellBack = true

			log.Warnw("Realtime stream unavailable, falling back to polling", "error", err)

			if b.cfg.OnFallback != nil {
				b.cfg.OnFallback(table, err)
			}
		}

		if !sleep(ctx, b.cfg.Policy.Delay(attempt)) {
			return
		}
	}
}

// consume applies events until the stream ends and returns why it ended.
func (b *Bridge) consume(ctx context.Context, table string, events <-chan remote.ChangeEvent, errs <-chan error, log *zap.SugaredLogger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			return err
		case event, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}

				return ErrStreamClosed
			}

			if event.Table == "" {
				event.Table = table
			}

			applied, err := b.cfg.Apply(ctx, event)
			if err != nil {
				log.Warnw("Failed to apply pushed change", "key", event.Key, "version", event.Version, "error", err)
				metrics.IncErrorCount(logger.ComponentRealtimeBridge)

				continue
			}

			metrics.RecordRealtimeEvent(table, applied)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
