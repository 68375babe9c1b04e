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

// Package staleness detects tables whose data has not been refreshed for too long.
//
// The sync loop marks a table after every successful cycle. A background
// goroutine checks every interval and reports tables that are expected to
// sync (online, replication enabled) but have not succeeded within the
// threshold. A stale table is a warning, not an error: the device keeps
// serving cached data.
package staleness

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
)

// Stale describes a table past the threshold.
type Stale struct {
	LastSyncedAt time.Time
	Table        string
	Age          time.Duration
}

// Config configures a Checker.
type Config struct {
	// Active reports whether table is expected to sync right now. nil means always.
	Active func(table string) bool
	// OnStale is called once per check for every stale table.
	OnStale func(Stale)
	Now     func() time.Time
	Logger  *zap.SugaredLogger
	// Threshold is the age after which a table counts as stale.
	Threshold time.Duration
	// Interval is the check period. Zero means one second.
	Interval time.Duration
}

// Checker tracks the last successful sync per table.
type Checker struct {
	lastSynced map[string]time.Time
	lastCheck  map[string]time.Time
	ctx        context.Context //nolint:containedctx // background service lifecycle
	cancel     context.CancelFunc
	logger     *zap.SugaredLogger
	cfg        Config
	wg         sync.WaitGroup
	mutex      sync.RWMutex
}

// NewChecker tracks tables starting now. Call Start to run the background
// check and Stop when done.
func NewChecker(cfg Config, tables ...string) *Checker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	now := cfg.Now()
	c := &Checker{
		lastSynced: make(map[string]time.Time, len(tables)),
		lastCheck:  make(map[string]time.Time, len(tables)),
		logger:     logger.OrFor(cfg.Logger, logger.ComponentStalenessChecker),
		cfg:        cfg,
	}

	for _, table := range tables {
		c.lastSynced[table] = now
	}

	return c
}

// Start runs the check loop until ctx ends or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)

	go c.checkLoop()

	c.logger.Infof("Staleness checker started with threshold %s", c.cfg.Threshold)
}

func (c *Checker) checkLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Check()
		}
	}
}

// Stop terminates the background check.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}

	c.cancel()
	c.wg.Wait()
}

// MarkSynced records a successful sync of table.
func (c *Checker) MarkSynced(table string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.lastSynced[table] = c.cfg.Now()
	delete(c.lastCheck, table)
}

// LastSynced returns the last successful sync of table.
func (c *Checker) LastSynced(table string) time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.lastSynced[table]
}

// Check runs one pass and returns the stale tables sorted by name.
// Inactive tables are skipped and their clocks restart, so an outage does not
// count against them once they are expected to sync again.
func (c *Checker) Check() []Stale {
	now := c.cfg.Now()

	c.mutex.Lock()

	var stale []Stale

	for table, last := range c.lastSynced {
		if c.cfg.Active != nil && !c.cfg.Active(table) {
			c.lastSynced[table] = now
			delete(c.lastCheck, table)

			continue
		}

		age := now.Sub(last)
		if c.cfg.Threshold <= 0 || age <= c.cfg.Threshold {
			continue
		}

		since := last.Add(c.cfg.Threshold)
		if prev, ok := c.lastCheck[table]; ok && prev.After(since) {
			since = prev
		}

		metrics.AddStaleTime(table, now.Sub(since).Seconds())
		c.lastCheck[table] = now

		stale = append(stale, Stale{Table: table, LastSyncedAt: last, Age: age})
	}

	c.mutex.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].Table < stale[j].Table })

	for _, s := range stale {
		c.logger.Warnw("Table data is stale", "table", s.Table, "age", s.Age, "lastSyncedAt", s.LastSyncedAt)

		if c.cfg.OnStale != nil {
			c.cfg.OnStale(s)
		}
	}

	return stale
}
