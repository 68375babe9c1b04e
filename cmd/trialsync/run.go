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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/api"
	"github.com/united-manufacturing-hub/trialsync/pkg/config"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/metrics"
	"github.com/united-manufacturing-hub/trialsync/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote/httpremote"
	"github.com/united-manufacturing-hub/trialsync/pkg/replication"
	"github.com/united-manufacturing-hub/trialsync/pkg/replicator"
	"github.com/united-manufacturing-hub/trialsync/pkg/sentry"
)

// sqlitePageSize is the default page size of mattn/go-sqlite3 databases.
const sqlitePageSize = 4096

// shutdownTimeout bounds the graceful stop of the HTTP servers.
const shutdownTimeout = 3 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg config.FullConfig) error {
	logger.Configure(cfg.Agent.LogLevel)
	defer func() { _ = logger.Sync() }()

	sentry.InitSentry(cfg.Agent.SentryDSN, appVersion, true)
	defer sentry.Flush(2 * time.Second)

	log := logger.For(logger.ComponentCore)
	log.Infow("Starting trialsync", "version", appVersion)

	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quota, capped, err := cfg.Storage.EffectiveQuota(config.DiskFree)
	if err != nil {
		log.Warnw("Could not read free disk space, using the configured quota", "error", err)
	}

	if capped {
		log.Warnw("Cache quota capped by free disk space", "configured", cfg.Storage.QuotaBytes, "effective", quota)
	}

	storeCfg := sqlite.DefaultConfig(cfg.Storage.DBPath)
	storeCfg.Compress = cfg.Storage.Compress

	if quota > 0 {
		// The database also holds the queue and sync state, so the hard cap leaves room above the cache quota.
		storeCfg.MaxPageCount = 4 * quota / sqlitePageSize
	}

	store, err := sqlite.Open(storeCfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open local database: %v", err)

		return err
	}

	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Warnw("Failed to close local database", "error", err)
		}
	}()

	client, err := httpremote.New(httpremote.Config{
		BaseURL:     cfg.Remote.APIURL,
		AuthToken:   cfg.Remote.AuthToken,
		InsecureTLS: cfg.Remote.AllowInsecureTLS,
		Timeout:     cfg.Remote.Timeout,
		Logger:      logger.For(logger.ComponentRemote),
	})
	if err != nil {
		return err
	}

	ks, err := killswitch.Load(cfg.Agent.KillSwitchPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to load kill switch, keeping replication enabled: %v", err)

		ks = killswitch.Default()
	}

	repCfg := replication.Config{
		Backend:              client,
		Pinger:               client,
		Storage:              store,
		KillSwitch:           &ks,
		Scope:                replicator.Scope{TrialIDs: cfg.Scope.TrialIDs},
		QuotaBytes:           quota,
		SoftThreshold:        cfg.Storage.SoftThreshold,
		MaxRetries:           cfg.Sync.MaxRetries,
		MaxFailed:            cfg.Sync.MaxFailed,
		MaxManualRetries:     cfg.Sync.MaxManualRetries,
		SyncInterval:         cfg.Sync.Interval,
		FallbackPollInterval: cfg.Sync.FallbackPollInterval,
		RemoteTimeout:        cfg.Remote.Timeout,
		PullTimeout:          cfg.Sync.PullTimeout,
		ProbeInterval:        cfg.Network.ProbeInterval,
		ProbeTimeout:         cfg.Network.ProbeTimeout,
		CycleAttempts:        cfg.Sync.CycleAttempts,
		DrainConcurrency:     cfg.Sync.DrainConcurrency,
		StaleAfter:           cfg.Sync.StaleAfter,
		StartOffline:         true,
	}

	if cfg.Remote.Realtime {
		repCfg.Feed = client
	}

	manager, err := replication.New(repCfg)
	if err != nil {
		return err
	}

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.Agent.MetricsPort))
	defer shutdown(log, "metrics server", metricsServer.Shutdown)

	if err := manager.Start(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start replication: %v", err)

		return err
	}
	defer manager.Stop()

	apiServer := api.NewServer(manager, api.Config{Port: cfg.Agent.APIPort, SyncTimeout: cfg.Sync.PullTimeout})

	go func() {
		if err := apiServer.Start(); err != nil {
			sentry.ReportIssue(err, sentry.IssueTypeError, log)
		}
	}()
	defer shutdown(log, "diagnostics API", apiServer.Stop)

	watchKillSwitch(ctx, cfg.Agent.KillSwitchPath, manager, logger.For(logger.ComponentKillSwitch))

	log.Info("trialsync stopped")

	return nil
}

// watchKillSwitch reloads the kill switch on SIGHUP until ctx ends.
func watchKillSwitch(ctx context.Context, path string, manager *replication.Manager, log *zap.SugaredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			ks, err := killswitch.Load(path)
			if err != nil {
				sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Kill switch reload failed, keeping %s: %v", manager.KillSwitch().String(), err)

				continue
			}

			log.Infow("Kill switch reloaded", "state", ks.String())
			manager.SetKillSwitch(ks)
		}
	}
}

func shutdown(log *zap.SugaredLogger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := stop(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shut down %s: %v", name, err)
	}
}
