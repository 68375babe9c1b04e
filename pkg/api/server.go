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

// Package api serves the diagnostics surface of a running replication manager:
// health, the mutation queue, manual syncs and the conflict log.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/conflict"
	"github.com/united-manufacturing-hub/trialsync/pkg/health"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/mutation"
	"github.com/united-manufacturing-hub/trialsync/pkg/network"
	"github.com/united-manufacturing-hub/trialsync/pkg/replication"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

const recentAlerts = 20

// Replication is what the API needs from the replication manager.
type Replication interface {
	GetHealthMetrics() health.HealthMetric
	Alerts(n int) []health.Alert
	LogHealthReport() string
	NetworkStatus() network.Status
	KillSwitch() killswitch.Config
	Tables() []string

	GetPendingMutations() []mutation.Mutation
	GetFailedMutations() []mutation.Mutation
	GetDeadLetters() []mutation.Mutation
	RetryFailedMutation(ctx context.Context, id string) error
	AcknowledgeMutation(ctx context.Context, id string) error

	ManualSync(ctx context.Context, tables ...string) error
	GetTableStatus(table string) (replication.TableStatus, error)
	ConflictLog() []conflict.Record
}

var _ Replication = (*replication.Manager)(nil)

// Config configures the server.
type Config struct {
	Logger *zap.SugaredLogger
	Port   int
	// SyncTimeout bounds a manual sync requested over HTTP.
	SyncTimeout time.Duration
	Debug       bool
}

// Server wraps the HTTP server and its routes.
type Server struct {
	rep    Replication
	server *http.Server
	router *gin.Engine
	logger *zap.SugaredLogger
	config Config
}

// NewServer builds the router. Nothing listens before Start.
func NewServer(rep Replication, config Config) *Server {
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 2 * time.Minute
	}

	s := &Server{
		rep:    rep,
		config: config,
		logger: logger.OrFor(config.Logger, logger.ComponentAPI),
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	router.GET("/health", s.getHealth)
	router.GET("/health/report", s.getHealthReport)

	mutations := router.Group("/mutations")
	mutations.GET("/pending", s.listMutations(rep.GetPendingMutations))
	mutations.GET("/failed", s.listMutations(rep.GetFailedMutations))
	mutations.GET("/dead", s.listMutations(rep.GetDeadLetters))
	mutations.POST("/:id/retry", s.retryMutation)
	mutations.DELETE("/:id", s.acknowledgeMutation)

	router.POST("/sync", s.postSync)
	router.GET("/sync", s.listTables)
	router.GET("/sync/:table", s.getTable)

	router.GET("/conflicts", s.getConflicts)

	s.router = router

	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.SyncTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Infow("Starting diagnostics API", "port", s.config.Port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("diagnostics API failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping diagnostics API")

	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Network    network.Status      `json:"network"`
	KillSwitch string              `json:"killSwitch"`
	Alerts     []health.Alert      `json:"alerts"`
	Metrics    health.HealthMetric `json:"metrics"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getHealth(c *gin.Context) {
	metrics := s.rep.GetHealthMetrics()

	status := http.StatusOK
	if metrics.Status == health.SeverityCritical {
		status = http.StatusServiceUnavailable
	}

	respond(c, status, healthResponse{
		Metrics:    metrics,
		Alerts:     s.rep.Alerts(recentAlerts),
		Network:    s.rep.NetworkStatus(),
		KillSwitch: s.rep.KillSwitch().String(),
	})
}

func (s *Server) getHealthReport(c *gin.Context) {
	c.String(http.StatusOK, s.rep.LogHealthReport())
}

func (s *Server) listMutations(list func() []mutation.Mutation) gin.HandlerFunc {
	return func(c *gin.Context) {
		items := list()
		if items == nil {
			items = []mutation.Mutation{}
		}

		respond(c, http.StatusOK, items)
	}
}

func (s *Server) retryMutation(c *gin.Context) {
	if err := s.rep.RetryFailedMutation(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)

		return
	}

	c.Status(http.StatusAccepted)
}

func (s *Server) acknowledgeMutation(c *gin.Context) {
	if err := s.rep.AcknowledgeMutation(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) postSync(c *gin.Context) {
	var tables []string

	if raw := c.Query("table"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tables = append(tables, t)
			}
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.SyncTimeout)
	defer cancel()

	if err := s.rep.ManualSync(ctx, tables...); err != nil {
		s.fail(c, err)

		return
	}

	if len(tables) == 0 {
		tables = s.rep.Tables()
	}

	statuses := make([]replication.TableStatus, 0, len(tables))

	for _, table := range tables {
		status, err := s.rep.GetTableStatus(table)
		if err != nil {
			s.fail(c, err)

			return
		}

		statuses = append(statuses, status)
	}

	respond(c, http.StatusOK, statuses)
}

func (s *Server) listTables(c *gin.Context) {
	tables := s.rep.Tables()
	statuses := make([]replication.TableStatus, 0, len(tables))

	for _, table := range tables {
		status, err := s.rep.GetTableStatus(table)
		if err != nil {
			s.fail(c, err)

			return
		}

		statuses = append(statuses, status)
	}

	respond(c, http.StatusOK, statuses)
}

func (s *Server) getTable(c *gin.Context) {
	status, err := s.rep.GetTableStatus(c.Param("table"))
	if err != nil {
		s.fail(c, err)

		return
	}

	respond(c, http.StatusOK, status)
}

func (s *Server) getConflicts(c *gin.Context) {
	records := s.rep.ConflictLog()

	if key := c.Query("key"); key != "" {
		filtered := make([]conflict.Record, 0)

		for _, r := range records {
			if r.Key == key && (c.Query("table") == "" || r.Table == c.Query("table")) {
				filtered = append(filtered, r)
			}
		}

		records = filtered
	}

	if records == nil {
		records = []conflict.Record{}
	}

	respond(c, http.StatusOK, records)
}

// fail maps manager errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warnw("Diagnostics request failed", "path", c.Request.URL.Path, "error", err)
	}

	respond(c, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mutation.ErrUnknownMutation), errors.Is(err, replication.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, mutation.ErrInvalidState), errors.Is(err, replication.ErrReplicationDisabled):
		return http.StatusConflict
	case errors.Is(err, replication.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// respond encodes with safejson so the API and the sync path share one JSON codec.
func respond(c *gin.Context, status int, v interface{}) {
	body, err := safejson.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())

		return
	}

	c.Data(status, "application/json; charset=utf-8", body)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debugw("Diagnostics request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
