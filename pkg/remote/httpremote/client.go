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

// Package httpremote implements remote.Client against the trial backend's
// HTTP API and its websocket change feed.
//
// Endpoints:
//
//	GET  /health
//	GET  /tables/{table}/rows?cursor=&full=&pageToken=&limit=&filter=
//	GET  /tables/{table}/rows/{key}
//	POST /tables/{table}/rows/{key}/mutations   (Idempotency-Key: <mutation id>)
//	WS   /changes?table={table}
//
// Status codes map onto the remote error taxonomy: 401/403 are permanent
// authorization failures, 409 carries the current row, 410 means the cursor
// expired, 400/422 are permanent validation failures and everything else,
// including transport errors, is transient.
package httpremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/latency"
	"github.com/united-manufacturing-hub/trialsync/pkg/logger"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// HealthEndpoint is probed by Ping.
const HealthEndpoint = "/health"

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, for example https://api.example.org/v1.
	BaseURL   string
	AuthToken string
	// InsecureTLS skips certificate verification.
	InsecureTLS bool
	// Timeout bounds every HTTP request. Zero means 30s.
	Timeout time.Duration
	// HTTPClient replaces the default client. Tests use it to intercept requests.
	HTTPClient *http.Client
	// Dialer replaces the default websocket dialer.
	Dialer *websocket.Dialer
	Logger *zap.SugaredLogger
}

// Client talks to the remote over HTTP.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	dialer    *websocket.Dialer
	log       *zap.SugaredLogger

	latencyFirstByte *latency.Window
	latencyTotal     *latency.Window
}

var _ remote.Client = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL must not be empty")
	}

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.InsecureTLS, timeout)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}

	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		authToken:        cfg.AuthToken,
		http:             httpClient,
		dialer:           dialer,
		log:              logger.OrFor(cfg.Logger, logger.ComponentRemote),
		latencyFirstByte: latency.NewWindow(5 * time.Minute),
		latencyTotal:     latency.NewWindow(5 * time.Minute),
	}, nil
}

// LatencyTimeTillFirstByte summarizes time to first byte over the last five minutes.
func (c *Client) LatencyTimeTillFirstByte() latency.Stats {
	return c.latencyFirstByte.Stats()
}

// LatencyTotal summarizes full request durations over the last five minutes.
func (c *Client) LatencyTotal() latency.Stats {
	return c.latencyTotal.Stats()
}

func rowsPath(table string) string {
	return "/tables/" + url.PathEscape(table) + "/rows"
}

func rowPath(table, key string) string {
	return rowsPath(table) + "/" + url.PathEscape(key)
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	_, status, err := getRequest[map[string]interface{}](ctx, c, HealthEndpoint, nil)
	if err != nil {
		return err
	}

	if status == http.StatusNotFound {
		return backoff.NewTransientError(errors.New("health endpoint not found"))
	}

	return nil
}

// Fetch requests one page of rows.
func (c *Client) Fetch(ctx context.Context, req remote.FetchRequest) (remote.FetchResponse, error) {
	query := url.Values{}

	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}

	if req.Full {
		query.Set("full", "true")
	}

	if req.PageToken != "" {
		query.Set("pageToken", req.PageToken)
	}

	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	if len(req.Filter) > 0 {
		encoded, err := safejson.Marshal(req.Filter)
		if err != nil {
			return remote.FetchResponse{}, backoff.NewPermanentError(fmt.Errorf("failed to encode filter: %w", err))
		}

		query.Set("filter", string(encoded))
	}

	resp, status, err := getRequest[remote.FetchResponse](ctx, c, rowsPath(req.Table), query)
	if err != nil {
		return remote.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.Table, err)
	}

	if resp == nil {
		if status == http.StatusNotFound {
			return remote.FetchResponse{}, remote.Validation("unknown table " + req.Table)
		}

		return remote.FetchResponse{}, nil
	}

	return *resp, nil
}

// Get returns the current row. A 404 means the key never existed.
func (c *Client) Get(ctx context.Context, table, key string) (remote.Row, bool, error) {
	row, _, err := getRequest[remote.Row](ctx, c, rowPath(table, key), nil)
	if err != nil {
		return remote.Row{}, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}

	if row == nil {
		return remote.Row{}, false, nil
	}

	return *row, true, nil
}

// Apply posts one mutation. The mutation id travels as Idempotency-Key.
func (c *Client) Apply(ctx context.Context, req remote.ApplyRequest) (remote.ApplyResponse, error) {
	header := map[string]string{}
	if req.MutationID != "" {
		header["Idempotency-Key"] = req.MutationID
	}

	resp, status, err := postRequest[remote.ApplyResponse](ctx, c, rowPath(req.Table, req.Key)+"/mutations", &req, header)
	if err != nil {
		return remote.ApplyResponse{}, fmt.Errorf("apply %s/%s: %w", req.Table, req.Key, err)
	}

	if resp == nil {
		if status == http.StatusNotFound {
			return remote.ApplyResponse{}, remote.Validation(fmt.Sprintf("%s: %s/%s", remote.ErrNotFound, req.Table, req.Key))
		}

		return remote.ApplyResponse{}, backoff.NewTransientError(errors.New("empty apply response"))
	}

	return *resp, nil
}
