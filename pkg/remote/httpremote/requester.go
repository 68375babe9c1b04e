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

package httpremote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/trialsync/pkg/backoff"
	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

// newHTTPClient builds a client with HTTP/2 disabled.
func newHTTPClient(insecureTLS bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}

	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // opt-in for venue test servers with self-signed certificates
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

type requestTimings struct {
	firstByte time.Duration
	dns       time.Duration
	tls       time.Duration
	conn      time.Duration
}

// setupClientTrace creates an http trace that fills timings.
func setupClientTrace(requestStart *time.Time, timings *requestTimings) *httptrace.ClientTrace {
	var dnsStart, tlsStart, connStart time.Time

	return &httptrace.ClientTrace{
		DNSStart: func(_ httptrace.DNSStartInfo) {
			dnsStart = time.Now()
		},
		DNSDone: func(_ httptrace.DNSDoneInfo) {
			timings.dns = time.Since(dnsStart)
		},
		TLSHandshakeStart: func() {
			tlsStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			timings.tls = time.Since(tlsStart)
		},
		ConnectStart: func(_, _ string) {
			connStart = time.Now()
		},
		ConnectDone: func(_, _ string, _ error) {
			timings.conn = time.Since(connStart)
		},
		GotFirstResponseByte: func() {
			timings.firstByte = time.Since(*requestStart)
		},
	}
}

// enhanceConnectionError adds context to common connection errors. The result is always transient.
func enhanceConnectionError(err error) error {
	var wrapped error

	switch {
	case strings.Contains(err.Error(), "EOF"):
		wrapped = fmt.Errorf("connection closed unexpectedly before receiving response: %w", err)
	case strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded"):
		wrapped = fmt.Errorf("request timed out: %w", err)
	case strings.Contains(err.Error(), "connection refused"):
		wrapped = fmt.Errorf("connection refused: %w", err)
	default:
		wrapped = fmt.Errorf("connection error: %w", err)
	}

	return remote.Offline(wrapped)
}

// statusError maps a non-2xx response onto the remote error taxonomy.
func statusError(statusCode int, status string, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = status
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return remote.Unauthorized(detail)
	case statusCode == http.StatusGone:
		return remote.ErrCursorExpired
	case statusCode == http.StatusConflict:
		var current remote.Row
		if err := safejson.Unmarshal(body, &current); err != nil {
			return backoff.NewTransientError(fmt.Errorf("%w: undecodable conflict body: %w", remote.ErrConflict, err))
		}

		return &remote.ConflictError{Current: current}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return remote.Validation(detail)
	default:
		return backoff.NewTransientError(errors.New("error response code: " + status))
	}
}

// getRequest does a GET request against the client's base URL and decodes the JSON body into R.
// A 404 returns a nil result without error.
func getRequest[R any](ctx context.Context, c *Client, path string, query url.Values) (result *R, statusCode int, responseErr error) {
	return doRequest[R](ctx, c, http.MethodGet, path, query, nil, nil)
}

// postRequest sends data as JSON and decodes the JSON response into R.
func postRequest[R any, T any](ctx context.Context, c *Client, path string, data *T, header map[string]string) (result *R, statusCode int, responseErr error) {
	body, err := safejson.Marshal(data)
	if err != nil {
		return nil, 0, backoff.NewPermanentError(fmt.Errorf("failed to encode request body: %w", err))
	}

	return doRequest[R](ctx, c, http.MethodPost, path, nil, body, header)
}

func doRequest[R any](ctx context.Context, c *Client, method, path string, query url.Values, body []byte, header map[string]string) (result *R, statusCode int, responseErr error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, 0, backoff.NewPermanentError(err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	for k, v := range header {
		req.Header.Set(k, v)
	}

	var (
		requestStart time.Time
		timings      requestTimings
	)

	trace := setupClientTrace(&requestStart, &timings)

	requestStart = time.Now()

	response, err := c.http.Do(req.WithContext(httptrace.WithClientTrace(req.Context(), trace)))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, 0, ctx.Err()
		}

		return nil, 0, enhanceConnectionError(err)
	}

	defer func() {
		if err := response.Body.Close(); err != nil {
			if responseErr != nil {
				c.log.Errorf("Error closing response body: %v", err)
			} else {
				responseErr = fmt.Errorf("error closing response body: %w", err)
			}
		}
	}()

	c.recordTimings(timings, time.Since(requestStart))

	bodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, enhanceConnectionError(err)
	}

	if response.StatusCode == http.StatusNotFound {
		return nil, response.StatusCode, nil
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.log.Debugw("Remote returned error status", "method", method, "path", path, "status", response.StatusCode)

		return nil, response.StatusCode, statusError(response.StatusCode, response.Status, bodyBytes)
	}

	if len(bodyBytes) == 0 {
		return nil, response.StatusCode, nil
	}

	var typedResult R
	if err := safejson.Unmarshal(bodyBytes, &typedResult); err != nil {
		return nil, response.StatusCode, backoff.NewTransientError(fmt.Errorf("failed to decode response: %w", err))
	}

	return &typedResult, response.StatusCode, nil
}

func (c *Client) recordTimings(t requestTimings, total time.Duration) {
	now := time.Now()
	c.latencyFirstByte.RecordAt(now, t.firstByte)
	c.latencyTotal.RecordAt(now, total)

	if t.dns > 0 || t.tls > 0 || t.conn > 0 {
		c.log.Debugw("Opened new remote connection", "dns", t.dns, "tls", t.tls, "conn", t.conn)
	}
}
