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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/united-manufacturing-hub/trialsync/pkg/remote"
	"github.com/united-manufacturing-hub/trialsync/pkg/safejson"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	eventBuffer = 64
)

// ChangesEndpoint is the websocket path of the change feed.
const ChangesEndpoint = "/changes"

func (c *Client) feedURL(table string) (string, error) {
	u, err := url.Parse(c.baseURL + ChangesEndpoint)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	q := u.Query()
	q.Set("table", table)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Subscribe opens the websocket change feed for table. The event channel is
// closed when ctx ends or the connection drops; a drop is reported on the
// error channel first.
func (c *Client) Subscribe(ctx context.Context, table string) (<-chan remote.ChangeEvent, <-chan error, error) {
	target, err := c.feedURL(table)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid feed URL: %w", err)
	}

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, remote.Unauthorized("change feed rejected credentials")
		}

		return nil, nil, enhanceConnectionError(err)
	}

	events := make(chan remote.ChangeEvent, eventBuffer)
	errs := make(chan error, 1)

	done := make(chan struct{})

	go c.writePump(ctx, conn, done)
	go c.readPump(ctx, conn, table, events, errs, done)

	return events, errs, nil
}

// readPump decodes events until the connection fails or ctx ends.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, table string, events chan<- remote.ChangeEvent, errs chan<- error, done chan<- struct{}) {
	defer func() {
		close(done)
		close(events)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				errs <- remote.Offline(errors.New("change feed closed by server"))

				return
			}

			errs <- remote.Offline(fmt.Errorf("change feed read failed: %w", err))

			return
		}

		var event remote.ChangeEvent
		if err := safejson.Unmarshal(message, &event); err != nil {
			c.log.Warnw("Dropping undecodable change event", "table", table, "error", err)

			continue
		}

		if event.Table == "" {
			event.Table = table
		}

		if event.Table != table || event.Key == "" {
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// writePump keeps the connection alive with pings and closes it when ctx ends.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()

			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !strings.Contains(err.Error(), "close sent") {
					c.log.Debugw("Ping failed", "error", err)
				}

				return
			}
		}
	}
}
