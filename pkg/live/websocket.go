// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer implements Dialer over a gorilla/websocket connection, matching
// a request to its response by correlation id the way a persistent RPC
// channel over a single socket has to.
type WSDialer struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan *wireResponse

	nextID   uint64
	nextIDMu sync.Mutex
}

// NewWSDialer returns a WSDialer with the given per-call timeouts. Zero
// values fall back to 30s dial, 60s read, 30s write.
func NewWSDialer(dialTimeout, readTimeout, writeTimeout time.Duration) *WSDialer {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &WSDialer{
		dialTimeout:  dialTimeout,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		pending:      make(map[string]chan *wireResponse),
	}
}

type wireRequest struct {
	ID           string `json:"id"`
	CapabilityID string `json:"capabilityId"`
	Resource     string `json:"resource"`
	Payload      []byte `json:"payload"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dial opens the websocket connection and starts the response reader.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	dialer := &websocket.Dialer{HandshakeTimeout: d.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("live: dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("live: dial failed: %w", err)
	}
	d.conn = conn
	go d.readLoop(conn)
	return nil
}

func (d *WSDialer) readLoop(conn *websocket.Conn) {
	for {
		var resp wireResponse
		if err := conn.ReadJSON(&resp); err != nil {
			d.mu.Lock()
			if d.conn == conn {
				d.conn = nil
			}
			d.mu.Unlock()
			return
		}
		d.pendingMu.Lock()
		if ch, ok := d.pending[resp.ID]; ok {
			select {
			case ch <- &resp:
			default:
			}
		}
		d.pendingMu.Unlock()
	}
}

// Send issues req and blocks for the matching response, up to readTimeout.
func (d *WSDialer) Send(ctx context.Context, req Request) (*Response, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("live: not connected")
	}

	id := d.newCorrelationID()
	ch := make(chan *wireResponse, 1)
	d.pendingMu.Lock()
	d.pending[id] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}()

	wr := wireRequest{ID: id, CapabilityID: req.CapabilityID, Resource: req.Resource, Payload: req.Payload}

	d.mu.Lock()
	if err := conn.SetWriteDeadline(time.Now().Add(d.writeTimeout)); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("live: set write deadline: %w", err)
	}
	err := conn.WriteJSON(wr)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("live: write failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		out := &Response{Success: resp.Success, Data: resp.Data, Error: resp.Error}
		return out, nil
	case <-time.After(d.readTimeout):
		return nil, fmt.Errorf("live: response timeout")
	}
}

// Close terminates the websocket connection.
func (d *WSDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	_ = d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *WSDialer) newCorrelationID() string {
	d.nextIDMu.Lock()
	defer d.nextIDMu.Unlock()
	d.nextID++
	return fmt.Sprintf("live-%d-%d", time.Now().UnixNano(), d.nextID)
}
