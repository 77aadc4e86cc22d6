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

// Package audit records capability lifecycle events (issued, revoked,
// executed, scope-violation) to Postgres through a buffered async writer,
// so a slow or momentarily unavailable database never blocks the
// operation that triggered the event (spec §4.8).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is the slice of *pgxpool.Pool this package actually calls,
// narrowed so tests can exercise the buffering/backpressure behavior
// without a live database.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// EventType names a capability lifecycle event.
type EventType string

const (
	EventIssued         EventType = "issued"
	EventRevoked        EventType = "revoked"
	EventExecuted       EventType = "executed"
	EventScopeViolation EventType = "scope_violation"
)

// Event is one audit record.
type Event struct {
	Type         EventType
	CapabilityID string
	ContainerID  string
	Resource     string
	Detail       map[string]interface{}
	At           time.Time
}

// bufferSize is how many events the writer queues before a slow database
// starts causing Record to drop new events.
const bufferSize = 1024

// Logger asynchronously persists Events to Postgres. Record never blocks
// on the database; if the internal buffer is full, the event is dropped
// and a warning is logged.
type Logger struct {
	db     execer
	log    *slog.Logger
	events chan Event
	done   chan struct{}
}

// NewLogger starts a Logger writing to db, expecting an
// "audit_events(type, capability_id, container_id, resource, detail, at)"
// table to already exist.
func NewLogger(db *pgxpool.Pool, log *slog.Logger) *Logger {
	return newLogger(db, log)
}

func newLogger(db execer, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		db:     db,
		log:    log,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues an event for async persistence. If the buffer is full
// the event is dropped and logged, rather than applying backpressure to
// the capability operation that produced it.
func (l *Logger) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case l.events <- e:
	default:
		l.log.Warn("audit event dropped, buffer full", "type", e.Type, "capability_id", e.CapabilityID)
	}
}

// Close stops accepting new events and waits for the buffer to drain.
func (l *Logger) Close() {
	close(l.events)
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.events {
		if err := l.write(context.Background(), e); err != nil {
			l.log.Error("audit write failed", "error", err, "type", e.Type, "capability_id", e.CapabilityID)
		}
	}
}

func (l *Logger) write(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}
	query := `
		INSERT INTO audit_events (type, capability_id, container_id, resource, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = l.db.Exec(ctx, query, string(e.Type), e.CapabilityID, e.ContainerID, e.Resource, detail, e.At)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
