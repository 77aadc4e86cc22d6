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

// Package live implements LIVE-tier capability execution: a direct
// request/response round trip to the issuer container over a persistent
// connection, rather than a cached snapshot (spec §4.4 LIVE tier).
package live

import "context"

// Request is one LIVE-tier call forwarded to the issuing container.
type Request struct {
	CapabilityID string
	Resource     string
	Payload      []byte
}

// Response is the issuer's answer to a Request.
type Response struct {
	Success bool
	Data    []byte
	Error   string
}

// Dialer opens and reuses a bidirectional connection to an issuer
// container and exchanges LIVE-tier requests over it.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) error
	Send(ctx context.Context, req Request) (*Response, error)
	Close() error
}
