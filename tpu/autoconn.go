// Copyright 2024 The solray Authors
// This file is part of the solray library.
//
// The solray library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solray library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solray library. If not, see <http://www.gnu.org/licenses/>.

package tpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/quic-go/quic-go"
)

// AutoConn wraps a single QUIC connection to one peer with lazy (re)connect.
// Senders share it freely: the fast path is a read-locked liveness check,
// and only the sender that finds the connection dead pays for the replace.
// AutoConn never retries a send on its own; retry policy belongs to the
// caller.
type AutoConn struct {
	endpoint *Endpoint
	target   string
	params   ConnectionParameters

	mu      sync.RWMutex
	current quic.Connection

	reconnects atomic.Uint32
	// Set by callers on stream failures that warrant a fresh connection
	// even though the old one has not reported a close reason yet.
	stale atomic.Bool
}

// NewAutoConn wires an AutoConn to target through the shared endpoint. No
// connection is made until the first send.
func NewAutoConn(endpoint *Endpoint, target string, params ConnectionParameters) *AutoConn {
	return &AutoConn{
		endpoint: endpoint,
		target:   target,
		params:   params,
	}
}

// closeReason returns nil while conn is alive; once the connection is
// closed it yields the close cause.
func closeReason(conn quic.Connection) error {
	select {
	case <-conn.Context().Done():
		return context.Cause(conn.Context())
	default:
		return nil
	}
}

// Conn returns a live connection, creating or replacing one as needed.
// The double check under the write lock keeps concurrent senders from
// racing into a reconnect storm.
func (a *AutoConn) Conn(ctx context.Context) (quic.Connection, error) {
	a.mu.RLock()
	conn := a.current
	if conn != nil && closeReason(conn) == nil && !a.stale.Load() {
		a.mu.RUnlock()
		log.Trace("Reusing connection", "target", a.target)
		return conn, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.current == nil:
		fresh, err := a.connect(ctx, false)
		if err != nil {
			return nil, err
		}
		a.current = fresh
		log.Debug("Created initial connection", "target", a.target)
		return fresh, nil
	case closeReason(a.current) != nil || a.stale.Load():
		if reason := closeReason(a.current); reason != nil {
			log.Warn("Connection closed, replacing", "target", a.target, "reason", reason)
		} else {
			a.current.CloseWithError(0, "stale")
		}
		fresh, err := a.connect(ctx, true)
		if err != nil {
			return nil, err
		}
		a.current = fresh
		a.stale.Store(false)
		count := a.reconnects.Add(1)
		log.Debug("Replaced connection", "target", a.target, "reconnects", count)
		return fresh, nil
	default:
		// Another sender reconnected while we waited for the lock.
		log.Trace("Reusing connection established concurrently", "target", a.target)
		return a.current, nil
	}
}

// connect dials the target, using 0-RTT once a previous handshake has
// seeded the session cache. Each attempt is individually bounded; the
// whole call gives up after ConnectionRetryCount attempts.
func (a *AutoConn) connect(ctx context.Context, resumed bool) (quic.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < a.params.ConnectionRetryCount; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var (
			conn quic.Connection
			err  error
		)
		if resumed {
			conn, err = a.endpoint.ConnectEarly(ctx, a.target, a.params)
		} else {
			conn, err = a.endpoint.Connect(ctx, a.target, a.params)
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("Could not connect to peer", "target", a.target, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

// MarkStale requests a fresh connection on the next send, used after
// stream-level failures that the transport has not surfaced as a close.
func (a *AutoConn) MarkStale() {
	a.stale.Store(true)
}

// SendUni opens one unidirectional stream, writes payload fully and
// finishes the stream. Open, write and finish are bounded separately.
func (a *AutoConn) SendUni(ctx context.Context, payload []byte) error {
	conn, err := a.Conn(ctx)
	if err != nil {
		return err
	}
	return sendOnStream(ctx, conn, payload, a.params)
}

// sendOnStream is the shared one-transaction-per-stream write path.
func sendOnStream(ctx context.Context, conn quic.Connection, payload []byte, params ConnectionParameters) error {
	openCtx, cancel := context.WithTimeout(ctx, params.UnistreamTimeout)
	stream, err := conn.OpenUniStreamSync(openCtx)
	cancel()
	if err != nil {
		if openCtx.Err() != nil && ctx.Err() == nil {
			return ErrTimeout
		}
		return &streamError{err: err, retry: true}
	}

	stream.SetWriteDeadline(time.Now().Add(params.WriteTimeout))
	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		return &streamError{err: err, retry: true}
	}

	stream.SetWriteDeadline(time.Now().Add(params.FinalizeTimeout))
	if err := stream.Close(); err != nil {
		return &streamError{err: err, retry: false}
	}
	return nil
}

// Reconnects returns how many times the underlying connection has been
// replaced.
func (a *AutoConn) Reconnects() uint32 {
	return a.reconnects.Load()
}

// Stats renders a short human-readable connection summary for logs.
func (a *AutoConn) Stats() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return "n/a"
	}
	state := a.current.ConnectionState()
	return fmt.Sprintf("target %s alpn=%s 0rtt=%v reconnects=%d",
		a.target, state.TLS.NegotiatedProtocol, state.Used0RTT, a.reconnects.Load())
}

// Target returns the peer address this AutoConn dials.
func (a *AutoConn) Target() string {
	return a.target
}
