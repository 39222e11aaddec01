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

// Package tpu implements the QUIC forwarding engine: a shared client
// endpoint, auto-reconnecting per-leader connections and the worker set
// that fans submitted transactions out to the current leader window.
package tpu

import (
	"errors"
	"time"
)

const (
	// maxParallelStreams bounds the unidirectional streams a worker keeps
	// open concurrently on one connection. Aligned with the stream quota
	// solana validators grant unstaked peers.
	maxParallelStreams = 8

	// proxyChunkSize is the largest transaction count per proxy envelope.
	proxyChunkSize = 20
)

// ConnectionParameters carries the per-operation QUIC budgets. The zero
// value is unusable; start from DefaultConnectionParameters.
type ConnectionParameters struct {
	ConnectTimeout        time.Duration
	ZeroRTTConfirmTimeout time.Duration
	UnistreamTimeout      time.Duration
	WriteTimeout          time.Duration
	FinalizeTimeout       time.Duration

	// ConnectionRetryCount is how many connect attempts are made before a
	// peer is reported failed for this send.
	ConnectionRetryCount int

	// TxsPerUnistream is how many queued transactions a worker drains per
	// broadcast tick; each one still rides its own stream.
	TxsPerUnistream int

	// QueueDepth is the bound of each worker's inbound queue.
	QueueDepth int
}

// DefaultConnectionParameters mirrors the timeouts the validators' QUIC
// endpoints are tuned for.
var DefaultConnectionParameters = ConnectionParameters{
	ConnectTimeout:        2 * time.Second,
	ZeroRTTConfirmTimeout: time.Second,
	UnistreamTimeout:      500 * time.Millisecond,
	WriteTimeout:          500 * time.Millisecond,
	FinalizeTimeout:       100 * time.Millisecond,
	ConnectionRetryCount:  10,
	TxsPerUnistream:       8,
	QueueDepth:            1024,
}

var (
	// ErrTimeout is a transient failure; callers may retry the send on a
	// later tick.
	ErrTimeout = errors.New("quic operation timed out")

	// ErrEndpointClosed is returned once the shared endpoint is released.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// streamError wraps a stream-level failure with a retry hint: open and
// write failures are worth a fresh connection, a failed finish is not.
type streamError struct {
	err   error
	retry bool
}

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// Retryable reports whether err is worth retrying on a refreshed
// connection. Timeouts are always retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *streamError
	if errors.As(err, &se) {
		return se.retry
	}
	return false
}
