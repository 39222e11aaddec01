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

package relay

import (
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/solraylabs/solray/blockmux"
)

// Config collects every tunable of the relay backend.
type Config struct {
	// Identity is the node keypair as a base58 private key. Empty
	// generates an ephemeral identity on startup.
	Identity string

	// FanoutSlots is how many upcoming leaders stay connected.
	FanoutSlots uint64

	// Ingest queue and replay policy.
	MaxTxsInQueue int
	SubmitTimeout time.Duration
	MaxRetries    uint32
	RetryAfter    time.Duration

	// Batch accumulation.
	MaxBatchSize  int
	BatchInterval time.Duration

	// Per-operation QUIC budgets.
	ConnectTimeout        time.Duration
	ZeroRTTConfirmTimeout time.Duration
	UnistreamTimeout      time.Duration
	WriteTimeout          time.Duration
	FinalizeTimeout       time.Duration
	ConnectionRetryCount  int
	TxsPerUnistream       int

	// ProxyAddr switches forwarding to the forward proxy when non-empty.
	ProxyAddr string

	// LeadersFile enables the development schedule oracle.
	LeadersFile string

	// Upstream block sources.
	Sources []blockmux.SourceConfig

	// Block storage: in memory bounded to BlockRetention slots, or
	// persistent under DataDir when set.
	BlockRetention int
	DataDir        string
}

// DefaultConfig contains the defaults every production deployment starts
// from.
var DefaultConfig = Config{
	FanoutSlots:           4,
	MaxTxsInQueue:         200_000,
	SubmitTimeout:         500 * time.Millisecond,
	MaxRetries:            16,
	RetryAfter:            4 * time.Millisecond,
	MaxBatchSize:          2000,
	BatchInterval:         50 * time.Millisecond,
	ConnectTimeout:        2 * time.Second,
	ZeroRTTConfirmTimeout: time.Second,
	UnistreamTimeout:      500 * time.Millisecond,
	WriteTimeout:          500 * time.Millisecond,
	FinalizeTimeout:       100 * time.Millisecond,
	ConnectionRetryCount:  10,
	TxsPerUnistream:       8,
	BlockRetention:        1024,
}

// sanitized fills zeroed tunables from DefaultConfig so a sparse TOML file
// or hand-built Config cannot produce a 0-duration budget or an unbounded
// queue.
func (c Config) sanitized() Config {
	sanitize := func(field string, value, fallback time.Duration) time.Duration {
		if value > 0 {
			return value
		}
		log.Warn("Sanitizing relay config", "field", field, "updated", fallback)
		return fallback
	}
	c.SubmitTimeout = sanitize("SubmitTimeout", c.SubmitTimeout, DefaultConfig.SubmitTimeout)
	c.RetryAfter = sanitize("RetryAfter", c.RetryAfter, DefaultConfig.RetryAfter)
	c.BatchInterval = sanitize("BatchInterval", c.BatchInterval, DefaultConfig.BatchInterval)
	c.ConnectTimeout = sanitize("ConnectTimeout", c.ConnectTimeout, DefaultConfig.ConnectTimeout)
	c.ZeroRTTConfirmTimeout = sanitize("ZeroRTTConfirmTimeout", c.ZeroRTTConfirmTimeout, DefaultConfig.ZeroRTTConfirmTimeout)
	c.UnistreamTimeout = sanitize("UnistreamTimeout", c.UnistreamTimeout, DefaultConfig.UnistreamTimeout)
	c.WriteTimeout = sanitize("WriteTimeout", c.WriteTimeout, DefaultConfig.WriteTimeout)
	c.FinalizeTimeout = sanitize("FinalizeTimeout", c.FinalizeTimeout, DefaultConfig.FinalizeTimeout)

	if c.FanoutSlots == 0 {
		c.FanoutSlots = DefaultConfig.FanoutSlots
	}
	if c.MaxTxsInQueue <= 0 {
		c.MaxTxsInQueue = DefaultConfig.MaxTxsInQueue
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultConfig.MaxBatchSize
	}
	if c.ConnectionRetryCount <= 0 {
		c.ConnectionRetryCount = DefaultConfig.ConnectionRetryCount
	}
	if c.TxsPerUnistream <= 0 {
		c.TxsPerUnistream = DefaultConfig.TxsPerUnistream
	}
	if c.BlockRetention <= 0 {
		c.BlockRetention = DefaultConfig.BlockRetention
	}
	return c
}
