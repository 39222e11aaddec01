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
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gagliardetto/solana-go"

	"github.com/solraylabs/solray/core/types"
)

var (
	activeWorkersGauge = metrics.NewRegisteredGauge("solray/tpu/manager/workers", nil)
	broadcastDropMeter = metrics.NewRegisteredMeter("solray/tpu/manager/dropped", nil)
)

// Forwarder is what the transaction service broadcasts into: either the
// direct per-leader connection manager or the proxy forwarder.
type Forwarder interface {
	// UpdateConnections reconciles the forwarding targets against the
	// desired identity -> TPU address set.
	UpdateConnections(desired map[solana.PublicKey]string)

	// Broadcast offers the batch to every current target. It returns the
	// number of queue slots filled; shortfalls are recovered by replay.
	Broadcast(batch []*types.TransactionEnvelope) int

	// Stop tears the forwarder down, draining in-flight work within the
	// finalize grace.
	Stop()
}

// ConnectionManager maintains one worker per desired leader identity. The
// reconciler is the only writer of the worker map; broadcasts take the read
// side.
type ConnectionManager struct {
	endpoint *Endpoint
	params   ConnectionParameters

	mu      sync.RWMutex
	workers map[solana.PublicKey]*worker
}

// NewConnectionManager takes over the endpoint reference it is given.
func NewConnectionManager(endpoint *Endpoint, params ConnectionParameters) *ConnectionManager {
	return &ConnectionManager{
		endpoint: endpoint,
		params:   params,
		workers:  make(map[solana.PublicKey]*worker),
	}
}

// UpdateConnections reconciles the active worker set against desired.
// Identities present on both sides keep their worker and its connection
// untouched across the slot transition; only the set difference churns.
func (m *ConnectionManager) UpdateConnections(desired map[solana.PublicKey]string) {
	m.mu.Lock()

	active := mapset.NewThreadUnsafeSet()
	for identity := range m.workers {
		active.Add(identity)
	}
	wanted := mapset.NewThreadUnsafeSet()
	for identity := range desired {
		wanted.Add(identity)
	}

	var evicted []*worker
	for _, v := range active.Difference(wanted).ToSlice() {
		identity := v.(solana.PublicKey)
		w := m.workers[identity]
		delete(m.workers, identity)
		evicted = append(evicted, w)
	}
	for _, v := range wanted.Difference(active).ToSlice() {
		identity := v.(solana.PublicKey)
		m.workers[identity] = newWorker(m.endpoint, identity, desired[identity], m.params)
		log.Debug("Leader connection opened", "identity", identity, "tpu", desired[identity])
	}
	activeWorkersGauge.Update(int64(len(m.workers)))
	m.mu.Unlock()

	// Signal evicted workers outside the lock; each finishes its in-flight
	// streams within the finalize grace before unwinding.
	for _, w := range evicted {
		w.exit()
		log.Debug("Leader connection evicted", "identity", w.identity, "conn", w.conn.Stats())
	}
}

// Broadcast offers every transaction of the batch to every worker. A
// lagging worker loses the transactions it cannot queue; the replay loop
// offers them again on the next scan.
func (m *ConnectionManager) Broadcast(batch []*types.TransactionEnvelope) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivered := 0
	for _, w := range m.workers {
		for _, env := range batch {
			if w.enqueue(env) {
				delivered++
			} else {
				broadcastDropMeter.Mark(1)
			}
		}
	}
	return delivered
}

// Workers returns the identities with a live worker, for reconcile checks
// and tests.
func (m *ConnectionManager) Workers() []solana.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]solana.PublicKey, 0, len(m.workers))
	for identity := range m.workers {
		out = append(out, identity)
	}
	return out
}

// Stop evicts every worker, waits for them to unwind and releases the
// endpoint reference.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[solana.PublicKey]*worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.exit()
	}
	for _, w := range workers {
		w.wait()
	}
	activeWorkersGauge.Update(0)
	m.endpoint.Release()
}
