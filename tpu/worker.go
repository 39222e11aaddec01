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
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gagliardetto/solana-go"

	"github.com/solraylabs/solray/core/types"
)

var (
	workerSentMeter    = metrics.NewRegisteredMeter("solray/tpu/worker/sent", nil)
	workerErrorsMeter  = metrics.NewRegisteredMeter("solray/tpu/worker/errors", nil)
	workerLaggedMeter  = metrics.NewRegisteredMeter("solray/tpu/worker/lagged", nil)
	workerReconnectsGa = metrics.NewRegisteredGauge("solray/tpu/worker/reconnects", nil)
)

// worker owns the connection to one leader and drains its share of the
// transaction broadcast onto it, one transaction per unidirectional stream.
// A worker never re-queues failed transactions; the transaction service's
// replay loop owns retry semantics.
type worker struct {
	identity solana.PublicKey
	conn     *AutoConn
	params   ConnectionParameters

	queue  chan *types.TransactionEnvelope
	exitCh chan struct{}
	done   chan struct{}

	log log.Logger

	// Test hook, called with the batch size after each dispatch.
	sentHook func(int)
}

func newWorker(endpoint *Endpoint, identity solana.PublicKey, addr string, params ConnectionParameters) *worker {
	w := &worker{
		identity: identity,
		conn:     NewAutoConn(endpoint, addr, params),
		params:   params,
		queue:    make(chan *types.TransactionEnvelope, params.QueueDepth),
		exitCh:   make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.New("leader", identity.String(), "tpu", addr),
	}
	go w.loop()
	return w
}

// enqueue offers one transaction to the worker without blocking. A full
// queue drops the transaction; the replay loop will offer it again.
func (w *worker) enqueue(env *types.TransactionEnvelope) bool {
	select {
	case w.queue <- env:
		return true
	default:
		workerLaggedMeter.Mark(1)
		return false
	}
}

// exit signals the worker to stop. In-flight streams get their finalize
// grace; nothing new is started afterwards.
func (w *worker) exit() {
	close(w.exitCh)
}

// wait blocks until the worker's loop has unwound.
func (w *worker) wait() {
	<-w.done
}

// loop pulls one transaction per tick, opportunistically drains more
// without blocking, and fans the batch out over parallel streams.
func (w *worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.exitCh:
			return
		case env, ok := <-w.queue:
			if !ok {
				return
			}
			batch := append(make([]*types.TransactionEnvelope, 0, w.params.TxsPerUnistream), env)
		drain:
			for len(batch) < w.params.TxsPerUnistream {
				select {
				case next := <-w.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			w.sendBatch(batch)
		}
	}
}

// sendBatch opens one unidirectional stream per transaction, at most
// maxParallelStreams concurrently. Stream setup cost is amortized across
// the batch without serializing unrelated transactions onto one stream:
// the validator rate-limits by streams per connection, not bytes.
func (w *worker) sendBatch(batch []*types.TransactionEnvelope) {
	ctx := context.Background()
	conn, err := w.conn.Conn(ctx)
	if err != nil {
		workerErrorsMeter.Mark(int64(len(batch)))
		w.log.Warn("Batch dropped, no connection", "txs", len(batch), "err", err)
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallelStreams)
	for _, env := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(env *types.TransactionEnvelope) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := sendOnStream(ctx, conn, env.Wire, w.params); err != nil {
				workerErrorsMeter.Mark(1)
				if Retryable(err) {
					w.conn.MarkStale()
				}
				w.log.Trace("Stream send failed", "signature", env.Signature, "retryable", Retryable(err), "err", err)
				return
			}
			workerSentMeter.Mark(1)
			w.log.Trace("Transaction sent", "signature", env.Signature)
		}(env)
	}
	wg.Wait()
	workerReconnectsGa.Update(int64(w.conn.Reconnects()))

	if w.sentHook != nil {
		w.sentHook(len(batch))
	}
}
