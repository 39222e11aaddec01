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

// Package txsvc accepts client transactions and drives them through the
// broadcast, replay and confirmation pipeline.
package txsvc

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gagliardetto/solana-go"

	"github.com/solraylabs/solray/core/types"
	"github.com/solraylabs/solray/slotclock"
	"github.com/solraylabs/solray/tpu"
	"github.com/solraylabs/solray/txstore"
)

// ErrOverloaded is surfaced to the submitter when the ingest queue stays
// full past the backpressure window. It is the only send-path error a
// client ever sees.
var ErrOverloaded = errors.New("transaction queue overloaded")

var (
	txsSentCounter   = metrics.NewRegisteredCounter("solray/txsvc/sent", nil)
	txsErrorsCounter = metrics.NewRegisteredCounter("solray/txsvc/sent/errors", nil)
	txsInChannel     = metrics.NewRegisteredGauge("solray/txsvc/in_channel", nil)
	batchSizeGauge   = metrics.NewRegisteredGauge("solray/txsvc/batch_size", nil)
	batchTimer       = metrics.NewRegisteredTimer("solray/txsvc/batch_timer", nil)
	replayMeter      = metrics.NewRegisteredMeter("solray/txsvc/replayed", nil)
)

// Config tunes the service loops. Zero fields take the default.
type Config struct {
	// MaxTxsInQueue bounds the ingest channel; submissions block while it
	// is full and fail with ErrOverloaded after SubmitTimeout.
	MaxTxsInQueue int
	SubmitTimeout time.Duration

	// MaxRetries caps total broadcasts per signature, RetryAfter paces the
	// replay scan.
	MaxRetries uint32
	RetryAfter time.Duration

	// Batch accumulation: a batch closes at MaxBatchSize items or after
	// BatchInterval, whichever comes first.
	MaxBatchSize  int
	BatchInterval time.Duration
}

// DefaultConfig mirrors the sig-verify stage rate limit upstream: 2000
// transactions per 50ms window.
var DefaultConfig = Config{
	MaxTxsInQueue: 200_000,
	SubmitTimeout: 500 * time.Millisecond,
	MaxRetries:    16,
	RetryAfter:    4 * time.Millisecond,
	MaxBatchSize:  2000,
	BatchInterval: 50 * time.Millisecond,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.MaxTxsInQueue > 0 {
		d.MaxTxsInQueue = c.MaxTxsInQueue
	}
	if c.SubmitTimeout > 0 {
		d.SubmitTimeout = c.SubmitTimeout
	}
	if c.MaxRetries > 0 {
		d.MaxRetries = c.MaxRetries
	}
	if c.RetryAfter > 0 {
		d.RetryAfter = c.RetryAfter
	}
	if c.MaxBatchSize > 0 {
		d.MaxBatchSize = c.MaxBatchSize
	}
	if c.BatchInterval > 0 {
		d.BatchInterval = c.BatchInterval
	}
	return d
}

// BatchNotification reports one forwarded batch to subscribers.
type BatchNotification struct {
	Signatures    []solana.Signature
	ForwardedSlot types.Slot
	ForwardedAt   time.Time
}

// Service is the submit pipeline: dedup against the store, enqueue for the
// batch loop, replay until confirmed or expired. Send errors never reach
// the client; the only terminal outcomes are confirmation and expiry.
type Service struct {
	config    Config
	store     *txstore.Store
	forwarder tpu.Forwarder
	clock     *slotclock.Clock

	queue chan *types.TransactionEnvelope

	notifyFeed event.Feed
	scope      event.SubscriptionScope

	exitCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the service; Start launches its loops.
func New(config Config, store *txstore.Store, forwarder tpu.Forwarder, clock *slotclock.Clock) *Service {
	config = config.withDefaults()
	return &Service{
		config:    config,
		store:     store,
		forwarder: forwarder,
		clock:     clock,
		queue:     make(chan *types.TransactionEnvelope, config.MaxTxsInQueue),
		exitCh:    make(chan struct{}),
	}
}

// Start launches the batch and replay loops.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.batchLoop()
	go s.replayLoop()
}

// Stop unwinds the loops. Queued transactions are dropped; their store
// entries expire through the reaper as usual.
func (s *Service) Stop() {
	close(s.exitCh)
	s.wg.Wait()
	s.scope.Close()
}

// Submit accepts one transaction envelope. A signature already in the
// store is deduplicated silently. A full queue blocks the submitter up to
// the backpressure window, then fails with ErrOverloaded.
func (s *Service) Submit(env *types.TransactionEnvelope) error {
	if !s.store.Insert(env) {
		log.Trace("Duplicate transaction ignored", "signature", env.Signature)
		return nil
	}
	select {
	case s.queue <- env:
		txsInChannel.Inc(1)
		return nil
	default:
	}
	timer := time.NewTimer(s.config.SubmitTimeout)
	defer timer.Stop()
	select {
	case s.queue <- env:
		txsInChannel.Inc(1)
		return nil
	case <-timer.C:
		return ErrOverloaded
	case <-s.exitCh:
		return ErrOverloaded
	}
}

// SubscribeBatches subscribes to per-batch forward notifications.
func (s *Service) SubscribeBatches(ch chan<- BatchNotification) event.Subscription {
	return s.scope.Track(s.notifyFeed.Subscribe(ch))
}

// batchLoop accumulates submissions into broadcast batches: up to
// MaxBatchSize items or BatchInterval of wall clock, whichever comes
// first. The window shrinks as items trickle in so a slow stream cannot
// stretch the interval.
func (s *Service) batchLoop() {
	defer s.wg.Done()
	for {
		batch := s.collectBatch()
		if batch == nil {
			return
		}
		if len(batch) == 0 {
			continue
		}
		s.forward(batch)
	}
}

// collectBatch returns nil on shutdown.
func (s *Service) collectBatch() []*types.TransactionEnvelope {
	var batch []*types.TransactionEnvelope
	remaining := s.config.BatchInterval
	for len(batch) < s.config.MaxBatchSize {
		started := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case env := <-s.queue:
			timer.Stop()
			txsInChannel.Dec(1)
			batch = append(batch, env)
			remaining -= time.Since(started)
			if remaining < time.Millisecond {
				remaining = time.Millisecond
			}
		case <-timer.C:
			return batch
		case <-s.exitCh:
			timer.Stop()
			return nil
		}
	}
	return batch
}

// forward broadcasts one batch and emits metrics and notifications. A batch
// that reaches no target is counted as errors; partial shortfalls are not
// counted. Nothing is surfaced: the replay loop re-offers whatever the
// lagging workers missed.
func (s *Service) forward(batch []*types.TransactionEnvelope) {
	start := time.Now()
	sigs := make([]solana.Signature, len(batch))
	for i, env := range batch {
		sigs[i] = env.Signature
		if entry, ok := s.store.Get(env.Signature); ok {
			entry.IncAttempts()
		}
	}
	delivered := s.forwarder.Broadcast(batch)

	batchSizeGauge.Update(int64(len(batch)))
	txsSentCounter.Inc(int64(delivered))
	if delivered == 0 {
		txsErrorsCounter.Inc(int64(len(batch)))
	}
	batchTimer.UpdateSince(start)
	s.notifyFeed.Send(BatchNotification{
		Signatures:    sigs,
		ForwardedSlot: s.clock.Estimated(),
		ForwardedAt:   start,
	})
	log.Trace("Forwarded transaction batch", "txs", len(batch), "delivered", delivered,
		"elapsed", time.Since(start))
}

// replayLoop periodically re-broadcasts pending transactions that are
// still inside their validity window and under the retry cap.
func (s *Service) replayLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RetryAfter)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitCh:
			return
		case <-ticker.C:
			s.replayPending()
		}
	}
}

func (s *Service) replayPending() {
	var batch []*types.TransactionEnvelope
	s.store.PendingBelow(func(entry *txstore.Entry) bool {
		if entry.Attempts() >= s.config.MaxRetries {
			return true
		}
		batch = append(batch, entry.Envelope)
		entry.IncAttempts()
		return len(batch) < s.config.MaxBatchSize
	})
	if len(batch) == 0 {
		return
	}
	s.forwarder.Broadcast(batch)
	replayMeter.Mark(int64(len(batch)))
	log.Trace("Replayed pending transactions", "txs", len(batch))
}
