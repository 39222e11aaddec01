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

// Package txstore tracks submitted transactions from first send until they
// are confirmed in a block or expire past their last valid block height.
package txstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gagliardetto/solana-go"

	"github.com/solraylabs/solray/core/types"
)

// GraceSlots is how far the observed block height may pass a transaction's
// last valid height before the entry is evicted as dropped.
const GraceSlots = 150

// Status of a tracked transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Entry is the tracked state of one signature. Entries transition
// pending -> confirmed or pending -> dropped exactly once; the transition is
// a compare-and-set so a confirmation racing the reaper resolves cleanly.
// The envelope is retained so the replay loop can re-broadcast without a
// side channel.
type Entry struct {
	Signature            solana.Signature
	LastValidBlockHeight uint64
	FirstSentAt          time.Time
	Envelope             *types.TransactionEnvelope

	status   atomic.Uint32
	attempts atomic.Uint32
	// Execution error reported by the confirming block, empty on success.
	// Written once, before the CAS to confirmed publishes it.
	execErr string
}

func (e *Entry) Status() Status { return Status(e.status.Load()) }

// Attempts returns how many times the transaction has been broadcast.
func (e *Entry) Attempts() uint32 { return e.attempts.Load() }

// IncAttempts bumps the broadcast counter and returns the new value.
func (e *Entry) IncAttempts() uint32 { return e.attempts.Add(1) }

// ExecErr returns the execution error delivered with the confirmation.
// Meaningful only once Status() == StatusConfirmed.
func (e *Entry) ExecErr() string { return e.execErr }

// StatusEvent is emitted on the store's feed when an entry reaches a
// terminal state.
type StatusEvent struct {
	Signature solana.Signature
	Status    Status
	ExecErr   string
	Slot      types.Slot
}

var (
	sizeGauge      = metrics.NewRegisteredGauge("solray/txstore/size", nil)
	confirmedMeter = metrics.NewRegisteredMeter("solray/txstore/confirmed", nil)
	droppedMeter   = metrics.NewRegisteredMeter("solray/txstore/dropped", nil)
)

// Store is a concurrent signature -> entry map. An entry exists exactly
// while its transaction is still eligible for retry or awaiting
// confirmation.
type Store struct {
	entries sync.Map // solana.Signature -> *Entry
	count   atomic.Int64

	// Highest block height observed via OnBlock, drives expiry.
	blockHeight atomic.Uint64

	statusFeed event.Feed
	scope      event.SubscriptionScope
}

func New() *Store {
	return &Store{}
}

// Insert adds a pending entry for the envelope. It reports false when the
// signature is already tracked, which submitters treat as a silent dedup.
func (s *Store) Insert(env *types.TransactionEnvelope) bool {
	entry := &Entry{
		Signature:            env.Signature,
		LastValidBlockHeight: env.LastValidBlockHeight,
		FirstSentAt:          time.Now(),
		Envelope:             env,
	}
	if _, loaded := s.entries.LoadOrStore(env.Signature, entry); loaded {
		return false
	}
	sizeGauge.Inc(1)
	s.count.Add(1)
	return true
}

// Get returns the tracked entry for sig, if any.
func (s *Store) Get(sig solana.Signature) (*Entry, bool) {
	v, ok := s.entries.Load(sig)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Contains reports whether the signature is currently tracked.
func (s *Store) Contains(sig solana.Signature) bool {
	_, ok := s.entries.Load(sig)
	return ok
}

// Len returns the number of tracked entries.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// BlockHeight returns the highest block height observed so far.
func (s *Store) BlockHeight() uint64 {
	return s.blockHeight.Load()
}

// OnBlock folds one produced block into the store: the block height high
// watermark advances and every transaction of the block that is tracked is
// marked confirmed, carrying the block's execution status.
func (s *Store) OnBlock(block *types.ProducedBlock) {
	for {
		prev := s.blockHeight.Load()
		if block.BlockHeight <= prev || s.blockHeight.CompareAndSwap(prev, block.BlockHeight) {
			break
		}
	}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		v, ok := s.entries.Load(tx.Signature)
		if !ok {
			continue
		}
		entry := v.(*Entry)
		entry.execErr = tx.Err
		if !entry.status.CompareAndSwap(uint32(StatusPending), uint32(StatusConfirmed)) {
			continue
		}
		s.remove(tx.Signature)
		confirmedMeter.Mark(1)
		log.Trace("Transaction confirmed", "signature", tx.Signature, "slot", block.Slot, "err", tx.Err)
		s.statusFeed.Send(StatusEvent{
			Signature: tx.Signature,
			Status:    StatusConfirmed,
			ExecErr:   tx.Err,
			Slot:      block.Slot,
		})
	}
}

// Reap evicts every pending entry whose last valid height lies more than
// GraceSlots below the observed block height, emitting a dropped event for
// each. It returns the number of evicted entries.
func (s *Store) Reap() int {
	height := s.blockHeight.Load()
	if height <= GraceSlots {
		return 0
	}
	horizon := height - GraceSlots
	evicted := 0
	s.entries.Range(func(key, value any) bool {
		entry := value.(*Entry)
		if entry.LastValidBlockHeight >= horizon {
			return true
		}
		if !entry.status.CompareAndSwap(uint32(StatusPending), uint32(StatusDropped)) {
			return true
		}
		s.remove(entry.Signature)
		droppedMeter.Mark(1)
		evicted++
		s.statusFeed.Send(StatusEvent{
			Signature: entry.Signature,
			Status:    StatusDropped,
		})
		return true
	})
	if evicted > 0 {
		log.Debug("Reaped expired transactions", "count", evicted, "blockHeight", height)
	}
	return evicted
}

// PendingBelow calls fn for every pending entry whose last valid height is
// above the current block height, i.e. every entry still worth replaying.
func (s *Store) PendingBelow(fn func(*Entry) bool) {
	height := s.blockHeight.Load()
	s.entries.Range(func(key, value any) bool {
		entry := value.(*Entry)
		if entry.Status() != StatusPending || entry.LastValidBlockHeight <= height {
			return true
		}
		return fn(entry)
	})
}

// SubscribeStatus subscribes to terminal status transitions.
func (s *Store) SubscribeStatus(ch chan<- StatusEvent) event.Subscription {
	return s.scope.Track(s.statusFeed.Subscribe(ch))
}

// Close unsubscribes all status listeners.
func (s *Store) Close() {
	s.scope.Close()
}

func (s *Store) remove(sig solana.Signature) {
	if _, loaded := s.entries.LoadAndDelete(sig); loaded {
		sizeGauge.Dec(1)
		s.count.Add(-1)
	}
}
