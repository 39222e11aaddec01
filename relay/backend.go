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

// Package relay assembles the forwarding engine, block multiplexer and
// transaction tracking into one runnable backend.
package relay

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"

	"github.com/solraylabs/solray/blockmux"
	"github.com/solraylabs/solray/blockstore"
	"github.com/solraylabs/solray/core/types"
	"github.com/solraylabs/solray/slotclock"
	"github.com/solraylabs/solray/tpu"
	"github.com/solraylabs/solray/txsvc"
	"github.com/solraylabs/solray/txstore"
)

// Backend owns every relay subsystem and their plumbing.
type Backend struct {
	config Config

	identity solana.PrivateKey
	oracle   tpu.ScheduleOracle

	txStore    *txstore.Store
	blockStore blockstore.BlockStorage
	clock      *slotclock.Clock
	tracker    *tpu.LeaderTracker
	forwarder  tpu.Forwarder
	mux        *blockmux.Multiplexer
	service    *txsvc.Service

	slotCh   chan types.Slot
	blockCh  chan *types.ProducedBlock
	blockSub event.Subscription
	slotSub  event.Subscription

	exitCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New validates the configuration and builds the backend. The schedule
// oracle may be nil only when a leaders file is configured.
func New(config Config, oracle tpu.ScheduleOracle) (*Backend, error) {
	config = config.sanitized()
	identity, err := loadIdentity(config.Identity)
	if err != nil {
		return nil, err
	}

	if oracle == nil {
		if config.LeadersFile == "" {
			return nil, errors.New("no leader schedule oracle and no leaders file configured")
		}
		oracle, err = tpu.LoadLeadersFile(config.LeadersFile)
		if err != nil {
			return nil, err
		}
		log.Warn("Using leaders file oracle, development only", "path", config.LeadersFile)
	}

	if len(config.Sources) == 0 {
		return nil, errors.New("at least one block source required")
	}
	sources := make([]blockmux.Source, len(config.Sources))
	for i, cfg := range config.Sources {
		sources[i] = blockmux.NewGRPCSource(cfg)
	}

	var blocks blockstore.BlockStorage
	if config.DataDir != "" {
		blocks, err = blockstore.NewLevelStore(config.DataDir)
		if err != nil {
			return nil, err
		}
	} else {
		blocks = blockstore.NewMemoryStore(config.BlockRetention)
	}

	b := &Backend{
		config:     config,
		identity:   identity,
		oracle:     oracle,
		txStore:    txstore.New(),
		blockStore: blocks,
		clock:      slotclock.New(),
		mux:        blockmux.New(sources...),
		slotCh:     make(chan types.Slot, 128),
		blockCh:    make(chan *types.ProducedBlock, 1024),
		exitCh:     make(chan struct{}),
	}
	b.tracker = tpu.NewLeaderTracker(oracle, config.FanoutSlots)
	return b, nil
}

func loadIdentity(encoded string) (solana.PrivateKey, error) {
	if encoded == "" {
		wallet := solana.NewWallet()
		log.Info("Generated ephemeral node identity", "pubkey", wallet.PublicKey())
		return wallet.PrivateKey, nil
	}
	identity, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode node identity")
	}
	return identity, nil
}

func (b *Backend) connectionParameters() tpu.ConnectionParameters {
	params := tpu.DefaultConnectionParameters
	params.ConnectTimeout = b.config.ConnectTimeout
	params.ZeroRTTConfirmTimeout = b.config.ZeroRTTConfirmTimeout
	params.UnistreamTimeout = b.config.UnistreamTimeout
	params.WriteTimeout = b.config.WriteTimeout
	params.FinalizeTimeout = b.config.FinalizeTimeout
	params.ConnectionRetryCount = b.config.ConnectionRetryCount
	params.TxsPerUnistream = b.config.TxsPerUnistream
	return params
}

// Start brings the subsystems up: QUIC endpoint, forwarder, multiplexer,
// service loops and the slot-driven reconciler. A failure here is fatal to
// the process.
func (b *Backend) Start() error {
	if b.started {
		return errors.New("backend already started")
	}

	cert, err := tpu.SelfSignedCertificate(b.identity)
	if err != nil {
		return err
	}
	params := b.connectionParameters()

	if b.config.ProxyAddr != "" {
		endpoint, err := tpu.NewEndpoint(cert, tpu.ALPNForwardProxyProtocol)
		if err != nil {
			return err
		}
		params.FinalizeTimeout = 2 * params.FinalizeTimeout
		b.forwarder = tpu.NewProxyForwarder(endpoint, b.config.ProxyAddr, params)
		log.Info("Forwarding through proxy", "addr", b.config.ProxyAddr)
	} else {
		endpoint, err := tpu.NewEndpoint(cert, tpu.ALPNTPUProtocol)
		if err != nil {
			return err
		}
		b.forwarder = tpu.NewConnectionManager(endpoint, params)
	}

	b.service = txsvc.New(txsvc.Config{
		MaxTxsInQueue: b.config.MaxTxsInQueue,
		SubmitTimeout: b.config.SubmitTimeout,
		MaxRetries:    b.config.MaxRetries,
		RetryAfter:    b.config.RetryAfter,
		MaxBatchSize:  b.config.MaxBatchSize,
		BatchInterval: b.config.BatchInterval,
	}, b.txStore, b.forwarder, b.clock)

	b.blockSub = b.mux.SubscribeBlocks(b.blockCh)
	b.slotSub = b.mux.SubscribeSlots(b.slotCh)
	b.mux.Start()
	b.service.Start()

	b.wg.Add(3)
	go b.blockLoop()
	go b.slotLoop()
	go b.reaperLoop()

	b.started = true
	log.Info("Relay backend started", "fanout", b.config.FanoutSlots,
		"sources", len(b.config.Sources), "proxy", b.config.ProxyAddr != "")
	return nil
}

// Stop unwinds in dependency order; in-flight streams get their finalize
// grace through the forwarder.
func (b *Backend) Stop() {
	if !b.started {
		return
	}
	b.service.Stop()
	b.mux.Stop()
	b.blockSub.Unsubscribe()
	b.slotSub.Unsubscribe()
	close(b.exitCh)
	close(b.slotCh)
	b.wg.Wait()
	b.forwarder.Stop()
	b.txStore.Close()
	b.blockStore.Close()
	b.started = false
	log.Info("Relay backend stopped")
}

// SubmitTransaction accepts one wire-serialized transaction.
func (b *Backend) SubmitTransaction(wire []byte, recentSlot types.Slot, lastValidBlockHeight uint64) error {
	env, err := types.NewTransactionEnvelope(wire, recentSlot, lastValidBlockHeight)
	if err != nil {
		return err
	}
	return b.service.Submit(env)
}

// TxStore exposes the transaction tracker, mainly for status queries.
func (b *Backend) TxStore() *txstore.Store { return b.txStore }

// BlockStore exposes the block storage layer.
func (b *Backend) BlockStore() blockstore.BlockStorage { return b.blockStore }

// Clock exposes the slot clock.
func (b *Backend) Clock() *slotclock.Clock { return b.clock }

// Service exposes the transaction service, for notification subscribers.
func (b *Backend) Service() *txsvc.Service { return b.service }

// blockLoop folds multiplexed blocks into the tracker and storage.
func (b *Backend) blockLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.exitCh:
			return
		case block := <-b.blockCh:
			b.txStore.OnBlock(block)
			if err := b.blockStore.Save(block); err != nil {
				log.Warn("Failed to save block", "slot", block.Slot, "err", err)
			}
		}
	}
}

// slotLoop advances the clock on observed slots (or extrapolation) and
// reconciles the leader connection set on every tick.
func (b *Backend) slotLoop() {
	defer b.wg.Done()
	for {
		estimate, ok := b.clock.SetSlot(b.slotCh)
		if !ok {
			return
		}
		select {
		case <-b.exitCh:
			return
		default:
		}
		if estimate == 0 {
			// No slot observed yet; nothing to reconcile against.
			continue
		}
		b.forwarder.UpdateConnections(b.tracker.Desired(estimate))
	}
}

func (b *Backend) reaperLoop() {
	defer b.wg.Done()
	b.txStore.RunReaper(txstore.DefaultReapInterval, b.exitCh)
}
