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

// Package blockmux fans several independently-reconnecting upstream block
// streams into one deduplicated, slot-monotonic block feed.
package blockmux

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solraylabs/solray/core/types"
)

// reconnectThrottle is the minimum spacing between subscription attempts
// per source.
const reconnectThrottle = time.Second

var (
	blocksForwardedMeter = metrics.NewRegisteredMeter("solray/blockmux/forwarded", nil)
	blocksBehindTipMeter = metrics.NewRegisteredMeter("solray/blockmux/behind_tip", nil)
	reconnectsMeter      = metrics.NewRegisteredMeter("solray/blockmux/reconnects", nil)
)

// Multiplexer merges N block sources into a single strictly slot-increasing
// stream. Sources reconnect independently and forever; only explicit
// authentication or argument rejections terminate a source.
type Multiplexer struct {
	sources []Source

	blockFeed event.Feed
	slotFeed  event.Feed
	scope     event.SubscriptionScope

	lastForwarded types.Slot

	cancel context.CancelFunc
	merged chan sourceUpdate
	wg     sync.WaitGroup
}

type sourceUpdate struct {
	label  string
	update *pb.SubscribeUpdate
}

// New builds a multiplexer over the given sources. At least one source is
// required.
func New(sources ...Source) *Multiplexer {
	if len(sources) == 0 {
		panic("blockmux: at least one source required")
	}
	return &Multiplexer{
		sources: sources,
		merged:  make(chan sourceUpdate, 256),
	}
}

// SubscribeBlocks delivers the deduplicated block stream. Subscriber
// channels should be buffered; a stalled subscriber stalls the fan-in.
func (m *Multiplexer) SubscribeBlocks(ch chan<- *types.ProducedBlock) event.Subscription {
	return m.scope.Track(m.blockFeed.Subscribe(ch))
}

// SubscribeSlots delivers the slot of every forwarded block, feeding the
// slot clock.
func (m *Multiplexer) SubscribeSlots(ch chan<- types.Slot) event.Subscription {
	return m.scope.Track(m.slotFeed.Subscribe(ch))
}

// Start launches the per-source loops and the fan-in.
func (m *Multiplexer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	labels := make([]string, len(m.sources))
	for i, src := range m.sources {
		labels[i] = src.Label()
	}
	log.Info("Starting block multiplexer", "sources", labels)

	for _, src := range m.sources {
		m.wg.Add(1)
		go m.sourceLoop(ctx, src)
	}
	m.wg.Add(1)
	go m.fanInLoop(ctx)
}

// Stop cancels every loop and waits for them to unwind.
func (m *Multiplexer) Stop() {
	m.cancel()
	m.wg.Wait()
	m.scope.Close()
}

// sourceLoop keeps one source subscribed forever. Between attempts it
// waits out the throttle barrier so a flapping upstream cannot trigger a
// reconnect storm. The stream is by contract infinite: any end is an error.
func (m *Multiplexer) sourceLoop(ctx context.Context, src Source) {
	defer m.wg.Done()
	logger := log.New("source", src.Label())

	throttle := time.Now()
	for {
		if err := sleepUntil(ctx, throttle); err != nil {
			return
		}
		throttle = time.Now().Add(reconnectThrottle)

		stream, err := src.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if terminal(err) {
				logger.Error("Source rejected subscription, giving up on it", "err", err)
				return
			}
			logger.Warn("Subscribe failed, retrying", "err", err)
			reconnectsMeter.Mark(1)
			continue
		}
		logger.Debug("Source subscribed")

		for {
			update, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if terminal(err) {
					logger.Error("Source stream failed terminally, giving up on it", "err", err)
					return
				}
				logger.Warn("Stream error, resubscribing", "err", err)
				reconnectsMeter.Mark(1)
				break
			}
			select {
			case m.merged <- sourceUpdate{label: src.Label(), update: update}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// terminal classifies upstream errors: authentication and argument
// rejections cannot be fixed by retrying; everything else can.
func terminal(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.InvalidArgument:
		return true
	default:
		return false
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanInLoop drains the merged stream, discarding non-block updates and
// blocks at or behind the forwarded tip, and emits the rest downstream.
// Sources disagreeing or reconnecting at different times therefore never
// cause a slot regression.
func (m *Multiplexer) fanInLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.merged:
			blockUpdate, ok := msg.update.UpdateOneof.(*pb.SubscribeUpdate_Block)
			if !ok || blockUpdate.Block == nil {
				continue
			}
			slot := blockUpdate.Block.Slot
			if slot <= m.lastForwarded && m.lastForwarded != 0 {
				blocksBehindTipMeter.Mark(1)
				log.Trace("Discarding block behind tip", "source", msg.label, "slot", slot,
					"tip", m.lastForwarded)
				continue
			}
			block := decodeBlock(blockUpdate.Block, types.CommitmentConfirmed)
			m.lastForwarded = slot
			blocksForwardedMeter.Mark(1)
			log.Trace("Forwarding block", "source", msg.label, "slot", slot,
				"txs", len(block.Transactions))
			m.blockFeed.Send(block)
			m.slotFeed.Send(slot)
		}
	}
}
