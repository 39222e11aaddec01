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
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"

	"github.com/solraylabs/solray/core/types"
)

var proxyEnvelopesMeter = metrics.NewRegisteredMeter("solray/tpu/proxy/envelopes", nil)

// ForwardingRequest is the envelope the forward proxy consumes: the final
// TPU target plus a chunk of serialized transactions, bincode-encoded on
// one unidirectional stream.
type ForwardingRequest struct {
	TPUAddr      *net.UDPAddr
	Identity     solana.PublicKey
	Transactions [][]byte
}

// MarshalBinary renders the envelope in the proxy's bincode layout:
// little-endian address variant + octets + port, raw identity bytes, then
// a count-prefixed sequence of wire transactions, each carrying its own
// u64 length so the receiver can split the stream.
func (r *ForwardingRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	ip4 := r.TPUAddr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("proxy target %s is not IPv4", r.TPUAddr)
	}
	if err := enc.WriteUint32(0, bin.LE); err != nil { // address family variant: V4
		return nil, err
	}
	if err := enc.WriteBytes(ip4, false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(uint16(r.TPUAddr.Port), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(r.Identity[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(uint64(len(r.Transactions)), bin.LE); err != nil {
		return nil, err
	}
	for _, wire := range r.Transactions {
		if err := enc.WriteUint64(uint64(len(wire)), bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(wire, false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ProxyForwarder replaces the per-leader worker set when a forward proxy is
// configured: one auto-reconnecting connection to the proxy carries
// envelopes for every leader in the current window. The upstream contract
// is unchanged.
type ProxyForwarder struct {
	conn   *AutoConn
	params ConnectionParameters

	mu      sync.RWMutex
	targets map[solana.PublicKey]*net.UDPAddr

	queue  chan []*types.TransactionEnvelope
	exitCh chan struct{}
	done   chan struct{}

	endpoint *Endpoint
	log      log.Logger
}

// NewProxyForwarder connects the forwarder to proxyAddr through endpoint.
func NewProxyForwarder(endpoint *Endpoint, proxyAddr string, params ConnectionParameters) *ProxyForwarder {
	f := &ProxyForwarder{
		conn:     NewAutoConn(endpoint, proxyAddr, params),
		params:   params,
		targets:  make(map[solana.PublicKey]*net.UDPAddr),
		queue:    make(chan []*types.TransactionEnvelope, params.QueueDepth),
		exitCh:   make(chan struct{}),
		done:     make(chan struct{}),
		endpoint: endpoint,
		log:      log.New("proxy", proxyAddr),
	}
	go f.loop()
	return f
}

// UpdateConnections swaps the forwarding target set. The proxy connection
// itself is unaffected by leader rotation.
func (f *ProxyForwarder) UpdateConnections(desired map[solana.PublicKey]string) {
	targets := make(map[solana.PublicKey]*net.UDPAddr, len(desired))
	for identity, addr := range desired {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			f.log.Warn("Skipping unresolvable TPU address", "identity", identity, "addr", addr, "err", err)
			continue
		}
		targets[identity] = udpAddr
	}
	f.mu.Lock()
	f.targets = targets
	f.mu.Unlock()
	f.log.Debug("Proxy target set updated", "leaders", len(targets))
}

// Broadcast hands the batch to the forwarding loop without blocking.
func (f *ProxyForwarder) Broadcast(batch []*types.TransactionEnvelope) int {
	select {
	case f.queue <- batch:
		return len(batch)
	default:
		broadcastDropMeter.Mark(int64(len(batch)))
		return 0
	}
}

func (f *ProxyForwarder) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.exitCh:
			return
		case batch, ok := <-f.queue:
			if !ok {
				return
			}
			f.forward(batch)
		}
	}
}

// forward sends a copy of the batch toward every leader in the window,
// chunked so no envelope exceeds the proxy's per-stream transaction cap.
func (f *ProxyForwarder) forward(batch []*types.TransactionEnvelope) {
	wires := make([][]byte, len(batch))
	for i, env := range batch {
		wires[i] = env.Wire
	}

	f.mu.RLock()
	targets := f.targets
	f.mu.RUnlock()

	ctx := context.Background()
	for identity, addr := range targets {
		for start := 0; start < len(wires); start += proxyChunkSize {
			end := start + proxyChunkSize
			if end > len(wires) {
				end = len(wires)
			}
			req := &ForwardingRequest{
				TPUAddr:      addr,
				Identity:     identity,
				Transactions: wires[start:end],
			}
			payload, err := req.MarshalBinary()
			if err != nil {
				f.log.Error("Dropping unencodable proxy envelope", "err", err)
				continue
			}
			if err := f.conn.SendUni(ctx, payload); err != nil {
				workerErrorsMeter.Mark(int64(end - start))
				f.log.Warn("Proxy send failed", "identity", identity, "txs", end-start, "err", err)
				continue
			}
			proxyEnvelopesMeter.Mark(1)
			workerSentMeter.Mark(int64(end - start))
		}
	}
}

// Stop waits for the batch being forwarded to finish and releases the
// endpoint reference. Batches still queued are not sent.
func (f *ProxyForwarder) Stop() {
	close(f.exitCh)
	<-f.done
	f.log.Debug("Proxy forwarder stopped", "conn", f.conn.Stats())
	f.endpoint.Release()
}
