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
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

const (
	// ALPNTPUProtocol is the protocol identifier validators accept on the
	// direct TPU port.
	ALPNTPUProtocol = "solana-tpu"

	// ALPNForwardProxyProtocol is the identifier the forward proxy accepts.
	ALPNForwardProxyProtocol = "solana-tpu-forward-proxy"

	// maxIdleTimeout matches the validator endpoint configuration; the
	// protocol caps it at roughly ten seconds.
	maxIdleTimeout = 10 * time.Second

	// proxyKeepAlive keeps the single proxy connection warm. Direct TPU
	// connections run without keep-alive, as the validators do.
	proxyKeepAlive = 500 * time.Millisecond
)

// UDP bind range shared with the validator client convention.
const (
	bindPortLow  = 8000
	bindPortHigh = 10000
)

// Endpoint is the process-wide QUIC client endpoint. All per-leader
// connections share its UDP socket and crypto state; holders take a
// reference and the socket closes when the last one is released.
type Endpoint struct {
	transport *quic.Transport
	udpConn   *net.UDPConn
	tlsConf   *tls.Config
	quicConf  *quic.Config

	refs   atomic.Int32
	closed atomic.Bool
}

// NewEndpoint binds a UDP socket in the shared port range and prepares the
// TLS and transport configuration. proto selects the ALPN identifier and,
// with it, the keep-alive policy.
func NewEndpoint(cert tls.Certificate, proto string) (*Endpoint, error) {
	udpConn, err := bindInRange(bindPortLow, bindPortHigh)
	if err != nil {
		return nil, errors.Wrap(err, "bind endpoint socket")
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		// The validator identity is authenticated by stake-weighted QoS at
		// the peer, not by its TLS certificate.
		InsecureSkipVerify: true,
		NextProtos:         []string{proto},
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
		MinVersion:         tls.VersionTLS13,
	}

	quicConf := &quic.Config{
		// No peer-initiated streams of either kind.
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        maxIdleTimeout,
		TokenStore:            quic.NewLRUTokenStore(16, 4),
	}
	if proto == ALPNForwardProxyProtocol {
		quicConf.KeepAlivePeriod = proxyKeepAlive
	}

	ep := &Endpoint{
		transport: &quic.Transport{Conn: udpConn},
		udpConn:   udpConn,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
	}
	ep.refs.Store(1)
	log.Debug("QUIC endpoint ready", "laddr", udpConn.LocalAddr(), "alpn", proto)
	return ep, nil
}

// bindInRange walks the port range until a UDP bind succeeds.
func bindInRange(low, high int) (*net.UDPConn, error) {
	for port := low; port < high; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free UDP port in [%d, %d)", low, high)
}

// Retain takes an additional reference for a new holder.
func (e *Endpoint) Retain() *Endpoint {
	e.refs.Add(1)
	return e
}

// Release drops one reference; the last release closes the transport and
// its socket.
func (e *Endpoint) Release() {
	if e.refs.Add(-1) > 0 {
		return
	}
	if e.closed.CompareAndSwap(false, true) {
		e.transport.Close()
		e.udpConn.Close()
		log.Debug("QUIC endpoint closed", "laddr", e.udpConn.LocalAddr())
	}
}

// Connect performs a full handshake with the target, bounded by the
// connect timeout.
func (e *Endpoint) Connect(ctx context.Context, addr string, params ConnectionParameters) (quic.Connection, error) {
	if e.closed.Load() {
		return nil, ErrEndpointClosed
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	dialCtx, cancel := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancel()
	conn, err := e.transport.Dial(dialCtx, udpAddr, e.tlsConf, e.quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	return conn, nil
}

// ConnectEarly dials with 0-RTT enabled, so a cached session ticket can be
// used. It returns the connection only once the handshake has completed;
// that wait is bounded by ZeroRTTConfirmTimeout, separately from the dial,
// and on timeout the connection is closed and ErrTimeout returned.
func (e *Endpoint) ConnectEarly(ctx context.Context, addr string, params ConnectionParameters) (quic.Connection, error) {
	if e.closed.Load() {
		return nil, ErrEndpointClosed
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	dialCtx, cancel := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancel()
	conn, err := e.transport.DialEarly(dialCtx, udpAddr, e.tlsConf, e.quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "connect 0-rtt %s", addr)
	}
	select {
	case <-conn.HandshakeComplete():
		return conn, nil
	case <-time.After(params.ZeroRTTConfirmTimeout):
		conn.CloseWithError(0, "0-rtt confirm timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		conn.CloseWithError(0, "canceled")
		return nil, ctx.Err()
	}
}

// LocalAddr exposes the bound UDP address, mainly for logs and tests.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.udpConn.LocalAddr()
}
