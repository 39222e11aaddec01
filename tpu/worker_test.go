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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/solraylabs/solray/core/types"
)

// tpuServer is a loopback stand-in for a validator TPU port: it accepts
// QUIC connections and collects one payload per unidirectional stream.
type tpuServer struct {
	listener *quic.Listener

	mu       sync.Mutex
	payloads [][]byte
	conns    []quic.Connection
}

func newTPUServer(t *testing.T) *tpuServer {
	t.Helper()
	cert, err := SelfSignedCertificate(solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNTPUProtocol},
	}
	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, &quic.Config{
		MaxIncomingUniStreams: 256,
		MaxIdleTimeout:        maxIdleTimeout,
	})
	require.NoError(t, err)

	srv := &tpuServer{listener: listener}
	go srv.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (s *tpuServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.readLoop(conn)
	}
}

func (s *tpuServer) readLoop(conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			payload, err := io.ReadAll(stream)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.payloads = append(s.payloads, payload)
			s.mu.Unlock()
		}()
	}
}

func (s *tpuServer) addr() string {
	return s.listener.Addr().String()
}

func (s *tpuServer) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// closeConns force-closes every accepted connection, simulating a peer
// restart.
func (s *tpuServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.CloseWithError(1, "gone")
	}
	s.conns = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func envelopeWithSig(seed byte) *types.TransactionEnvelope {
	var sig solana.Signature
	sig[0] = seed
	return &types.TransactionEnvelope{
		Signature: sig,
		Wire:      []byte{seed, seed, seed},
	}
}

// Every worker of the fan-out set must dispatch every submitted
// transaction to its peer.
func TestFanoutCompleteness(t *testing.T) {
	servers := []*tpuServer{newTPUServer(t), newTPUServer(t), newTPUServer(t)}
	manager := NewConnectionManager(testEndpoint(t).Retain(), fastParams())
	defer manager.Stop()

	desired := make(map[solana.PublicKey]string)
	for i, srv := range servers {
		desired[testIdentity(byte(i+1))] = srv.addr()
	}
	manager.UpdateConnections(desired)

	const txCount = 20
	var batch []*types.TransactionEnvelope
	for i := 0; i < txCount; i++ {
		batch = append(batch, envelopeWithSig(byte(i)))
	}
	require.Equal(t, txCount*len(servers), manager.Broadcast(batch))

	for _, srv := range servers {
		srv := srv
		waitFor(t, 10*time.Second, func() bool { return srv.received() == txCount })
	}
}

// Killing the connection must not strand the worker: the next send
// reconnects and traffic resumes.
func TestReconnectResumesTraffic(t *testing.T) {
	srv := newTPUServer(t)
	manager := NewConnectionManager(testEndpoint(t).Retain(), fastParams())
	defer manager.Stop()

	identity := testIdentity(1)
	manager.UpdateConnections(map[solana.PublicKey]string{identity: srv.addr()})

	manager.Broadcast([]*types.TransactionEnvelope{envelopeWithSig(1)})
	waitFor(t, 10*time.Second, func() bool { return srv.received() == 1 })

	before := manager.workers[identity].conn.Reconnects()
	srv.closeConns()
	// Give the close a moment to reach the client.
	time.Sleep(100 * time.Millisecond)

	manager.Broadcast([]*types.TransactionEnvelope{envelopeWithSig(2)})
	waitFor(t, 10*time.Second, func() bool { return srv.received() == 2 })
	require.Greater(t, manager.workers[identity].conn.Reconnects(), before)
}

func TestSendUniDeliversPayload(t *testing.T) {
	srv := newTPUServer(t)
	endpoint := testEndpoint(t)

	conn := NewAutoConn(endpoint, srv.addr(), fastParams())
	require.NoError(t, conn.SendUni(context.Background(), []byte("payload")))
	waitFor(t, 5*time.Second, func() bool { return srv.received() == 1 })

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Equal(t, []byte("payload"), srv.payloads[0])
}

func TestConnReusedWhileHealthy(t *testing.T) {
	srv := newTPUServer(t)
	endpoint := testEndpoint(t)

	auto := NewAutoConn(endpoint, srv.addr(), fastParams())
	first, err := auto.Conn(context.Background())
	require.NoError(t, err)
	second, err := auto.Conn(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Zero(t, auto.Reconnects())
}
