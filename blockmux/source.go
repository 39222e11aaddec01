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

package blockmux

import (
	"context"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/pkg/errors"
)

const (
	// connectTimeout bounds the transport handshake. requestTimeout is the
	// keepalive ping acknowledgement timeout; opening the subscribe stream
	// and sending the request have no deadline beyond the caller's context.
	connectTimeout = 2 * time.Second
	requestTimeout = 2 * time.Second
)

// UpdateStream is one live subscription; Recv blocks for the next update.
type UpdateStream interface {
	Recv() (*pb.SubscribeUpdate, error)
}

// Source is one upstream block feed. Subscribe establishes a fresh
// subscription; the multiplexer owns reconnect pacing and error
// classification.
type Source interface {
	Label() string
	Subscribe(ctx context.Context) (UpdateStream, error)
}

// SourceConfig describes one geyser gRPC endpoint.
type SourceConfig struct {
	// Label names the source in logs and metrics.
	Label string
	// Addr is the gRPC target, host:port.
	Addr string
	// XToken is sent as x-token metadata when non-empty.
	XToken string
	// PlaintextTransport disables TLS, for local validators and tests.
	PlaintextTransport bool
}

// grpcSource subscribes to a geyser endpoint for confirmed blocks with
// full transactions.
type grpcSource struct {
	config SourceConfig
}

// NewGRPCSource builds the production Source for cfg.
func NewGRPCSource(cfg SourceConfig) Source {
	return &grpcSource{config: cfg}
}

func (s *grpcSource) Label() string { return s.config.Label }

func (s *grpcSource) Subscribe(ctx context.Context) (UpdateStream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	creds := grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	if s.config.PlaintextTransport {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	conn, err := grpc.DialContext(dialCtx, s.config.Addr,
		creds,
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             requestTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(64*1024*1024)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", s.config.Addr)
	}

	streamCtx := ctx
	if s.config.XToken != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "x-token", s.config.XToken)
	}
	stream, err := pb.NewGeyserClient(conn).Subscribe(streamCtx)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open subscribe stream")
	}
	if err := stream.Send(blockSubscribeRequest()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send subscribe request")
	}
	return &grpcStream{stream: stream, conn: conn}, nil
}

// blockSubscribeRequest filters for confirmed blocks carrying full
// transactions; accounts and entries stay off the wire.
func blockSubscribeRequest() *pb.SubscribeRequest {
	on, off := true, false
	commitment := pb.CommitmentLevel_CONFIRMED
	return &pb.SubscribeRequest{
		Blocks: map[string]*pb.SubscribeRequestFilterBlocks{
			"client": {
				IncludeTransactions: &on,
				IncludeAccounts:     &off,
				IncludeEntries:      &off,
			},
		},
		Commitment: &commitment,
	}
}

type grpcStream struct {
	stream pb.Geyser_SubscribeClient
	conn   *grpc.ClientConn
}

func (g *grpcStream) Recv() (*pb.SubscribeUpdate, error) {
	update, err := g.stream.Recv()
	if err != nil {
		g.conn.Close()
		return nil, err
	}
	return update, nil
}
