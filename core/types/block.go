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

package types

import "github.com/gagliardetto/solana-go"

// Slot is a fixed-duration (~400ms) block production interval identified by
// a monotonically increasing number.
type Slot = uint64

// CommitmentLevel is the ordinal level of finality of a block. Levels are
// strictly ordered: Processed < Confirmed < Finalized.
type CommitmentLevel uint8

const (
	CommitmentProcessed CommitmentLevel = iota
	CommitmentConfirmed
	CommitmentFinalized
)

func (c CommitmentLevel) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// TxInfo is the per-transaction digest carried inside a produced block.
// Err is empty for a successfully executed transaction; a non-empty Err is
// still a confirmation, not a failure of the relay.
type TxInfo struct {
	Signature  solana.Signature
	Err        string
	CUConsumed uint64
	IsVote     bool
}

// ProducedBlock is a block observed on one of the upstream block streams.
// The multiplexer emits these with strictly increasing Slot; a re-emission
// of the same slot at a higher commitment may only happen inside the block
// storage layer, never on the multiplexed stream.
type ProducedBlock struct {
	Slot              Slot
	ParentSlot        Slot
	Blockhash         string
	PreviousBlockhash string
	BlockHeight       uint64
	BlockTime         int64
	LeaderID          string
	Commitment        CommitmentLevel
	Transactions      []TxInfo
}
