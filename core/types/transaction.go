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

import (
	"errors"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxWireSize is the largest serialized transaction a validator accepts on
// the TPU port (IPv6 MTU minus per-packet framing).
const MaxWireSize = 1232

var ErrOversizedTransaction = errors.New("serialized transaction exceeds wire limit")

// TransactionEnvelope wraps one client-submitted transaction together with
// the routing metadata the relay needs. The envelope itself is immutable;
// retry accounting lives in the transaction store.
type TransactionEnvelope struct {
	Signature            solana.Signature
	Wire                 []byte
	RecentSlot           Slot
	LastValidBlockHeight uint64
}

// NewTransactionEnvelope validates the wire size and derives the signature
// key from the serialized transaction.
func NewTransactionEnvelope(wire []byte, recentSlot Slot, lastValidBlockHeight uint64) (*TransactionEnvelope, error) {
	if len(wire) > MaxWireSize {
		return nil, ErrOversizedTransaction
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return nil, err
	}
	if len(tx.Signatures) == 0 {
		return nil, errors.New("transaction carries no signature")
	}
	return &TransactionEnvelope{
		Signature:            tx.Signatures[0],
		Wire:                 wire,
		RecentSlot:           recentSlot,
		LastValidBlockHeight: lastValidBlockHeight,
	}, nil
}
