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
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func signedTestTransaction(t *testing.T) ([]byte, solana.Signature) {
	t.Helper()
	payer := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(
				solana.MemoProgramID,
				solana.AccountMetaSlice{
					solana.NewAccountMeta(payer.PublicKey(), true, true),
				},
				[]byte("hello"),
			),
		},
		solana.Hash{},
		solana.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)

	wire, err := tx.MarshalBinary()
	require.NoError(t, err)
	return wire, tx.Signatures[0]
}

func TestEnvelopeDerivesSignature(t *testing.T) {
	wire, sig := signedTestTransaction(t)

	env, err := NewTransactionEnvelope(wire, 42, 1000)
	require.NoError(t, err)
	require.Equal(t, sig, env.Signature)
	require.Equal(t, Slot(42), env.RecentSlot)
	require.Equal(t, uint64(1000), env.LastValidBlockHeight)
	require.Equal(t, wire, env.Wire)
}

func TestEnvelopeRejectsOversizedWire(t *testing.T) {
	_, err := NewTransactionEnvelope(make([]byte, MaxWireSize+1), 0, 0)
	require.ErrorIs(t, err, ErrOversizedTransaction)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := NewTransactionEnvelope([]byte{0xff, 0xfe}, 0, 0)
	require.Error(t, err)
}

func TestCommitmentOrdering(t *testing.T) {
	require.Less(t, CommitmentProcessed, CommitmentConfirmed)
	require.Less(t, CommitmentConfirmed, CommitmentFinalized)
	require.Equal(t, "confirmed", CommitmentConfirmed.String())
}
