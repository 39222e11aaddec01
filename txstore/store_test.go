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

package txstore

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solraylabs/solray/core/types"
)

func testEnvelope(seed byte, lastValid uint64) *types.TransactionEnvelope {
	var sig solana.Signature
	sig[0] = seed
	return &types.TransactionEnvelope{
		Signature:            sig,
		Wire:                 []byte{seed},
		RecentSlot:           1,
		LastValidBlockHeight: lastValid,
	}
}

func TestInsertDedup(t *testing.T) {
	store := New()
	env := testEnvelope(1, 100)

	require.True(t, store.Insert(env))
	require.False(t, store.Insert(env), "second insert of the same signature must dedup")
	require.Equal(t, 1, store.Len())
}

func TestConfirmOnBlock(t *testing.T) {
	store := New()
	env := testEnvelope(1, 100)
	store.Insert(env)

	events := make(chan StatusEvent, 1)
	sub := store.SubscribeStatus(events)
	defer sub.Unsubscribe()

	store.OnBlock(&types.ProducedBlock{
		Slot:        50,
		BlockHeight: 40,
		Transactions: []types.TxInfo{
			{Signature: env.Signature, Err: ""},
		},
	})

	ev := <-events
	require.Equal(t, StatusConfirmed, ev.Status)
	require.Equal(t, env.Signature, ev.Signature)
	require.Empty(t, ev.ExecErr)

	// Confirmed entries leave the store.
	require.Equal(t, 0, store.Len())
	require.False(t, store.Contains(env.Signature))
}

func TestConfirmWithExecutionError(t *testing.T) {
	store := New()
	env := testEnvelope(2, 100)
	store.Insert(env)

	events := make(chan StatusEvent, 1)
	sub := store.SubscribeStatus(events)
	defer sub.Unsubscribe()

	store.OnBlock(&types.ProducedBlock{
		Slot:        51,
		BlockHeight: 41,
		Transactions: []types.TxInfo{
			{Signature: env.Signature, Err: "0104"},
		},
	})

	// A failed execution is still a confirmation, carrying the error.
	ev := <-events
	require.Equal(t, StatusConfirmed, ev.Status)
	require.Equal(t, "0104", ev.ExecErr)
}

func TestReapExpired(t *testing.T) {
	store := New()
	expired := testEnvelope(1, 100)
	alive := testEnvelope(2, 100+GraceSlots+50)
	store.Insert(expired)
	store.Insert(alive)

	events := make(chan StatusEvent, 2)
	sub := store.SubscribeStatus(events)
	defer sub.Unsubscribe()

	// Advance the height to just inside the grace window: nothing reaped.
	store.OnBlock(&types.ProducedBlock{BlockHeight: 100 + GraceSlots})
	require.Zero(t, store.Reap())
	require.Equal(t, 2, store.Len())

	// One block past the grace window evicts the expired entry only.
	store.OnBlock(&types.ProducedBlock{BlockHeight: 100 + GraceSlots + 1})
	require.Equal(t, 1, store.Reap())
	require.Equal(t, 1, store.Len())
	require.False(t, store.Contains(expired.Signature))
	require.True(t, store.Contains(alive.Signature))

	ev := <-events
	require.Equal(t, StatusDropped, ev.Status)
	require.Equal(t, expired.Signature, ev.Signature)
}

func TestPendingBelowSkipsExpired(t *testing.T) {
	store := New()
	replayable := testEnvelope(1, 200)
	past := testEnvelope(2, 90)
	store.Insert(replayable)
	store.Insert(past)

	store.OnBlock(&types.ProducedBlock{BlockHeight: 100})

	var seen []solana.Signature
	store.PendingBelow(func(e *Entry) bool {
		seen = append(seen, e.Signature)
		return true
	})
	require.Equal(t, []solana.Signature{replayable.Signature}, seen)
}

func TestBlockHeightMonotonic(t *testing.T) {
	store := New()
	store.OnBlock(&types.ProducedBlock{BlockHeight: 100})
	store.OnBlock(&types.ProducedBlock{BlockHeight: 90})
	require.Equal(t, uint64(100), store.BlockHeight())
}

func TestAttempts(t *testing.T) {
	store := New()
	env := testEnvelope(3, 100)
	store.Insert(env)

	entry, ok := store.Get(env.Signature)
	require.True(t, ok)
	require.Zero(t, entry.Attempts())
	require.Equal(t, uint32(1), entry.IncAttempts())
	require.Equal(t, uint32(1), entry.Attempts())
}
