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

package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solraylabs/solray/core/types"
)

// Both variants must satisfy the same save/get/range behavior.
func storesUnderTest(t *testing.T) map[string]BlockStorage {
	level, err := NewLevelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { level.Close() })
	return map[string]BlockStorage{
		"memory":  NewMemoryStore(16),
		"leveldb": level,
	}
}

func block(slot types.Slot, commitment types.CommitmentLevel) *types.ProducedBlock {
	return &types.ProducedBlock{
		Slot:        slot,
		BlockHeight: slot,
		Blockhash:   "hash",
		Commitment:  commitment,
	}
}

func TestSaveAndGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(block(100, types.CommitmentConfirmed)))

			got, err := store.Get(100)
			require.NoError(t, err)
			require.Equal(t, types.Slot(100), got.Slot)

			_, err = store.Get(101)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCommitmentUpgradeOnly(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(block(100, types.CommitmentConfirmed)))

			// Upgrade is taken.
			upgraded := block(100, types.CommitmentFinalized)
			require.NoError(t, store.Save(upgraded))
			got, err := store.Get(100)
			require.NoError(t, err)
			require.Equal(t, types.CommitmentFinalized, got.Commitment)

			// Downgrade is silently kept out.
			require.NoError(t, store.Save(block(100, types.CommitmentProcessed)))
			got, err = store.Get(100)
			require.NoError(t, err)
			require.Equal(t, types.CommitmentFinalized, got.Commitment)
		})
	}
}

func TestSlotRange(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, _, ok := store.SlotRange()
			require.False(t, ok)

			require.NoError(t, store.Save(block(103, types.CommitmentConfirmed)))
			require.NoError(t, store.Save(block(101, types.CommitmentConfirmed)))
			require.NoError(t, store.Save(block(107, types.CommitmentConfirmed)))

			low, high, ok := store.SlotRange()
			require.True(t, ok)
			require.Equal(t, types.Slot(101), low)
			require.Equal(t, types.Slot(107), high)
		})
	}
}

func TestMemoryRetention(t *testing.T) {
	store := NewMemoryStore(4)
	for slot := types.Slot(1); slot <= 10; slot++ {
		require.NoError(t, store.Save(block(slot, types.CommitmentConfirmed)))
	}
	low, high, ok := store.SlotRange()
	require.True(t, ok)
	require.Equal(t, types.Slot(7), low)
	require.Equal(t, types.Slot(10), high)

	// Evicted and pre-window blocks stay out.
	_, err := store.Get(3)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.Save(block(2, types.CommitmentConfirmed)))
	_, err = store.Get(2)
	require.ErrorIs(t, err, ErrNotFound)
}
