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
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/solraylabs/solray/core/types"
)

// scheduleStub maps slots to leaders round-robin and knows addresses for a
// subset of them.
type scheduleStub struct {
	leaders []solana.PublicKey
	addrs   map[solana.PublicKey]string
}

func (s *scheduleStub) LeaderOf(slot types.Slot) (solana.PublicKey, bool) {
	if len(s.leaders) == 0 {
		return solana.PublicKey{}, false
	}
	return s.leaders[int(slot)%len(s.leaders)], true
}

func (s *scheduleStub) TPUAddrOf(identity solana.PublicKey) (string, bool) {
	addr, ok := s.addrs[identity]
	return addr, ok
}

func testIdentity(seed byte) solana.PublicKey {
	var raw [32]byte
	raw[0] = seed
	return solana.PublicKeyFromBytes(raw[:])
}

func TestDesiredWindow(t *testing.T) {
	a, b, c := testIdentity(1), testIdentity(2), testIdentity(3)
	oracle := &scheduleStub{
		leaders: []solana.PublicKey{a, b, c},
		addrs: map[solana.PublicKey]string{
			a: "10.0.0.1:8001",
			b: "10.0.0.2:8001",
			c: "10.0.0.3:8001",
		},
	}
	tracker := NewLeaderTracker(oracle, 4)

	// Window [0, 4) wraps around the three leaders; duplicates collapse.
	desired := tracker.Desired(0)
	require.Len(t, desired, 3)
	require.Equal(t, "10.0.0.1:8001", desired[a])
	require.Equal(t, "10.0.0.2:8001", desired[b])
	require.Equal(t, "10.0.0.3:8001", desired[c])
}

func TestDesiredDropsUnknownAddresses(t *testing.T) {
	a, b := testIdentity(1), testIdentity(2)
	oracle := &scheduleStub{
		leaders: []solana.PublicKey{a, b},
		addrs:   map[solana.PublicKey]string{a: "10.0.0.1:8001"},
	}
	tracker := NewLeaderTracker(oracle, 2)

	// b has no TPU address: silently dropped, never an error.
	desired := tracker.Desired(0)
	require.Len(t, desired, 1)
	require.Contains(t, desired, a)
}

func TestLeadersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaders.txt")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1:8001\n127.0.0.1:8002\n"), 0o644))

	oracle, err := LoadLeadersFile(path)
	require.NoError(t, err)

	first, ok := oracle.LeaderOf(0)
	require.True(t, ok)
	second, ok := oracle.LeaderOf(1)
	require.True(t, ok)
	require.NotEqual(t, first, second)

	// Identities are derived from addresses, stable across loads.
	addr, ok := oracle.TPUAddrOf(first)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:8001", addr)

	wrapped, ok := oracle.LeaderOf(2)
	require.True(t, ok)
	require.Equal(t, first, wrapped)
}

func TestLeadersFileRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaders.txt")
	require.NoError(t, os.WriteFile(path, []byte("not-an-address\n"), 0o644))
	_, err := LoadLeadersFile(path)
	require.Error(t, err)
}

func TestLeadersFileFreshness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaders.txt")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1:8001\n"), 0o644))
	stale := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(path, stale, stale))

	_, err := LoadLeadersFile(path)
	require.Error(t, err)
	require.Contains(t, fmt.Sprint(err), "stale")
}
