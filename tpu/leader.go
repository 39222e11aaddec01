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
	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru"

	"github.com/solraylabs/solray/core/types"
)

// ScheduleOracle answers who leads a slot and where that leader's TPU
// ingress lives. It is external to the relay; only the query contract
// matters here.
type ScheduleOracle interface {
	LeaderOf(slot types.Slot) (solana.PublicKey, bool)
	TPUAddrOf(identity solana.PublicKey) (string, bool)
}

// LeaderTracker derives the desired connection set for the upcoming leader
// window. Leader lookups are cached; the schedule for a slot never changes
// once published.
type LeaderTracker struct {
	oracle ScheduleOracle
	fanout uint64
	cache  *lru.Cache // types.Slot -> solana.PublicKey
}

// NewLeaderTracker caches the 4096 most recently used slot lookups.
func NewLeaderTracker(oracle ScheduleOracle, fanout uint64) *LeaderTracker {
	cache, _ := lru.New(4096)
	return &LeaderTracker{
		oracle: oracle,
		fanout: fanout,
		cache:  cache,
	}
}

// Desired returns the identity -> TPU address set for slots
// [current, current+fanout). Identities without a known address are
// silently dropped: forwarding is best effort and must never block on a
// schedule miss.
func (t *LeaderTracker) Desired(current types.Slot) map[solana.PublicKey]string {
	desired := make(map[solana.PublicKey]string, t.fanout)
	for slot := current; slot < current+t.fanout; slot++ {
		identity, ok := t.leaderOf(slot)
		if !ok {
			continue
		}
		if _, seen := desired[identity]; seen {
			continue
		}
		addr, ok := t.oracle.TPUAddrOf(identity)
		if !ok {
			continue
		}
		desired[identity] = addr
	}
	return desired
}

func (t *LeaderTracker) leaderOf(slot types.Slot) (solana.PublicKey, bool) {
	if cached, ok := t.cache.Get(slot); ok {
		return cached.(solana.PublicKey), true
	}
	identity, ok := t.oracle.LeaderOf(slot)
	if ok {
		t.cache.Add(slot, identity)
	}
	return identity, ok
}
