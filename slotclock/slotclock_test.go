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

package slotclock

import (
	"testing"
	"time"

	"github.com/solraylabs/solray/core/types"
)

func TestObservedAdvances(t *testing.T) {
	clock := New()
	updates := make(chan types.Slot, 4)

	updates <- 100
	if got, ok := clock.SetSlot(updates); !ok || got != 100 {
		t.Fatalf("estimate = %d, ok = %v, want 100, true", got, ok)
	}
	if clock.Observed() != 100 {
		t.Fatalf("observed = %d, want 100", clock.Observed())
	}

	// Stale updates must not move either counter backwards.
	updates <- 90
	if got, _ := clock.SetSlot(updates); got != 100 {
		t.Fatalf("estimate after stale update = %d, want 100", got)
	}
	if clock.Observed() != 100 {
		t.Fatalf("observed after stale update = %d, want 100", clock.Observed())
	}
}

func TestEstimateExtrapolatesOnTimeout(t *testing.T) {
	clock := New()
	clock.slotTime = time.Millisecond
	updates := make(chan types.Slot, 1)

	updates <- 50
	clock.SetSlot(updates)

	// No updates: each call times out after one slot time and bumps the
	// estimate by one.
	for i := 0; i < 3; i++ {
		clock.SetSlot(updates)
	}
	if got := clock.Estimated(); got != 53 {
		t.Fatalf("estimated = %d, want 53", got)
	}
	if got := clock.Observed(); got != 50 {
		t.Fatalf("observed = %d, want 50", got)
	}
}

func TestDriftCap(t *testing.T) {
	clock := New()
	clock.slotTime = time.Millisecond
	updates := make(chan types.Slot, 1)

	updates <- 10
	clock.SetSlot(updates)

	// Far more timeouts than the cap permits.
	for i := 0; i < DriftCap+8; i++ {
		clock.SetSlot(updates)
	}
	observed, estimated := clock.Observed(), clock.Estimated()
	if estimated-observed > DriftCap {
		t.Fatalf("drift = %d, cap is %d", estimated-observed, DriftCap)
	}
	if estimated != observed+DriftCap {
		t.Fatalf("estimated = %d, want exactly observed+cap = %d", estimated, observed+DriftCap)
	}
}

func TestFreshUpdateResetsEstimate(t *testing.T) {
	clock := New()
	clock.slotTime = time.Millisecond
	updates := make(chan types.Slot, 1)

	updates <- 10
	clock.SetSlot(updates)
	for i := 0; i < 5; i++ {
		clock.SetSlot(updates) // estimate drifts to 15
	}

	// An observation ahead of the estimate pulls both counters to it.
	updates <- 40
	if got, _ := clock.SetSlot(updates); got != 40 {
		t.Fatalf("estimate = %d, want 40", got)
	}
	if clock.Observed() != 40 {
		t.Fatalf("observed = %d, want 40", clock.Observed())
	}
}

func TestClosedChannelSignalsShutdown(t *testing.T) {
	clock := New()
	updates := make(chan types.Slot)
	close(updates)
	if _, ok := clock.SetSlot(updates); ok {
		t.Fatal("SetSlot on closed channel returned ok")
	}
}
