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

// Package slotclock tracks the chain's current slot and extrapolates an
// estimate when upstream slot updates stall.
package slotclock

import (
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/solraylabs/solray/core/types"
)

const (
	// AverageSlotTime is the expected wall-clock duration of one slot.
	AverageSlotTime = 400 * time.Millisecond

	// DriftCap bounds how far the estimated slot may run ahead of the last
	// observed slot while updates are missing.
	DriftCap = 32
)

// Clock keeps two counters: the last slot observed from a validator stream
// and an estimate that keeps ticking when observations lag. The invariant
// observed <= estimated <= observed+DriftCap holds at all times.
type Clock struct {
	observed  atomic.Uint64
	estimated atomic.Uint64

	// slotTime is the extrapolation wait; fixed to AverageSlotTime outside
	// of tests.
	slotTime time.Duration
}

func New() *Clock {
	return &Clock{slotTime: AverageSlotTime}
}

// Observed returns the last slot seen on the update stream.
func (c *Clock) Observed() types.Slot {
	return c.observed.Load()
}

// Estimated returns the current best guess of the chain slot.
func (c *Clock) Estimated() types.Slot {
	return c.estimated.Load()
}

// SetSlot waits up to AverageSlotTime for the next observed-slot update. On
// arrival a newer slot advances the observed counter, pulling the estimate
// up with it if it had fallen behind. On timeout the estimate is bumped by
// one, capped at observed+DriftCap. It returns the resulting estimate; ok
// is false once the update channel is closed, which callers treat as a
// shutdown signal.
func (c *Clock) SetSlot(updates <-chan types.Slot) (estimate types.Slot, ok bool) {
	observed := c.observed.Load()
	estimated := c.estimated.Load()

	timer := time.NewTimer(c.slotTime)
	defer timer.Stop()

	select {
	case slot, open := <-updates:
		if !open {
			log.Error("Slot update channel closed")
			return c.estimated.Load(), false
		}
		if slot > observed {
			c.observed.Store(slot)
			if slot > estimated {
				c.estimated.Store(slot)
			}
		}
	case <-timer.C:
		// Force-advance the estimate, but never more than DriftCap slots
		// past the last observation.
		if estimated < observed+DriftCap {
			c.estimated.Add(1)
		}
	}
	return c.estimated.Load(), true
}
