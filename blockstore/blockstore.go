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

// Package blockstore keeps recently produced blocks queryable by slot.
package blockstore

import (
	"errors"

	"github.com/solraylabs/solray/core/types"
)

// ErrNotFound is returned when no block is stored at the requested slot.
var ErrNotFound = errors.New("block not found")

// BlockStorage is the capability the core depends on. Saving a block that
// already exists at the same slot only takes effect when the incoming
// commitment is strictly higher; downgrades are kept out silently.
type BlockStorage interface {
	// Get returns the block stored at slot.
	Get(slot types.Slot) (*types.ProducedBlock, error)

	// SlotRange returns the lowest and highest stored slot. ok is false
	// while the store is empty.
	SlotRange() (low, high types.Slot, ok bool)

	// Save stores or upgrades the block at block.Slot.
	Save(block *types.ProducedBlock) error

	Close() error
}
