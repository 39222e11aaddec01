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
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/solraylabs/solray/core/types"
)

// MemoryStore keeps the most recent blocks in an ordered in-process map,
// bounded to a fixed number of slots. Blocks older than the lowest retained
// slot are refused so retention cannot be reinflated by stragglers.
type MemoryStore struct {
	mu        sync.RWMutex
	blocks    map[types.Slot]*types.ProducedBlock
	slots     []types.Slot // sorted ascending
	retention int
}

// NewMemoryStore creates a store retaining at most retention blocks.
func NewMemoryStore(retention int) *MemoryStore {
	return &MemoryStore{
		blocks:    make(map[types.Slot]*types.ProducedBlock),
		retention: retention,
	}
}

func (s *MemoryStore) Get(slot types.Slot) (*types.ProducedBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return block, nil
}

func (s *MemoryStore) SlotRange() (types.Slot, types.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.slots) == 0 {
		return 0, 0, false
	}
	return s.slots[0], s.slots[len(s.slots)-1], true
}

func (s *MemoryStore) Save(block *types.ProducedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.slots) > 0 && block.Slot < s.slots[0] {
		// Behind the retention window.
		return nil
	}
	if existing, ok := s.blocks[block.Slot]; ok {
		if block.Commitment > existing.Commitment {
			s.blocks[block.Slot] = block
		}
		return nil
	}
	log.Trace("Saving block to memory storage", "slot", block.Slot)
	s.blocks[block.Slot] = block
	idx := sort.Search(len(s.slots), func(i int) bool { return s.slots[i] > block.Slot })
	s.slots = append(s.slots, 0)
	copy(s.slots[idx+1:], s.slots[idx:])
	s.slots[idx] = block.Slot
	if len(s.slots) > s.retention {
		delete(s.blocks, s.slots[0])
		s.slots = s.slots[1:]
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
