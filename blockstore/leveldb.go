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
	"encoding/binary"
	"encoding/json"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/solraylabs/solray/core/types"
)

var blockPrefix = []byte("b")

// LevelStore is the persistent BlockStorage variant. Blocks are keyed by
// big-endian slot so leveldb's iteration order is slot order.
type LevelStore struct {
	db *leveldb.DB
}

// NewLevelStore opens (or creates) the block database under dir.
func NewLevelStore(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open block database")
	}
	return &LevelStore{db: db}, nil
}

func blockKey(slot types.Slot) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], slot)
	return key
}

func (s *LevelStore) Get(slot types.Slot) (*types.ProducedBlock, error) {
	raw, err := s.db.Get(blockKey(slot), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	block := new(types.ProducedBlock)
	if err := json.Unmarshal(raw, block); err != nil {
		return nil, errors.Wrap(err, "decode stored block")
	}
	return block, nil
}

func (s *LevelStore) SlotRange() (types.Slot, types.Slot, bool) {
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()
	if !iter.First() {
		return 0, 0, false
	}
	low := binary.BigEndian.Uint64(iter.Key()[len(blockPrefix):])
	iter.Last()
	high := binary.BigEndian.Uint64(iter.Key()[len(blockPrefix):])
	return low, high, true
}

func (s *LevelStore) Save(block *types.ProducedBlock) error {
	key := blockKey(block.Slot)
	if raw, err := s.db.Get(key, nil); err == nil {
		existing := new(types.ProducedBlock)
		if err := json.Unmarshal(raw, existing); err == nil && block.Commitment <= existing.Commitment {
			return nil
		}
	} else if err != leveldb.ErrNotFound {
		return err
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "encode block")
	}
	log.Trace("Saving block to persistent storage", "slot", block.Slot, "commitment", block.Commitment)
	return s.db.Put(key, raw, nil)
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
