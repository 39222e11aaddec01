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

package blockmux

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/solraylabs/solray/core/types"
)

// decodeBlock maps one geyser block update onto the internal block shape.
// Transactions without a signature are skipped rather than failing the
// whole block.
func decodeBlock(update *pb.SubscribeUpdateBlock, commitment types.CommitmentLevel) *types.ProducedBlock {
	block := &types.ProducedBlock{
		Slot:              update.Slot,
		ParentSlot:        update.ParentSlot,
		Blockhash:         update.Blockhash,
		PreviousBlockhash: update.ParentBlockhash,
		Commitment:        commitment,
		Transactions:      make([]types.TxInfo, 0, len(update.Transactions)),
	}
	if update.BlockHeight != nil {
		block.BlockHeight = update.BlockHeight.BlockHeight
	}
	if update.BlockTime != nil {
		block.BlockTime = update.BlockTime.Timestamp
	}
	for _, tx := range update.Transactions {
		if len(tx.Signature) != solana.SignatureLength {
			log.Debug("Skipping block transaction without usable signature", "slot", update.Slot)
			continue
		}
		info := types.TxInfo{
			Signature: solana.SignatureFromBytes(tx.Signature),
			IsVote:    tx.IsVote,
		}
		if meta := tx.Meta; meta != nil {
			if meta.Err != nil {
				info.Err = hex.EncodeToString(meta.Err.Err)
			}
			if meta.ComputeUnitsConsumed != nil {
				info.CUConsumed = *meta.ComputeUnitsConsumed
			}
		}
		block.Transactions = append(block.Transactions, info)
	}
	return block
}
