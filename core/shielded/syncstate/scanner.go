package syncstate

import (
	"context"

	"go.dedis.ch/orchard/core/shielded"
)

// CompactAction is the part of an Orchard action needed to scan it.
type CompactAction struct {
	Nullifier    shielded.Nullifier
	Commitment   shielded.Hash
	EphemeralKey [32]byte
	Ciphertext   []byte
}

// CompactBlock is a block stripped to its Orchard actions.
type CompactBlock struct {
	Height   uint32
	Hash     string
	PrevHash string
	// OrchardTreeSize is the size of the commitment tree at the end of the
	// block.
	OrchardTreeSize uint64
	Actions         []CompactAction
}

// ScanResult is the outcome of scanning a range of blocks for an account.
type ScanResult struct {
	// DiscoveredNotes are the new notes of the account.
	DiscoveredNotes []shielded.Note
	// Spends are the nullifiers revealed in the blocks that may belong to the
	// account.
	Spends []shielded.NoteSpend
	// Leaves are the commitments of every action of the blocks, in order.
	Leaves []shielded.Leaf
	// PriorTreeState is the state of the tree before the first block.
	PriorTreeState shielded.TreeState
}

// Scanner detects the notes of an account in compact blocks. It is bound to
// the viewing key of the account.
type Scanner interface {
	// ScanBlocks scans the blocks, in order. The known notes are used to
	// match the spends. The last leaf of each block that has actions carries
	// a checkpoint at the height of the block.
	ScanBlocks(ctx context.Context, known []shielded.Note, blocks []CompactBlock) (ScanResult, error)
}

// BuildLeaves returns the leaves of the blocks for a tree that has the given
// size before the first block. The positions for which the function returns
// true are marked.
func BuildLeaves(blocks []CompactBlock, start uint64, marked func(pos uint64) bool) []shielded.Leaf {
	var leaves []shielded.Leaf

	pos := start

	for _, block := range blocks {
		for i, action := range block.Actions {
			checkpoint := int64(-1)
			if i == len(block.Actions)-1 {
				checkpoint = int64(block.Height)
			}

			leaves = append(leaves, shielded.NewLeaf(action.Commitment, marked(pos), checkpoint))
			pos++
		}
	}

	return leaves
}
