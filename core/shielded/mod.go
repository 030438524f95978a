// Package shielded defines the data model of the Orchard shielded pool as seen
// by a wallet: the notes it owns, the nullifiers it observed, and the records
// used to persist the note commitment tree.
package shielded

import (
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the size in bytes of a note commitment or a tree node.
	HashSize = 32
	// NullifierSize is the size in bytes of a nullifier.
	NullifierSize = 32
	// RawAddressSize is the size in bytes of a raw Orchard address.
	RawAddressSize = 43
)

// AccountID is the opaque identifier of a wallet account.
type AccountID string

// Hash is a node of the commitment tree, or a note commitment for leaves.
type Hash [HashSize]byte

// HashFromBytes returns the hash of the given bytes, which must be exactly
// HashSize long.
func HashFromBytes(data []byte) (Hash, error) {
	var h Hash

	if len(data) != HashSize {
		return h, Errorf(ErrInput, "wrong hash size %d", len(data))
	}

	copy(h[:], data)

	return h, nil
}

// String returns a short hexadecimal representation of the hash.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:4])
}

// Nullifier is the value revealed on-chain when a note is spent.
type Nullifier [NullifierSize]byte

// NullifierFromBytes returns the nullifier of the given bytes, which must be
// exactly NullifierSize long.
func NullifierFromBytes(data []byte) (Nullifier, error) {
	var nf Nullifier

	if len(data) != NullifierSize {
		return nf, Errorf(ErrInput, "wrong nullifier size %d", len(data))
	}

	copy(nf[:], data)

	return nf, nil
}

// ParseNullifier decodes a hexadecimal nullifier.
func ParseNullifier(text string) (Nullifier, error) {
	data, err := hex.DecodeString(text)
	if err != nil {
		return Nullifier{}, Errorf(ErrInput, "malformed nullifier: %v", err)
	}

	return NullifierFromBytes(data)
}

// String returns the hexadecimal representation of the nullifier.
func (nf Nullifier) String() string {
	return hex.EncodeToString(nf[:])
}

// RawAddress is the raw encoding of an Orchard payment address.
type RawAddress [RawAddressSize]byte

// Rho is the nullifier of the note that was spent to create a note.
type Rho [32]byte

// RSeed is the seed of the note randomness.
type RSeed [32]byte

// BlockID identifies a block of the chain.
type BlockID struct {
	Height uint32
	Hash   string
}

// AccountMeta is the synchronization metadata of an account.
type AccountMeta struct {
	// Birthday is the lowest block height the account cares about.
	Birthday uint32
	// LatestScanned is the last block scanned for the account, or nil when
	// nothing has been scanned yet.
	LatestScanned *BlockID
}

// Note is a note owned by an account.
type Note struct {
	Address     RawAddress
	BlockHeight uint32
	Nullifier   Nullifier
	Amount      uint64
	// Position is the position of the note commitment in the tree.
	Position uint64
	Rho      Rho
	RSeed    RSeed
}

// NoteSpend records that a nullifier was revealed at a block height.
type NoteSpend struct {
	BlockHeight uint32
	Nullifier   Nullifier
}

// ShardAddress is the address of a subtree root: the level above the leaves
// and the index from the left at that level.
type ShardAddress struct {
	Level uint8
	Index uint64
}

// String returns the address as level/index.
func (a ShardAddress) String() string {
	return fmt.Sprintf("%d/%d", a.Level, a.Index)
}

// Shard is the persisted form of a subtree of the commitment tree.
type Shard struct {
	Address ShardAddress
	// RootHash is set once the subtree is complete.
	RootHash *Hash
	// Data is the serialized subtree.
	Data []byte
	// MaxPosition is the right-most leaf position the shard contains.
	MaxPosition uint64
	// EndHeight is the height of the block that completed the subtree, or zero
	// when it is unknown.
	EndHeight uint32
}

// SubtreeRoot is the root of a complete shard as published by the chain.
type SubtreeRoot struct {
	Hash Hash
	// EndHeight is the height of the block that completed the subtree.
	EndHeight uint32
}

// Checkpoint is an anchor in the history of the tree. The identifier is the
// height of the block the checkpoint belongs to.
type Checkpoint struct {
	ID uint32
	// TreeSize is the number of leaves anchored by the checkpoint. Zero means
	// the tree was empty.
	TreeSize uint64
	// MarksRemoved lists the positions whose mark is removed at the
	// checkpoint, in ascending order.
	MarksRemoved []uint64
}

// Equal returns true when both checkpoints have the same content.
func (cp Checkpoint) Equal(other Checkpoint) bool {
	if cp.ID != other.ID || cp.TreeSize != other.TreeSize {
		return false
	}

	if len(cp.MarksRemoved) != len(other.MarksRemoved) {
		return false
	}

	for i, pos := range cp.MarksRemoved {
		if other.MarksRemoved[i] != pos {
			return false
		}
	}

	return true
}

// Leaf is a note commitment to append to the tree with its retention.
type Leaf struct {
	Commitment Hash
	// Marked is true when the wallet must be able to produce a witness for the
	// leaf.
	Marked bool
	// CheckpointID is set when the leaf is the last one of a block.
	CheckpointID *uint32
}

// NewLeaf returns a leaf with the given retention. A negative checkpoint means
// no checkpoint.
func NewLeaf(commitment Hash, marked bool, checkpoint int64) Leaf {
	leaf := Leaf{
		Commitment: commitment,
		Marked:     marked,
	}

	if checkpoint >= 0 {
		id := uint32(checkpoint)
		leaf.CheckpointID = &id
	}

	return leaf
}

// Frontier is the right-most leaf of a tree together with the ommers needed to
// keep hashing from it.
type Frontier struct {
	Position uint64
	Leaf     Hash
	// Ommers are the left siblings of the path of the leaf, from the bottom
	// of the tree, one per bit set in the position.
	Ommers []Hash
}

// TreeState is the state of the tree before a batch of leaves.
type TreeState struct {
	BlockHeight uint32
	TreeSize    uint64
	// Frontier is required only when resuming a tree that is empty locally.
	Frontier *Frontier
}
