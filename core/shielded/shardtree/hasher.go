package shardtree

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/crypto"
)

// Hasher combines the nodes of the tree.
type Hasher interface {
	// EmptyLeaf returns the value of an unused leaf.
	EmptyLeaf() shielded.Hash

	// Combine returns the parent of two nodes at the given level.
	Combine(level uint8, left, right shielded.Hash) shielded.Hash
}

// defaultPersonalization keys the default hash function.
var defaultPersonalization = []byte("orchard.shardtree")

// factoryHasher is a hasher that uses a hash factory producing 32 bytes
// digests. The level is prepended to the children.
//
// - implements shardtree.Hasher
type factoryHasher struct {
	factory crypto.HashFactory
	empty   shielded.Hash
}

// NewHasher returns a hasher using the factory.
func NewHasher(factory crypto.HashFactory) Hasher {
	h := factoryHasher{factory: factory}

	d := factory.New()
	d.Write([]byte("uncommitted"))
	copy(h.empty[:], d.Sum(nil))

	return h
}

// NewDefaultHasher returns the hasher based on keyed blake2b.
func NewDefaultHasher() Hasher {
	return NewHasher(crypto.NewKeyedBlake2bFactory(defaultPersonalization))
}

// EmptyLeaf implements shardtree.Hasher.
func (h factoryHasher) EmptyLeaf() shielded.Hash {
	return h.empty
}

// Combine implements shardtree.Hasher.
func (h factoryHasher) Combine(level uint8, left, right shielded.Hash) shielded.Hash {
	d := h.factory.New()
	d.Write([]byte{level})
	d.Write(left[:])
	d.Write(right[:])

	var out shielded.Hash
	copy(out[:], d.Sum(nil))

	return out
}

// emptyRoots returns the roots of the empty subtrees for every level up to the
// depth.
func emptyRoots(h Hasher, depth uint8) []shielded.Hash {
	roots := make([]shielded.Hash, int(depth)+1)
	roots[0] = h.EmptyLeaf()

	for level := uint8(0); level < depth; level++ {
		roots[level+1] = h.Combine(level, roots[level], roots[level])
	}

	return roots
}
