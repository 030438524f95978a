package shardtree

import (
	"fmt"

	"go.dedis.ch/orchard/core/shielded"
)

// Address is the address of a node of the tree. The leaves are at level zero.
type Address struct {
	Level uint8
	Index uint64
}

// Start returns the position of the first leaf below the address.
func (a Address) Start() uint64 {
	return a.Index << a.Level
}

// End returns the position following the last leaf below the address.
func (a Address) End() uint64 {
	return (a.Index + 1) << a.Level
}

// Children returns the addresses of the left and the right child.
func (a Address) Children() (Address, Address) {
	left := Address{Level: a.Level - 1, Index: a.Index << 1}
	right := Address{Level: a.Level - 1, Index: a.Index<<1 | 1}

	return left, right
}

// Contains returns true if the other address is the address or one of its
// descendants.
func (a Address) Contains(other Address) bool {
	if other.Level > a.Level {
		return false
	}

	return other.Index>>(a.Level-other.Level) == a.Index
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Level, a.Index)
}

func (a Address) shard() shielded.ShardAddress {
	return shielded.ShardAddress{Level: a.Level, Index: a.Index}
}
