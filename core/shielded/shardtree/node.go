package shardtree

import (
	"go.dedis.ch/orchard/core/shielded"
)

// RetentionFlags tell why a leaf must be kept in the tree.
type RetentionFlags uint8

const (
	// Ephemeral leaves can be pruned as soon as their sibling is known.
	Ephemeral RetentionFlags = 0
	// Checkpoint is set on the last leaf of a checkpoint.
	Checkpoint RetentionFlags = 1 << 0
	// Marked is set on the leaves that must remain witnessable.
	Marked RetentionFlags = 1 << 1
)

// node is a node of a subtree. A nil node is a subtree without any known leaf.
// A leaf may stand for a whole pruned subtree when it is above level zero.
type node struct {
	leaf      bool
	annotated bool
	flags     RetentionFlags
	hash      shielded.Hash
	left      *node
	right     *node
}

func newLeaf(hash shielded.Hash, flags RetentionFlags) *node {
	return &node{
		leaf:  true,
		hash:  hash,
		flags: flags,
	}
}

// completeHash returns the hash of the subtree when it is known without
// hashing.
func (n *node) completeHash() (shielded.Hash, bool) {
	if n == nil {
		return shielded.Hash{}, false
	}

	if n.leaf {
		return n.hash, true
	}

	return n.hash, n.annotated
}

// insertNode sets the value at the target address of the subtree rooted at
// the address. The nodes along the path lose their annotation.
func insertNode(n *node, addr, target Address, value *node) (*node, error) {
	if !addr.Contains(target) {
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"address %v is outside of %v", target, addr)
	}

	if addr == target {
		if n == nil {
			return value, nil
		}

		if n.leaf && n.hash == value.hash {
			n.flags |= value.flags
			return n, nil
		}

		return nil, shielded.Errorf(shielded.ErrConsistency,
			"conflicting value at address %v", addr)
	}

	if n == nil {
		n = &node{}
	} else if n.leaf {
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"cannot insert %v below the pruned node %v", target, addr)
	}

	n.annotated = false

	left, right := addr.Children()

	var err error
	if left.Contains(target) {
		n.left, err = insertNode(n.left, left, target, value)
	} else {
		n.right, err = insertNode(n.right, right, target, value)
	}

	if err != nil {
		return nil, err
	}

	return n, nil
}

// mergeNode sets the value at the target address like insertNode, except that
// a target already covered by a pruned ancestor is left as is, and a parent
// found at the target is replaced by the value.
func mergeNode(n *node, addr, target Address, value *node) (*node, error) {
	if !addr.Contains(target) {
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"address %v is outside of %v", target, addr)
	}

	if n == nil {
		return insertNode(nil, addr, target, value)
	}

	if addr == target {
		if !n.leaf {
			return value, nil
		}

		if n.hash != value.hash {
			return nil, shielded.Errorf(shielded.ErrConsistency,
				"conflicting value at address %v", addr)
		}

		n.flags |= value.flags

		return n, nil
	}

	if n.leaf {
		return n, nil
	}

	n.annotated = false

	var err error

	left, right := addr.Children()
	if left.Contains(target) {
		n.left, err = mergeNode(n.left, left, target, value)
	} else {
		n.right, err = mergeNode(n.right, right, target, value)
	}

	if err != nil {
		return nil, err
	}

	return n, nil
}

// compact annotates the parents whose children are both known. When collapse
// is true, a parent with two ephemeral leaves is replaced by a leaf.
func (t *ShardTree) compact(n *node, addr Address, collapse bool) *node {
	if n == nil || n.leaf || n.annotated {
		return n
	}

	left, right := addr.Children()

	n.left = t.compact(n.left, left, collapse)
	n.right = t.compact(n.right, right, collapse)

	lh, lok := n.left.completeHash()
	rh, rok := n.right.completeHash()
	if !lok || !rok {
		return n
	}

	hash := t.hasher.Combine(left.Level, lh, rh)

	if collapse && n.left.leaf && n.right.leaf &&
		n.left.flags == Ephemeral && n.right.flags == Ephemeral {

		return newLeaf(hash, Ephemeral)
	}

	n.hash = hash
	n.annotated = true

	return n
}

// truncateNode returns a copy of the subtree without the leaves at or after
// the size. Leaves at the drop level that straddle the size are removed, and
// any other straddling leaf is an error. A negative drop level disables it.
func truncateNode(n *node, addr Address, size uint64, dropLevel int) (*node, error) {
	if n == nil || addr.Start() >= size {
		return nil, nil
	}

	if addr.End() <= size {
		return n, nil
	}

	if n.leaf {
		if int(addr.Level) == dropLevel {
			return nil, nil
		}

		return nil, shielded.Errorf(shielded.ErrConsistency,
			"cannot truncate the pruned node %v at size %d", addr, size)
	}

	l, r := addr.Children()

	left, err := truncateNode(n.left, l, size, dropLevel)
	if err != nil {
		return nil, err
	}

	right, err := truncateNode(n.right, r, size, dropLevel)
	if err != nil {
		return nil, err
	}

	if left == nil && right == nil {
		return nil, nil
	}

	return &node{left: left, right: right}, nil
}

// clearLeafFlags removes the flags of the leaf at the position, if it is still
// present in the subtree. The path to the leaf loses its annotation so that a
// later compaction can prune it.
func clearLeafFlags(n *node, addr Address, pos uint64, flags RetentionFlags) {
	for n != nil && !n.leaf {
		n.annotated = false

		left, right := addr.Children()
		if pos < left.End() {
			n, addr = n.left, left
		} else {
			n, addr = n.right, right
		}
	}

	if n != nil && addr.Level == 0 {
		n.flags &^= flags
	}
}

// leafFlags returns the flags of the leaf at the position, or false if the
// position is not a leaf of the subtree.
func leafFlags(n *node, addr Address, pos uint64) (RetentionFlags, bool) {
	if pos < addr.Start() || pos >= addr.End() {
		return 0, false
	}

	for n != nil && !n.leaf {
		left, right := addr.Children()
		if pos < left.End() {
			n, addr = n.left, left
		} else {
			n, addr = n.right, right
		}
	}

	if n == nil || addr.Level != 0 {
		return 0, false
	}

	return n.flags, true
}

// maxPosition returns the position of the right-most known leaf.
func maxPosition(n *node, addr Address) (uint64, bool) {
	if n == nil {
		return 0, false
	}

	if n.leaf {
		return addr.End() - 1, true
	}

	left, right := addr.Children()

	pos, ok := maxPosition(n.right, right)
	if ok {
		return pos, true
	}

	return maxPosition(n.left, left)
}
