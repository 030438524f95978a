package shardtree

import (
	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

// MerklePath is the authentication path of a leaf. The siblings are ordered
// from the leaf level up.
type MerklePath struct {
	Position uint64
	AuthPath []shielded.Hash
}

// Root returns the root of the tree computed from the leaf and the path.
func (p MerklePath) Root(leaf shielded.Hash, hasher Hasher) shielded.Hash {
	hash := leaf

	for i, sibling := range p.AuthPath {
		level := uint8(i)

		if (p.Position>>level)&1 == 0 {
			hash = hasher.Combine(level, hash, sibling)
		} else {
			hash = hasher.Combine(level, sibling, hash)
		}
	}

	return hash
}

// anchor computes the hashes of the tree as it was at a given size. Positions
// at or after the size are considered empty.
type anchor struct {
	tree *ShardTree
	size uint64
	// shards is set when walking the cap, to read the subtrees below it.
	shards func(index uint64) (*node, error)
}

func (a anchor) root(n *node, addr Address) (shielded.Hash, error) {
	if addr.Start() >= a.size {
		return a.tree.empty[addr.Level], nil
	}

	complete := addr.End() <= a.size

	if a.shards != nil && addr.Level == a.tree.params.ShardHeight {
		if n != nil && n.leaf && complete {
			return n.hash, nil
		}

		shard, err := a.shards(addr.Index)
		if err != nil {
			return shielded.Hash{}, err
		}

		return anchor{tree: a.tree, size: a.size}.root(shard, addr)
	}

	if n == nil {
		if a.shards == nil {
			return shielded.Hash{}, shielded.Errorf(shielded.ErrConsistency,
				"missing node %v below size %d", addr, a.size)
		}

		n = &node{}
	}

	if n.leaf {
		if complete {
			return n.hash, nil
		}

		return shielded.Hash{}, shielded.Errorf(shielded.ErrConsistency,
			"pruned node %v cannot be anchored at size %d", addr, a.size)
	}

	if complete && n.annotated {
		return n.hash, nil
	}

	left, right := addr.Children()

	lh, err := a.root(n.left, left)
	if err != nil {
		return shielded.Hash{}, err
	}

	rh, err := a.root(n.right, right)
	if err != nil {
		return shielded.Hash{}, err
	}

	return a.tree.hasher.Combine(left.Level, lh, rh), nil
}

func (t *ShardTree) checkpoint(id uint32) (shielded.Checkpoint, error) {
	cp, err := t.store.GetCheckpoint(id)
	if err != nil {
		return shielded.Checkpoint{}, xerrors.Errorf("failed to read checkpoint %d: %w", id, err)
	}

	if cp == nil {
		return shielded.Checkpoint{}, shielded.Errorf(shielded.ErrConsistency,
			"checkpoint %d not found", id)
	}

	return *cp, nil
}

// RootAtCheckpoint returns the root of the tree at the checkpoint.
func (t *ShardTree) RootAtCheckpoint(id uint32) (shielded.Hash, error) {
	cp, err := t.checkpoint(id)
	if err != nil {
		return shielded.Hash{}, err
	}

	capRoot, err := t.readCap()
	if err != nil {
		return shielded.Hash{}, err
	}

	a := anchor{tree: t, size: cp.TreeSize, shards: t.readShard}

	root, err := a.root(capRoot, t.rootAddr())
	if err != nil {
		return shielded.Hash{}, xerrors.Errorf("failed to compute root at %d: %w", id, err)
	}

	return root, nil
}

type step struct {
	sibling *node
	addr    Address
}

// CalculateWitness returns the authentication path of the marked leaf at the
// position, anchored at the checkpoint.
func (t *ShardTree) CalculateWitness(pos uint64, id uint32) (MerklePath, error) {
	cp, err := t.checkpoint(id)
	if err != nil {
		return MerklePath{}, err
	}

	if pos >= cp.TreeSize {
		return MerklePath{}, shielded.Errorf(shielded.ErrConsistency,
			"position %d is not anchored by checkpoint %d", pos, id)
	}

	shardAddr := t.shardAddr(pos >> t.params.ShardHeight)

	root, err := t.readShard(shardAddr.Index)
	if err != nil {
		return MerklePath{}, err
	}

	if root == nil {
		return MerklePath{}, shielded.Errorf(shielded.ErrConsistency,
			"shard %v of position %d is missing", shardAddr, pos)
	}

	steps, err := descend(root, shardAddr, pos, 0)
	if err != nil {
		return MerklePath{}, err
	}

	capRoot, err := t.readCap()
	if err != nil {
		return MerklePath{}, err
	}

	capSteps, err := descend(capRoot, t.rootAddr(), pos, t.params.ShardHeight)
	if err != nil {
		return MerklePath{}, err
	}

	path := make([]shielded.Hash, t.params.Depth)

	inner := anchor{tree: t, size: cp.TreeSize}

	for _, s := range steps {
		path[s.addr.Level], err = inner.root(s.sibling, s.addr)
		if err != nil {
			return MerklePath{}, xerrors.Errorf("witness of %d: %w", pos, err)
		}
	}

	outer := anchor{tree: t, size: cp.TreeSize, shards: t.readShard}

	for _, s := range capSteps {
		path[s.addr.Level], err = outer.root(s.sibling, s.addr)
		if err != nil {
			return MerklePath{}, xerrors.Errorf("witness of %d: %w", pos, err)
		}
	}

	return MerklePath{Position: pos, AuthPath: path}, nil
}

// descend walks the subtree from the address down to the level, toward the
// position, and returns the siblings met on the way. When the walk reaches
// level zero, the leaf must be marked.
func descend(n *node, addr Address, pos uint64, level uint8) ([]step, error) {
	var steps []step

	for addr.Level > level {
		if n != nil && n.leaf {
			if level == 0 {
				return nil, shielded.Errorf(shielded.ErrConsistency,
					"position %d is not marked", pos)
			}

			return nil, shielded.Errorf(shielded.ErrConsistency,
				"position %d is below the pruned node %v", pos, addr)
		}

		left, right := addr.Children()

		var next, sibling *node
		if n != nil {
			next, sibling = n.left, n.right
		}

		if pos < left.End() {
			steps = append(steps, step{sibling: sibling, addr: right})
			addr = left
		} else {
			if n != nil {
				next, sibling = n.right, n.left
			}

			steps = append(steps, step{sibling: sibling, addr: left})
			addr = right
		}

		n = next
	}

	if level == 0 && (n == nil || !n.leaf || n.flags&Marked == 0) {
		return nil, shielded.Errorf(shielded.ErrConsistency, "position %d is not marked", pos)
	}

	return steps, nil
}
