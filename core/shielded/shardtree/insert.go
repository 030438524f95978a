package shardtree

import (
	"math/bits"

	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

// InsertLeaves appends a batch of leaves to the tree. The prior state is the
// state of the tree before the batch. When the tree is empty and the prior
// state is not, the frontier of the prior state is inserted first.
//
// The checkpoints carried by the leaves must be strictly greater than the
// existing ones. The oldest checkpoints are pruned once the batch is
// appended.
func (t *ShardTree) InsertLeaves(prior shielded.TreeState, leaves []shielded.Leaf) error {
	return t.update(func(tree *ShardTree) error {
		return tree.insertLeaves(prior, leaves)
	})
}

func (t *ShardTree) insertLeaves(prior shielded.TreeState, leaves []shielded.Leaf) error {
	size, err := t.Size()
	if err != nil {
		return err
	}

	// The tree may only be resumed at a shard boundary, which is the case of
	// an empty tree or of a tree that holds subtree roots only.
	if prior.TreeSize > size && size&t.shardMask() == 0 {
		err = t.insertFrontier(prior)
		if err != nil {
			return xerrors.Errorf("failed to insert frontier: %w", err)
		}

		size = prior.TreeSize
	} else if prior.TreeSize != size {
		return shielded.Errorf(shielded.ErrInput,
			"prior tree size %d does not match the tree size %d", prior.TreeSize, size)
	}

	if len(leaves) == 0 {
		return nil
	}

	capacity := uint64(1) << t.params.Depth
	if uint64(len(leaves)) > capacity-size {
		return shielded.Errorf(shielded.ErrInput,
			"cannot append %d leaves to a tree of size %d", len(leaves), size)
	}

	err = t.checkCheckpointIDs(leaves)
	if err != nil {
		return err
	}

	capRoot, err := t.readCap()
	if err != nil {
		return err
	}

	capChanged := false

	var checkpoints []shielded.Checkpoint

	pos := size

	for i := 0; i < len(leaves); {
		index := pos >> t.params.ShardHeight
		addr := t.shardAddr(index)

		root, err := t.readShard(index)
		if err != nil {
			return err
		}

		for ; i < len(leaves) && pos>>t.params.ShardHeight == index; i, pos = i+1, pos+1 {
			leaf := leaves[i]

			flags := Ephemeral
			if leaf.Marked {
				flags |= Marked
			}

			if leaf.CheckpointID != nil {
				flags |= Checkpoint
				checkpoints = append(checkpoints, shielded.Checkpoint{
					ID:       *leaf.CheckpointID,
					TreeSize: pos + 1,
				})
			}

			root, err = insertNode(root, addr, Address{Index: pos}, newLeaf(leaf.Commitment, flags))
			if err != nil {
				return xerrors.Errorf("failed to insert leaf %d: %w", pos, err)
			}
		}

		hash, err := t.saveShard(addr, root)
		if err != nil {
			return err
		}

		if hash != nil {
			capRoot, err = insertNode(capRoot, t.rootAddr(), addr, newLeaf(*hash, Ephemeral))
			if err != nil {
				return xerrors.Errorf("failed to update cap: %w", err)
			}

			capChanged = true
		}
	}

	if capChanged {
		err = t.saveCap(capRoot)
		if err != nil {
			return err
		}
	}

	for _, cp := range checkpoints {
		err = t.store.AddCheckpoint(cp)
		if err != nil {
			return xerrors.Errorf("failed to add checkpoint %d: %w", cp.ID, err)
		}
	}

	count := len(leaves)
	t.onCommit(func() { promLeaves.Add(float64(count)) })

	t.logger.Debug().
		Uint64("from", size).
		Int("leaves", count).
		Int("checkpoints", len(checkpoints)).
		Msg("leaves appended")

	return t.pruneExcessCheckpoints()
}

func (t *ShardTree) checkCheckpointIDs(leaves []shielded.Leaf) error {
	last, found, err := t.store.MaxCheckpointID()
	if err != nil {
		return xerrors.Errorf("failed to read checkpoints: %w", err)
	}

	for _, leaf := range leaves {
		if leaf.CheckpointID == nil {
			continue
		}

		if found && *leaf.CheckpointID <= last {
			return shielded.Errorf(shielded.ErrInput,
				"checkpoint %d must be greater than %d", *leaf.CheckpointID, last)
		}

		last = *leaf.CheckpointID
		found = true
	}

	return nil
}

// insertFrontier starts the tree from the frontier of a prior state. The
// ommers are the left siblings of the path of the frontier leaf, from the
// bottom. The frontier leaf is checkpointed at the height of the state.
func (t *ShardTree) insertFrontier(prior shielded.TreeState) error {
	frontier := prior.Frontier
	if frontier == nil {
		return shielded.Errorf(shielded.ErrInput,
			"a frontier is required to start the tree at size %d", prior.TreeSize)
	}

	if frontier.Position+1 != prior.TreeSize {
		return shielded.Errorf(shielded.ErrInput,
			"frontier position %d does not match the tree size %d",
			frontier.Position, prior.TreeSize)
	}

	if frontier.Position >= uint64(1)<<t.params.Depth {
		return shielded.Errorf(shielded.ErrInput,
			"frontier position %d is outside of the tree", frontier.Position)
	}

	expected := bits.OnesCount64(frontier.Position)
	if len(frontier.Ommers) != expected {
		return shielded.Errorf(shielded.ErrInput,
			"frontier at %d needs %d ommers, got %d",
			frontier.Position, expected, len(frontier.Ommers))
	}

	last, found, err := t.store.MaxCheckpointID()
	if err != nil {
		return xerrors.Errorf("failed to read checkpoints: %w", err)
	}

	if found && prior.BlockHeight <= last {
		return shielded.Errorf(shielded.ErrInput,
			"checkpoint %d must be greater than %d", prior.BlockHeight, last)
	}

	shardAddr := t.shardAddr(frontier.Position >> t.params.ShardHeight)

	capRoot, err := t.readCap()
	if err != nil {
		return err
	}

	var root *node

	next := 0

	for level := uint8(0); level < t.params.Depth; level++ {
		if (frontier.Position>>level)&1 == 0 {
			continue
		}

		addr := Address{Level: level, Index: frontier.Position>>level - 1}
		ommer := newLeaf(frontier.Ommers[next], Ephemeral)
		next++

		if level < t.params.ShardHeight {
			root, err = insertNode(root, shardAddr, addr, ommer)
		} else {
			capRoot, err = mergeNode(capRoot, t.rootAddr(), addr, ommer)
		}

		if err != nil {
			return err
		}
	}

	leaf := newLeaf(frontier.Leaf, Checkpoint)

	root, err = insertNode(root, shardAddr, Address{Index: frontier.Position}, leaf)
	if err != nil {
		return err
	}

	hash, err := t.saveShard(shardAddr, root)
	if err != nil {
		return err
	}

	if hash != nil {
		capRoot, err = mergeNode(capRoot, t.rootAddr(), shardAddr, newLeaf(*hash, Ephemeral))
		if err != nil {
			return err
		}
	}

	err = t.saveCap(capRoot)
	if err != nil {
		return err
	}

	err = t.store.AddCheckpoint(shielded.Checkpoint{
		ID:       prior.BlockHeight,
		TreeSize: prior.TreeSize,
	})
	if err != nil {
		return xerrors.Errorf("failed to add checkpoint %d: %w", prior.BlockHeight, err)
	}

	t.logger.Info().
		Uint64("position", frontier.Position).
		Uint32("height", prior.BlockHeight).
		Msg("tree started from frontier")

	return nil
}
