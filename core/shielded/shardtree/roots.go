package shardtree

import (
	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

// InsertSubtreeRoots stores the roots of complete shards, starting at the
// shard index, and mirrors them into the cap. A shard that is only known by
// its root holds a single pruned leaf. A shard known locally keeps its leaves,
// but its root must match the local one when it is complete.
//
// The roots extend the size of the tree to the end of the last one.
func (t *ShardTree) InsertSubtreeRoots(start uint64, roots []shielded.SubtreeRoot) error {
	if len(roots) == 0 {
		return nil
	}

	count := uint64(1) << (t.params.Depth - t.params.ShardHeight)
	if start >= count || uint64(len(roots)) > count-start {
		return shielded.Errorf(shielded.ErrInput,
			"cannot insert %d subtree roots at shard %d of %d", len(roots), start, count)
	}

	return t.update(func(tree *ShardTree) error {
		return tree.insertSubtreeRoots(start, roots)
	})
}

func (t *ShardTree) insertSubtreeRoots(start uint64, roots []shielded.SubtreeRoot) error {
	capRoot, err := t.readCap()
	if err != nil {
		return err
	}

	shards := make([]shielded.Shard, len(roots))

	for i, root := range roots {
		addr := t.shardAddr(start + uint64(i))

		local, err := t.loadShard(addr.Index)
		if err != nil {
			return err
		}

		if local != nil && local.RootHash != nil && *local.RootHash != root.Hash {
			return shielded.Errorf(shielded.ErrConsistency,
				"subtree root of shard %d differs from the local one", addr.Index)
		}

		data, err := encodeTree(newLeaf(root.Hash, Ephemeral))
		if err != nil {
			return err
		}

		hash := root.Hash

		shards[i] = shielded.Shard{
			Address:     addr.shard(),
			RootHash:    &hash,
			Data:        data,
			MaxPosition: addr.End() - 1,
			EndHeight:   root.EndHeight,
		}

		capRoot, err = mergeNode(capRoot, t.rootAddr(), addr, newLeaf(root.Hash, Ephemeral))
		if err != nil {
			return xerrors.Errorf("failed to update cap: %w", err)
		}
	}

	err = t.store.UpdateSubtreeRoots(start, shards)
	if err != nil {
		return xerrors.Errorf("failed to write subtree roots: %w", err)
	}

	if t.cache != nil {
		n := uint64(len(roots))
		t.onCommit(func() { t.cache.removeRange(start, n) })
	}

	err = t.saveCap(capRoot)
	if err != nil {
		return err
	}

	t.logger.Debug().
		Uint64("start", start).
		Int("roots", len(roots)).
		Msg("subtree roots inserted")

	return nil
}

// LatestShardIndex returns the index of the right-most shard, if any.
func (t *ShardTree) LatestShardIndex() (uint64, bool, error) {
	index, found, err := t.store.LatestShardIndex()
	if err != nil {
		return 0, false, xerrors.Errorf("failed to read latest shard: %w", err)
	}

	return index, found, nil
}
