package shardtree

import (
	"math"
	"sort"

	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

// pruneExcessCheckpoints removes the oldest checkpoints beyond the limit, and
// releases the leaves that were only kept for them. The newest checkpoint is
// never removed, so every marked leaf stays witnessable.
func (t *ShardTree) pruneExcessCheckpoints() error {
	count, err := t.store.CheckpointCount()
	if err != nil {
		return xerrors.Errorf("failed to count checkpoints: %w", err)
	}

	if count <= t.params.MaxCheckpoints {
		return nil
	}

	checkpoints, err := t.store.GetCheckpoints(count)
	if err != nil {
		return xerrors.Errorf("failed to read checkpoints: %w", err)
	}

	remove := len(checkpoints) - t.params.MaxCheckpoints
	if remove <= 0 {
		return nil
	}

	release := make(map[uint64]RetentionFlags)

	for _, cp := range checkpoints[:remove] {
		if cp.TreeSize > 0 {
			release[cp.TreeSize-1] |= Checkpoint
		}

		for _, pos := range cp.MarksRemoved {
			release[pos] |= Marked
		}
	}

	// Leaves shared with a retained checkpoint stay checkpointed.
	for _, cp := range checkpoints[remove:] {
		if cp.TreeSize == 0 {
			continue
		}

		flags, found := release[cp.TreeSize-1]
		if found {
			release[cp.TreeSize-1] = flags &^ Checkpoint
		}
	}

	byShard := make(map[uint64][]uint64)
	for pos, flags := range release {
		if flags != Ephemeral {
			index := pos >> t.params.ShardHeight
			byShard[index] = append(byShard[index], pos)
		}
	}

	indices := make([]uint64, 0, len(byShard))
	for index := range byShard {
		indices = append(indices, index)
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, index := range indices {
		root, err := t.readShard(index)
		if err != nil {
			return err
		}

		if root == nil {
			continue
		}

		addr := t.shardAddr(index)

		for _, pos := range byShard[index] {
			clearLeafFlags(root, addr, pos, release[pos])
		}

		_, err = t.saveShard(addr, root)
		if err != nil {
			return err
		}
	}

	for _, cp := range checkpoints[:remove] {
		_, err = t.store.RemoveCheckpoint(cp.ID)
		if err != nil {
			return xerrors.Errorf("failed to remove checkpoint %d: %w", cp.ID, err)
		}
	}

	t.onCommit(func() { promPrunedCheckpoints.Add(float64(remove)) })

	t.logger.Debug().
		Int("removed", remove).
		Uint32("oldest", checkpoints[remove].ID).
		Msg("checkpoints pruned")

	return nil
}

// RemoveMark removes the mark of the leaf at the position as of the
// checkpoint. The removal is recorded in the checkpoint and the leaf is
// released when the checkpoint is pruned. When the checkpoint is older than
// every retained one, the mark is cleared right away. It returns false if the
// leaf is not marked, or if the checkpoint is newer than the oldest one but
// does not exist.
func (t *ShardTree) RemoveMark(pos uint64, id uint32) (bool, error) {
	removed := false

	err := t.update(func(tree *ShardTree) error {
		index := pos >> tree.params.ShardHeight

		root, err := tree.readShard(index)
		if err != nil {
			return err
		}

		addr := tree.shardAddr(index)

		flags, found := leafFlags(root, addr, pos)
		if !found || flags&Marked == 0 {
			return nil
		}

		cp, err := tree.store.GetCheckpoint(id)
		if err != nil {
			return xerrors.Errorf("failed to read checkpoint %d: %w", id, err)
		}

		if cp != nil {
			removed = true

			return tree.recordRemovedMark(*cp, pos)
		}

		oldest, found, err := tree.store.MinCheckpointID()
		if err != nil {
			return xerrors.Errorf("failed to read checkpoints: %w", err)
		}

		if found && id >= oldest {
			return nil
		}

		removed = true

		clearLeafFlags(root, addr, pos, Marked)

		_, err = tree.saveShard(addr, root)
		if err != nil {
			return err
		}

		tree.logger.Debug().
			Uint64("position", pos).
			Uint32("checkpoint", id).
			Msg("mark cleared below the oldest checkpoint")

		return nil
	})

	if err != nil {
		return false, err
	}

	return removed, nil
}

func (t *ShardTree) recordRemovedMark(cp shielded.Checkpoint, pos uint64) error {
	if pos >= cp.TreeSize {
		return shielded.Errorf(shielded.ErrInput,
			"position %d is not part of checkpoint %d", pos, cp.ID)
	}

	i := sort.Search(len(cp.MarksRemoved), func(i int) bool {
		return cp.MarksRemoved[i] >= pos
	})

	if i < len(cp.MarksRemoved) && cp.MarksRemoved[i] == pos {
		return nil
	}

	marks := make([]uint64, 0, len(cp.MarksRemoved)+1)
	marks = append(marks, cp.MarksRemoved[:i]...)
	marks = append(marks, pos)
	marks = append(marks, cp.MarksRemoved[i:]...)

	cp.MarksRemoved = marks

	_, err := t.store.UpdateCheckpoint(cp)
	if err != nil {
		return xerrors.Errorf("failed to update checkpoint %d: %w", cp.ID, err)
	}

	return nil
}

// Truncate removes every leaf and every checkpoint added after the checkpoint.
// It returns false if the checkpoint does not exist, in which case the tree is
// left untouched.
func (t *ShardTree) Truncate(id uint32) (bool, error) {
	found := false

	err := t.update(func(tree *ShardTree) error {
		cp, err := tree.store.GetCheckpoint(id)
		if err != nil {
			return xerrors.Errorf("failed to read checkpoint %d: %w", id, err)
		}

		if cp == nil {
			return nil
		}

		found = true

		return tree.truncateTo(*cp)
	})

	if err != nil {
		return false, err
	}

	return found, nil
}

func (t *ShardTree) truncateTo(cp shielded.Checkpoint) error {
	size := cp.TreeSize

	if size == 0 {
		err := t.truncateShards(0)
		if err != nil {
			return err
		}

		err = t.saveCap(nil)
		if err != nil {
			return err
		}
	} else {
		index := (size - 1) >> t.params.ShardHeight
		addr := t.shardAddr(index)

		root, err := t.readShard(index)
		if err != nil {
			return err
		}

		if root == nil {
			return shielded.Errorf(shielded.ErrConsistency,
				"shard %v of checkpoint %d is missing", addr, cp.ID)
		}

		root, err = truncateNode(root, addr, size, -1)
		if err != nil {
			return err
		}

		err = t.truncateShards(index + 1)
		if err != nil {
			return err
		}

		_, err = t.saveShard(addr, root)
		if err != nil {
			return err
		}

		capRoot, err := t.readCap()
		if err != nil {
			return err
		}

		capRoot, err = truncateNode(capRoot, t.rootAddr(), size, int(t.params.ShardHeight))
		if err != nil {
			return err
		}

		err = t.saveCap(capRoot)
		if err != nil {
			return err
		}
	}

	if cp.ID < math.MaxUint32 {
		err := t.store.TruncateCheckpoints(cp.ID + 1)
		if err != nil {
			return xerrors.Errorf("failed to truncate checkpoints: %w", err)
		}
	}

	t.onCommit(func() { promTruncations.Inc() })

	t.logger.Info().
		Uint32("checkpoint", cp.ID).
		Uint64("size", size).
		Msg("tree truncated")

	return nil
}
