package memstore

import (
	"sort"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
)

// GetShard implements storage.ShardStore.
func (s *Store) GetShard(account shielded.AccountID, addr shielded.ShardAddress) (*shielded.Shard, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, err
	}

	shard, found := state.shards[addr.Index]
	if !found {
		return nil, nil
	}

	return copyShard(shard), nil
}

// PutShard implements storage.ShardStore.
func (s *Store) PutShard(account shielded.AccountID, shard shielded.Shard) error {
	return s.update(account, func(state *accountState) error {
		state.shards[shard.Address.Index] = *copyShard(shard)
		return nil
	})
}

// LastShard implements storage.ShardStore.
func (s *Store) LastShard(account shielded.AccountID, level uint8) (*shielded.Shard, error) {
	state, err := s.read(account)
	if err != nil || state == nil || len(state.shards) == 0 {
		return nil, err
	}

	var last *shielded.Shard
	for _, shard := range state.shards {
		if last == nil || shard.Address.Index > last.Address.Index {
			last = copyShard(shard)
		}
	}

	last.Address.Level = level

	return last, nil
}

// GetShardRoots implements storage.ShardStore.
func (s *Store) GetShardRoots(account shielded.AccountID, level uint8) ([]shielded.ShardAddress, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, err
	}

	addrs := make([]shielded.ShardAddress, 0, len(state.shards))
	for index := range state.shards {
		addrs = append(addrs, shielded.ShardAddress{Level: level, Index: index})
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Index < addrs[j].Index })

	return addrs, nil
}

// TruncateShards implements storage.ShardStore.
func (s *Store) TruncateShards(account shielded.AccountID, index uint64) error {
	return s.update(account, func(state *accountState) error {
		for i := range state.shards {
			if i >= index {
				delete(state.shards, i)
			}
		}

		return nil
	})
}

// UpdateSubtreeRoots implements storage.ShardStore.
func (s *Store) UpdateSubtreeRoots(account shielded.AccountID, startIndex uint64, roots []shielded.Shard) error {
	err := storage.CheckSubtreeRoots(startIndex, roots)
	if err != nil {
		return err
	}

	return s.update(account, func(state *accountState) error {
		for i, root := range roots {
			index := startIndex + uint64(i)

			shard, found := state.shards[index]
			if !found {
				shard = *copyShard(root)
				shard.Address.Index = index
			}

			hash := *root.RootHash
			shard.RootHash = &hash
			shard.EndHeight = root.EndHeight

			state.shards[index] = shard
		}

		return nil
	})
}

// LatestShardIndex implements storage.ShardStore.
func (s *Store) LatestShardIndex(account shielded.AccountID) (uint64, bool, error) {
	state, err := s.read(account)
	if err != nil || state == nil || len(state.shards) == 0 {
		return 0, false, err
	}

	var latest uint64
	for index := range state.shards {
		if index > latest {
			latest = index
		}
	}

	return latest, true, nil
}

// GetCap implements storage.ShardStore.
func (s *Store) GetCap(account shielded.AccountID) ([]byte, error) {
	state, err := s.read(account)
	if err != nil || state == nil || state.cap == nil {
		return nil, err
	}

	return append([]byte{}, state.cap...), nil
}

// PutCap implements storage.ShardStore.
func (s *Store) PutCap(account shielded.AccountID, data []byte) error {
	return s.update(account, func(state *accountState) error {
		state.cap = append([]byte{}, data...)
		return nil
	})
}

// AddCheckpoint implements storage.CheckpointStore.
func (s *Store) AddCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) error {
	return s.update(account, func(state *accountState) error {
		prev, found := state.checkpoints[cp.ID]
		if found {
			if prev.Equal(cp) {
				return nil
			}

			return shielded.Errorf(shielded.ErrConsistency,
				"checkpoint %d already exists with different content", cp.ID)
		}

		state.checkpoints[cp.ID] = copyCheckpoint(cp)

		return nil
	})
}

// UpdateCheckpoint implements storage.CheckpointStore.
func (s *Store) UpdateCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) (bool, error) {
	found := false

	err := s.update(account, func(state *accountState) error {
		_, found = state.checkpoints[cp.ID]
		if found {
			state.checkpoints[cp.ID] = copyCheckpoint(cp)
		}

		return nil
	})

	return found, err
}

// RemoveCheckpoint implements storage.CheckpointStore.
func (s *Store) RemoveCheckpoint(account shielded.AccountID, id uint32) (bool, error) {
	found := false

	err := s.update(account, func(state *accountState) error {
		_, found = state.checkpoints[id]
		delete(state.checkpoints, id)

		return nil
	})

	return found, err
}

// GetCheckpoint implements storage.CheckpointStore.
func (s *Store) GetCheckpoint(account shielded.AccountID, id uint32) (*shielded.Checkpoint, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, err
	}

	cp, found := state.checkpoints[id]
	if !found {
		return nil, nil
	}

	cp = copyCheckpoint(cp)

	return &cp, nil
}

// GetCheckpoints implements storage.CheckpointStore.
func (s *Store) GetCheckpoints(account shielded.AccountID, limit int) ([]shielded.Checkpoint, error) {
	ids, state, err := s.checkpointIDs(account)
	if err != nil {
		return nil, err
	}

	if limit < len(ids) {
		if limit < 0 {
			limit = 0
		}
		ids = ids[:limit]
	}

	cps := make([]shielded.Checkpoint, len(ids))
	for i, id := range ids {
		cps[i] = copyCheckpoint(state.checkpoints[id])
	}

	return cps, nil
}

// CheckpointCount implements storage.CheckpointStore.
func (s *Store) CheckpointCount(account shielded.AccountID) (int, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return 0, err
	}

	return len(state.checkpoints), nil
}

// MinCheckpointID implements storage.CheckpointStore.
func (s *Store) MinCheckpointID(account shielded.AccountID) (uint32, bool, error) {
	ids, _, err := s.checkpointIDs(account)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}

	return ids[0], true, nil
}

// MaxCheckpointID implements storage.CheckpointStore.
func (s *Store) MaxCheckpointID(account shielded.AccountID) (uint32, bool, error) {
	ids, _, err := s.checkpointIDs(account)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}

	return ids[len(ids)-1], true, nil
}

// GetCheckpointAtDepth implements storage.CheckpointStore.
func (s *Store) GetCheckpointAtDepth(account shielded.AccountID, depth int) (uint32, bool, error) {
	ids, _, err := s.checkpointIDs(account)
	if err != nil || depth < 0 || depth >= len(ids) {
		return 0, false, err
	}

	return ids[len(ids)-1-depth], true, nil
}

// GetMaxCheckpointedHeight implements storage.CheckpointStore.
func (s *Store) GetMaxCheckpointedHeight(account shielded.AccountID,
	chainTip, minConfirmations uint32) (uint32, bool, error) {

	limit, ok := storage.ConfirmedLimit(chainTip, minConfirmations)
	if !ok {
		return 0, false, nil
	}

	ids, _, err := s.checkpointIDs(account)
	if err != nil {
		return 0, false, err
	}

	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] <= limit {
			return ids[i], true, nil
		}
	}

	return 0, false, nil
}

// TruncateCheckpoints implements storage.CheckpointStore.
func (s *Store) TruncateCheckpoints(account shielded.AccountID, id uint32) error {
	return s.update(account, func(state *accountState) error {
		for cid := range state.checkpoints {
			if cid >= id {
				delete(state.checkpoints, cid)
			}
		}

		return nil
	})
}

// GetMarksRemoved implements storage.CheckpointStore.
func (s *Store) GetMarksRemoved(account shielded.AccountID, id uint32) ([]uint64, error) {
	cp, err := s.GetCheckpoint(account, id)
	if err != nil || cp == nil {
		return nil, err
	}

	return cp.MarksRemoved, nil
}

func (s *Store) checkpointIDs(account shielded.AccountID) ([]uint32, *accountState, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, nil, err
	}

	ids := make([]uint32, 0, len(state.checkpoints))
	for id := range state.checkpoints {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, state, nil
}

func copyShard(shard shielded.Shard) *shielded.Shard {
	c := shard
	c.Data = append([]byte{}, shard.Data...)

	if shard.RootHash != nil {
		root := *shard.RootHash
		c.RootHash = &root
	}

	return &c
}

func copyCheckpoint(cp shielded.Checkpoint) shielded.Checkpoint {
	c := cp
	c.MarksRemoved = append([]uint64(nil), cp.MarksRemoved...)

	return c
}
