package kvstore

import (
	"encoding/binary"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store/kv"
)

// GetShard implements storage.ShardStore.
func (s *Store) GetShard(account shielded.AccountID, addr shielded.ShardAddress) (*shielded.Shard, error) {
	var shard *shielded.Shard

	err := s.doView(func(tx kv.ReadableTx) error {
		data := tx.GetBucket(shardsBucket).Get(positionKey(account, addr.Index))
		if data == nil {
			return nil
		}

		var err error
		shard, err = decodeShard(addr, data)

		return err
	})

	return shard, err
}

// PutShard implements storage.ShardStore.
func (s *Store) PutShard(account shielded.AccountID, shard shielded.Shard) error {
	data, err := encodeShard(shard)
	if err != nil {
		return shielded.Errorf(shielded.ErrInput, "failed to encode shard: %v", err)
	}

	return s.doUpdate(func(tx kv.WritableTx) error {
		err := tx.GetBucket(shardsBucket).Set(positionKey(account, shard.Address.Index), data)
		if err != nil {
			return shielded.Errorf(shielded.ErrStatement, "failed to write shard %v: %v", shard.Address, err)
		}

		return nil
	})
}

// LastShard implements storage.ShardStore.
func (s *Store) LastShard(account shielded.AccountID, level uint8) (*shielded.Shard, error) {
	var shard *shielded.Shard

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)

		err := tx.GetBucket(shardsBucket).ScanReverse(prefix, func(k, v []byte) error {
			addr := shielded.ShardAddress{
				Level: level,
				Index: binary.BigEndian.Uint64(k[len(prefix):]),
			}

			var err error
			shard, err = decodeShard(addr, v)
			if err != nil {
				return err
			}

			return errStop
		})
		if err != nil && !isStop(err) {
			return scanError("shards", err)
		}

		return nil
	})

	return shard, err
}

// GetShardRoots implements storage.ShardStore.
func (s *Store) GetShardRoots(account shielded.AccountID, level uint8) ([]shielded.ShardAddress, error) {
	var addrs []shielded.ShardAddress

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)

		err := tx.GetBucket(shardsBucket).Scan(prefix, func(k, v []byte) error {
			addrs = append(addrs, shielded.ShardAddress{
				Level: level,
				Index: binary.BigEndian.Uint64(k[len(prefix):]),
			})

			return nil
		})
		if err != nil {
			return scanError("shards", err)
		}

		return nil
	})

	return addrs, err
}

// TruncateShards implements storage.ShardStore.
func (s *Store) TruncateShards(account shielded.AccountID, index uint64) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		return deleteFrom(tx.GetBucket(shardsBucket), accountKey(account), positionKey(account, index))
	})
}

// UpdateSubtreeRoots implements storage.ShardStore.
func (s *Store) UpdateSubtreeRoots(account shielded.AccountID, startIndex uint64, roots []shielded.Shard) error {
	err := storage.CheckSubtreeRoots(startIndex, roots)
	if err != nil {
		return err
	}

	return s.doUpdate(func(tx kv.WritableTx) error {
		bucket := tx.GetBucket(shardsBucket)

		for i, root := range roots {
			addr := root.Address
			addr.Index = startIndex + uint64(i)

			key := positionKey(account, addr.Index)

			shard := &root

			data := bucket.Get(key)
			if data != nil {
				existing, err := decodeShard(addr, data)
				if err != nil {
					return err
				}

				existing.RootHash = root.RootHash
				existing.EndHeight = root.EndHeight
				shard = existing
			}

			shard.Address = addr

			value, err := encodeShard(*shard)
			if err != nil {
				return shielded.Errorf(shielded.ErrInput, "failed to encode shard: %v", err)
			}

			err = bucket.Set(key, value)
			if err != nil {
				return shielded.Errorf(shielded.ErrStatement, "failed to write shard %v: %v", addr, err)
			}
		}

		return nil
	})
}

// LatestShardIndex implements storage.ShardStore.
func (s *Store) LatestShardIndex(account shielded.AccountID) (uint64, bool, error) {
	var index uint64
	found := false

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)

		err := tx.GetBucket(shardsBucket).ScanReverse(prefix, func(k, v []byte) error {
			index = binary.BigEndian.Uint64(k[len(prefix):])
			found = true

			return errStop
		})
		if err != nil && !isStop(err) {
			return scanError("shards", err)
		}

		return nil
	})

	return index, found, err
}

// GetCap implements storage.ShardStore.
func (s *Store) GetCap(account shielded.AccountID) ([]byte, error) {
	var data []byte

	err := s.doView(func(tx kv.ReadableTx) error {
		value := tx.GetBucket(capsBucket).Get(accountKey(account))
		if value != nil {
			data = append([]byte{}, value...)
		}

		return nil
	})

	return data, err
}

// PutCap implements storage.ShardStore.
func (s *Store) PutCap(account shielded.AccountID, data []byte) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		err := tx.GetBucket(capsBucket).Set(accountKey(account), append([]byte{}, data...))
		if err != nil {
			return shielded.Errorf(shielded.ErrStatement, "failed to write cap: %v", err)
		}

		return nil
	})
}

// AddCheckpoint implements storage.CheckpointStore.
func (s *Store) AddCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		bucket := tx.GetBucket(checkpointsBucket)

		prev, err := readCheckpoint(bucket, account, cp.ID)
		if err != nil {
			return err
		}

		if prev != nil {
			if prev.Equal(cp) {
				return nil
			}

			return shielded.Errorf(shielded.ErrConsistency,
				"checkpoint %d already exists with different content", cp.ID)
		}

		return writeCheckpoint(bucket, account, cp)
	})
}

// UpdateCheckpoint implements storage.CheckpointStore.
func (s *Store) UpdateCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) (bool, error) {
	found := false

	err := s.doUpdate(func(tx kv.WritableTx) error {
		bucket := tx.GetBucket(checkpointsBucket)

		found = bucket.Get(checkpointKey(account, cp.ID)) != nil
		if !found {
			return nil
		}

		return writeCheckpoint(bucket, account, cp)
	})

	return found, err
}

// RemoveCheckpoint implements storage.CheckpointStore.
func (s *Store) RemoveCheckpoint(account shielded.AccountID, id uint32) (bool, error) {
	found := false

	err := s.doUpdate(func(tx kv.WritableTx) error {
		bucket := tx.GetBucket(checkpointsBucket)
		key := checkpointKey(account, id)

		found = bucket.Get(key) != nil
		if !found {
			return nil
		}

		return deleteKeys(bucket, key)
	})

	return found, err
}

// GetCheckpoint implements storage.CheckpointStore.
func (s *Store) GetCheckpoint(account shielded.AccountID, id uint32) (*shielded.Checkpoint, error) {
	var cp *shielded.Checkpoint

	err := s.doView(func(tx kv.ReadableTx) error {
		var err error
		cp, err = readCheckpoint(tx.GetBucket(checkpointsBucket), account, id)

		return err
	})

	return cp, err
}

// GetCheckpoints implements storage.CheckpointStore.
func (s *Store) GetCheckpoints(account shielded.AccountID, limit int) ([]shielded.Checkpoint, error) {
	cps := []shielded.Checkpoint{}

	if limit <= 0 {
		return cps, nil
	}

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)

		err := tx.GetBucket(checkpointsBucket).Scan(prefix, func(k, v []byte) error {
			cp, err := decodeCheckpoint(binary.BigEndian.Uint32(k[len(prefix):]), v)
			if err != nil {
				return err
			}

			cps = append(cps, cp)
			if len(cps) >= limit {
				return errStop
			}

			return nil
		})
		if err != nil && !isStop(err) {
			return scanError("checkpoints", err)
		}

		return nil
	})

	return cps, err
}

// CheckpointCount implements storage.CheckpointStore.
func (s *Store) CheckpointCount(account shielded.AccountID) (int, error) {
	count := 0

	err := s.doView(func(tx kv.ReadableTx) error {
		err := tx.GetBucket(checkpointsBucket).Scan(accountKey(account), func(k, v []byte) error {
			count++
			return nil
		})
		if err != nil {
			return scanError("checkpoints", err)
		}

		return nil
	})

	return count, err
}

// MinCheckpointID implements storage.CheckpointStore.
func (s *Store) MinCheckpointID(account shielded.AccountID) (uint32, bool, error) {
	return s.checkpointIDAt(account, false, 0, func(uint32) bool { return true })
}

// MaxCheckpointID implements storage.CheckpointStore.
func (s *Store) MaxCheckpointID(account shielded.AccountID) (uint32, bool, error) {
	return s.checkpointIDAt(account, true, 0, func(uint32) bool { return true })
}

// GetCheckpointAtDepth implements storage.CheckpointStore.
func (s *Store) GetCheckpointAtDepth(account shielded.AccountID, depth int) (uint32, bool, error) {
	if depth < 0 {
		return 0, false, nil
	}

	return s.checkpointIDAt(account, true, depth, func(uint32) bool { return true })
}

// GetMaxCheckpointedHeight implements storage.CheckpointStore.
func (s *Store) GetMaxCheckpointedHeight(account shielded.AccountID,
	chainTip, minConfirmations uint32) (uint32, bool, error) {

	limit, ok := storage.ConfirmedLimit(chainTip, minConfirmations)
	if !ok {
		return 0, false, nil
	}

	return s.checkpointIDAt(account, true, 0, func(id uint32) bool { return id <= limit })
}

// TruncateCheckpoints implements storage.CheckpointStore.
func (s *Store) TruncateCheckpoints(account shielded.AccountID, id uint32) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		return deleteFrom(tx.GetBucket(checkpointsBucket), accountKey(account), checkpointKey(account, id))
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

// checkpointIDAt walks the checkpoint identifiers in the given direction and
// returns the one after skipping the number of matching identifiers.
func (s *Store) checkpointIDAt(account shielded.AccountID, reverse bool, skip int,
	match func(uint32) bool) (uint32, bool, error) {

	var id uint32
	found := false

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)
		bucket := tx.GetBucket(checkpointsBucket)

		scan := bucket.Scan
		if reverse {
			scan = bucket.ScanReverse
		}

		err := scan(prefix, func(k, v []byte) error {
			cid := binary.BigEndian.Uint32(k[len(prefix):])
			if !match(cid) {
				return nil
			}

			if skip > 0 {
				skip--
				return nil
			}

			id = cid
			found = true

			return errStop
		})
		if err != nil && !isStop(err) {
			return scanError("checkpoints", err)
		}

		return nil
	})

	return id, found, err
}

func readCheckpoint(bucket kv.Bucket, account shielded.AccountID, id uint32) (*shielded.Checkpoint, error) {
	data := bucket.Get(checkpointKey(account, id))
	if data == nil {
		return nil, nil
	}

	cp, err := decodeCheckpoint(id, data)
	if err != nil {
		return nil, err
	}

	return &cp, nil
}

func writeCheckpoint(bucket kv.Bucket, account shielded.AccountID, cp shielded.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return shielded.Errorf(shielded.ErrInput, "failed to encode checkpoint: %v", err)
	}

	err = bucket.Set(checkpointKey(account, cp.ID), data)
	if err != nil {
		return shielded.Errorf(shielded.ErrStatement, "failed to write checkpoint %d: %v", cp.ID, err)
	}

	return nil
}
