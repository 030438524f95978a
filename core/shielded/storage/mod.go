// Package storage defines the capability interfaces of the commitment store:
// the per-account persistence of notes, nullifiers, tree shards and
// checkpoints.
//
// Every operation is scoped to an account. Operations can be bound to an open
// transaction with WithTx, so that a sequence of calls either fully commits or
// fully rolls back. Unbound calls run in their own transaction.
package storage

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/store"
)

// AccountStore is the part of the store that tracks the notes of an account
// and its synchronization progress.
type AccountStore interface {
	// RegisterAccount creates the metadata of the account. It is idempotent if
	// the account already exists with the same birthday.
	RegisterAccount(account shielded.AccountID, birthday uint32) (shielded.AccountMeta, error)

	// GetAccountMeta returns the metadata of the account, or nil if it is
	// not registered.
	GetAccountMeta(account shielded.AccountID) (*shielded.AccountMeta, error)

	// HandleChainReorg removes the notes and the spends found above the
	// height and resets the scan progress to the given block.
	HandleChainReorg(account shielded.AccountID, height uint32, hash string) error

	// ResetAccountSyncState removes every piece of synchronization state of
	// the account except its birthday.
	ResetAccountSyncState(account shielded.AccountID) error

	// GetSpendableNotes returns the notes whose nullifier has not been spent,
	// ordered by position.
	GetSpendableNotes(account shielded.AccountID) ([]shielded.Note, error)

	// GetNullifiers returns the spends recorded for the account.
	GetNullifiers(account shielded.AccountID) ([]shielded.NoteSpend, error)

	// UpdateNotes appends the notes and the spends, and advances the scan
	// progress to the given block.
	UpdateNotes(account shielded.AccountID, notes []shielded.Note,
		spends []shielded.NoteSpend, height uint32, hash string) error
}

// ShardStore is the part of the store that persists the tree shards and the
// cap.
type ShardStore interface {
	// GetShard returns the shard at the address, or nil if it does not exist.
	GetShard(account shielded.AccountID, addr shielded.ShardAddress) (*shielded.Shard, error)

	// PutShard inserts or replaces the shard.
	PutShard(account shielded.AccountID, shard shielded.Shard) error

	// LastShard returns the right-most shard, or nil if there is none.
	LastShard(account shielded.AccountID, level uint8) (*shielded.Shard, error)

	// GetShardRoots returns the addresses of the stored shards in ascending
	// order.
	GetShardRoots(account shielded.AccountID, level uint8) ([]shielded.ShardAddress, error)

	// TruncateShards removes the shards with an index greater or equal to the
	// given one.
	TruncateShards(account shielded.AccountID, index uint64) error

	// UpdateSubtreeRoots stores roots[i] at the index startIndex+i. Every root
	// must have a root hash. An existing shard keeps its data and only takes
	// the root hash and the end height of the new one.
	UpdateSubtreeRoots(account shielded.AccountID, startIndex uint64, roots []shielded.Shard) error

	// LatestShardIndex returns the greatest index of the stored shards, if
	// any.
	LatestShardIndex(account shielded.AccountID) (uint64, bool, error)

	// GetCap returns the serialized cap, or nil if none is stored.
	GetCap(account shielded.AccountID) ([]byte, error)

	// PutCap replaces the serialized cap.
	PutCap(account shielded.AccountID, data []byte) error
}

// CheckpointStore is the part of the store that persists the checkpoints of
// the tree.
type CheckpointStore interface {
	// AddCheckpoint stores a new checkpoint. Adding the same checkpoint twice
	// is allowed, but not a different one with the same identifier.
	AddCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) error

	// UpdateCheckpoint replaces an existing checkpoint. It returns false if the
	// checkpoint does not exist.
	UpdateCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) (bool, error)

	// RemoveCheckpoint removes the checkpoint. It returns false if the
	// checkpoint does not exist.
	RemoveCheckpoint(account shielded.AccountID, id uint32) (bool, error)

	// GetCheckpoint returns the checkpoint, or nil if it does not exist.
	GetCheckpoint(account shielded.AccountID, id uint32) (*shielded.Checkpoint, error)

	// GetCheckpoints returns at most limit checkpoints, oldest first.
	GetCheckpoints(account shielded.AccountID, limit int) ([]shielded.Checkpoint, error)

	CheckpointCount(account shielded.AccountID) (int, error)

	// MinCheckpointID returns the oldest checkpoint identifier, if any.
	MinCheckpointID(account shielded.AccountID) (uint32, bool, error)

	// MaxCheckpointID returns the newest checkpoint identifier, if any.
	MaxCheckpointID(account shielded.AccountID) (uint32, bool, error)

	// GetCheckpointAtDepth returns the identifier of the checkpoint at the
	// depth, where zero is the newest checkpoint.
	GetCheckpointAtDepth(account shielded.AccountID, depth int) (uint32, bool, error)

	// GetMaxCheckpointedHeight returns the greatest checkpoint identifier that
	// is at most chainTip - minConfirmations - 1.
	GetMaxCheckpointedHeight(account shielded.AccountID, chainTip, minConfirmations uint32) (uint32, bool, error)

	// TruncateCheckpoints removes the checkpoints with an identifier greater
	// or equal to the given one.
	TruncateCheckpoints(account shielded.AccountID, id uint32) error

	// GetMarksRemoved returns the positions whose mark is removed at the
	// checkpoint.
	GetMarksRemoved(account shielded.AccountID, id uint32) ([]uint64, error)
}

// CommitmentStore is the durable, transactional store of the wallet.
type CommitmentStore interface {
	AccountStore
	ShardStore
	CheckpointStore

	// WithTx returns a store that executes every operation inside the
	// transaction.
	WithTx(txn store.Transaction) CommitmentStore

	// Transactionally runs the function inside a write transaction. The
	// transaction is committed only if the function returns nil.
	Transactionally(fn func(txn store.Transaction) error) error

	Close() error
}

// ConfirmedLimit returns the greatest checkpoint identifier allowed by
// GetMaxCheckpointedHeight, or false when no height qualifies.
func ConfirmedLimit(chainTip, minConfirmations uint32) (uint32, bool) {
	if uint64(chainTip) < uint64(minConfirmations)+1 {
		return 0, false
	}

	return chainTip - minConfirmations - 1, true
}

// CheckSubtreeRoots returns an error if one of the roots has no root hash.
func CheckSubtreeRoots(startIndex uint64, roots []shielded.Shard) error {
	for i, root := range roots {
		if root.RootHash == nil {
			return shielded.Errorf(shielded.ErrInput,
				"subtree root %d has no hash", startIndex+uint64(i))
		}
	}

	return nil
}
