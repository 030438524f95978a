package storage

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/store"
)

// ShardTreeDelegate is the surface of the store used by the tree engine. It is
// bound to a single account.
type ShardTreeDelegate interface {
	GetShard(addr shielded.ShardAddress) (*shielded.Shard, error)
	PutShard(shard shielded.Shard) error
	LastShard(level uint8) (*shielded.Shard, error)
	GetShardRoots(level uint8) ([]shielded.ShardAddress, error)
	TruncateShards(index uint64) error
	UpdateSubtreeRoots(startIndex uint64, roots []shielded.Shard) error
	LatestShardIndex() (uint64, bool, error)
	GetCap() ([]byte, error)
	PutCap(data []byte) error

	AddCheckpoint(cp shielded.Checkpoint) error
	UpdateCheckpoint(cp shielded.Checkpoint) (bool, error)
	RemoveCheckpoint(id uint32) (bool, error)
	GetCheckpoint(id uint32) (*shielded.Checkpoint, error)
	GetCheckpoints(limit int) ([]shielded.Checkpoint, error)
	CheckpointCount() (int, error)
	MinCheckpointID() (uint32, bool, error)
	MaxCheckpointID() (uint32, bool, error)
	GetCheckpointAtDepth(depth int) (uint32, bool, error)
	TruncateCheckpoints(id uint32) error
	GetMarksRemoved(id uint32) ([]uint64, error)

	// WithTx returns a delegate that executes every operation inside the
	// transaction.
	WithTx(txn store.Transaction) ShardTreeDelegate

	// Transactionally runs the function inside a write transaction of the
	// underlying store.
	Transactionally(fn func(txn store.Transaction) error) error
}

// accountDelegate projects a commitment store on one account.
//
// - implements storage.ShardTreeDelegate
type accountDelegate struct {
	store   CommitmentStore
	account shielded.AccountID
}

// NewShardTreeDelegate returns the delegate of the account backed by the
// store.
func NewShardTreeDelegate(store CommitmentStore, account shielded.AccountID) ShardTreeDelegate {
	return accountDelegate{
		store:   store,
		account: account,
	}
}

// WithTx implements storage.ShardTreeDelegate.
func (d accountDelegate) WithTx(txn store.Transaction) ShardTreeDelegate {
	return accountDelegate{
		store:   d.store.WithTx(txn),
		account: d.account,
	}
}

// Transactionally implements storage.ShardTreeDelegate.
func (d accountDelegate) Transactionally(fn func(txn store.Transaction) error) error {
	return d.store.Transactionally(fn)
}

func (d accountDelegate) GetShard(addr shielded.ShardAddress) (*shielded.Shard, error) {
	return d.store.GetShard(d.account, addr)
}

func (d accountDelegate) PutShard(shard shielded.Shard) error {
	return d.store.PutShard(d.account, shard)
}

func (d accountDelegate) LastShard(level uint8) (*shielded.Shard, error) {
	return d.store.LastShard(d.account, level)
}

func (d accountDelegate) GetShardRoots(level uint8) ([]shielded.ShardAddress, error) {
	return d.store.GetShardRoots(d.account, level)
}

func (d accountDelegate) TruncateShards(index uint64) error {
	return d.store.TruncateShards(d.account, index)
}

func (d accountDelegate) UpdateSubtreeRoots(startIndex uint64, roots []shielded.Shard) error {
	return d.store.UpdateSubtreeRoots(d.account, startIndex, roots)
}

func (d accountDelegate) LatestShardIndex() (uint64, bool, error) {
	return d.store.LatestShardIndex(d.account)
}

func (d accountDelegate) GetCap() ([]byte, error) {
	return d.store.GetCap(d.account)
}

func (d accountDelegate) PutCap(data []byte) error {
	return d.store.PutCap(d.account, data)
}

func (d accountDelegate) AddCheckpoint(cp shielded.Checkpoint) error {
	return d.store.AddCheckpoint(d.account, cp)
}

func (d accountDelegate) UpdateCheckpoint(cp shielded.Checkpoint) (bool, error) {
	return d.store.UpdateCheckpoint(d.account, cp)
}

func (d accountDelegate) RemoveCheckpoint(id uint32) (bool, error) {
	return d.store.RemoveCheckpoint(d.account, id)
}

func (d accountDelegate) GetCheckpoint(id uint32) (*shielded.Checkpoint, error) {
	return d.store.GetCheckpoint(d.account, id)
}

func (d accountDelegate) GetCheckpoints(limit int) ([]shielded.Checkpoint, error) {
	return d.store.GetCheckpoints(d.account, limit)
}

func (d accountDelegate) CheckpointCount() (int, error) {
	return d.store.CheckpointCount(d.account)
}

func (d accountDelegate) MinCheckpointID() (uint32, bool, error) {
	return d.store.MinCheckpointID(d.account)
}

func (d accountDelegate) MaxCheckpointID() (uint32, bool, error) {
	return d.store.MaxCheckpointID(d.account)
}

func (d accountDelegate) GetCheckpointAtDepth(depth int) (uint32, bool, error) {
	return d.store.GetCheckpointAtDepth(d.account, depth)
}

func (d accountDelegate) TruncateCheckpoints(id uint32) error {
	return d.store.TruncateCheckpoints(d.account, id)
}

func (d accountDelegate) GetMarksRemoved(id uint32) ([]uint64, error) {
	return d.store.GetMarksRemoved(d.account, id)
}
