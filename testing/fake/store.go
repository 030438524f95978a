package fake

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store"
)

// Operations of the store that can be made to fail.
const (
	OpPutShard         = "PutShard"
	OpPutCap           = "PutCap"
	OpAddCheckpoint    = "AddCheckpoint"
	OpUpdateCheckpoint = "UpdateCheckpoint"
	OpTruncateShards   = "TruncateShards"
	OpUpdateNotes      = "UpdateNotes"
	OpHandleChainReorg = "HandleChainReorg"
)

// Store is a commitment store that returns an error for the configured
// operations and forwards everything else.
//
// - implements storage.CommitmentStore
type Store struct {
	storage.CommitmentStore

	errs  map[string]error
	calls map[string]int
}

// NewBadStore returns a store that fails the operation with the error.
func NewBadStore(inner storage.CommitmentStore, op string, err error) *Store {
	return &Store{
		CommitmentStore: inner,
		errs:            map[string]error{op: err},
		calls:           make(map[string]int),
	}
}

// Calls returns the number of times the operation has been called.
func (s *Store) Calls(op string) int {
	return s.calls[op]
}

// WithTx implements storage.CommitmentStore.
func (s *Store) WithTx(txn store.Transaction) storage.CommitmentStore {
	return &Store{
		CommitmentStore: s.CommitmentStore.WithTx(txn),
		errs:            s.errs,
		calls:           s.calls,
	}
}

func (s *Store) fail(op string) error {
	s.calls[op]++

	return s.errs[op]
}

// PutShard implements storage.ShardStore.
func (s *Store) PutShard(account shielded.AccountID, shard shielded.Shard) error {
	err := s.fail(OpPutShard)
	if err != nil {
		return err
	}

	return s.CommitmentStore.PutShard(account, shard)
}

// PutCap implements storage.ShardStore.
func (s *Store) PutCap(account shielded.AccountID, data []byte) error {
	err := s.fail(OpPutCap)
	if err != nil {
		return err
	}

	return s.CommitmentStore.PutCap(account, data)
}

// TruncateShards implements storage.ShardStore.
func (s *Store) TruncateShards(account shielded.AccountID, index uint64) error {
	err := s.fail(OpTruncateShards)
	if err != nil {
		return err
	}

	return s.CommitmentStore.TruncateShards(account, index)
}

// AddCheckpoint implements storage.CheckpointStore.
func (s *Store) AddCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) error {
	err := s.fail(OpAddCheckpoint)
	if err != nil {
		return err
	}

	return s.CommitmentStore.AddCheckpoint(account, cp)
}

// UpdateCheckpoint implements storage.CheckpointStore.
func (s *Store) UpdateCheckpoint(account shielded.AccountID, cp shielded.Checkpoint) (bool, error) {
	err := s.fail(OpUpdateCheckpoint)
	if err != nil {
		return false, err
	}

	return s.CommitmentStore.UpdateCheckpoint(account, cp)
}

// UpdateNotes implements storage.AccountStore.
func (s *Store) UpdateNotes(account shielded.AccountID, notes []shielded.Note,
	spends []shielded.NoteSpend, height uint32, hash string) error {

	err := s.fail(OpUpdateNotes)
	if err != nil {
		return err
	}

	return s.CommitmentStore.UpdateNotes(account, notes, spends, height, hash)
}

// HandleChainReorg implements storage.AccountStore.
func (s *Store) HandleChainReorg(account shielded.AccountID, height uint32, hash string) error {
	err := s.fail(OpHandleChainReorg)
	if err != nil {
		return err
	}

	return s.CommitmentStore.HandleChainReorg(account, height, hash)
}
