package memstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/shielded/storage/storagetest"
	"go.dedis.ch/orchard/core/store"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.CommitmentStore {
		return NewStore()
	})
}

func TestStore_Closed(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())

	_, err := s.RegisterAccount("alice", 0)
	require.True(t, errors.Is(err, shielded.ErrTransaction), err)
	require.EqualError(t, err, "store is closed")
}

func TestStore_ForeignTransaction(t *testing.T) {
	s := NewStore()

	_, err := s.WithTx(fakeTx{}).RegisterAccount("alice", 0)
	require.True(t, errors.Is(err, shielded.ErrTransaction), err)

	_, err = s.WithTx(fakeTx{}).GetAccountMeta("alice")
	require.EqualError(t, err, "invalid transaction of type 'memstore.fakeTx'")
}

func TestStore_CommittedStateIsImmutable(t *testing.T) {
	s := NewStore()

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	before := s.db.get("alice")

	err = s.Transactionally(func(txn store.Transaction) error {
		return s.WithTx(txn).PutCap("alice", []byte{1})
	})
	require.NoError(t, err)

	require.Nil(t, before.cap)
	require.Equal(t, []byte{1}, s.db.get("alice").cap)
}

// -----------------------------------------------------------------------------
// Utility functions

type fakeTx struct{}

func (fakeTx) OnCommit(func()) {}
