// Package storagetest provides the conformance suite that every commitment
// store implementation must pass.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store"
	"golang.org/x/xerrors"
)

// Factory returns a new empty store. The suite closes it.
type Factory func(t *testing.T) storage.CommitmentStore

// Run executes the whole suite against the stores built by the factory.
func Run(t *testing.T, factory Factory) {
	tests := map[string]func(*testing.T, storage.CommitmentStore){
		"RegisterAccount":          testRegisterAccount,
		"UpdateNotes":              testUpdateNotes,
		"SpendableNotes":           testSpendableNotes,
		"HandleChainReorg":         testHandleChainReorg,
		"ResetAccountSyncState":    testResetAccountSyncState,
		"Shards":                   testShards,
		"SubtreeRoots":             testSubtreeRoots,
		"Cap":                      testCap,
		"Checkpoints":              testCheckpoints,
		"CheckpointQueries":        testCheckpointQueries,
		"Transactionally":          testTransactionally,
		"TransactionRollback":      testTransactionRollback,
		"AccountIsolation":         testAccountIsolation,
		"MaxCheckpointedHeight":    testMaxCheckpointedHeight,
		"ShardTreeDelegateBinding": testShardTreeDelegate,
	}

	for name, fn := range tests {
		fn := fn

		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			fn(t, s)
		})
	}
}

// MakeNote returns a note at the position, discovered at the height and with
// a nullifier derived from the seed.
func MakeNote(pos uint64, height uint32, seed byte) shielded.Note {
	note := shielded.Note{
		BlockHeight: height,
		Amount:      uint64(seed) * 1000,
		Position:    pos,
	}

	note.Nullifier[0] = seed
	note.Address[0] = seed
	note.Rho[1] = seed
	note.RSeed[2] = seed

	return note
}

// MakeSpend returns a spend of the nullifier derived from the seed.
func MakeSpend(height uint32, seed byte) shielded.NoteSpend {
	spend := shielded.NoteSpend{BlockHeight: height}
	spend.Nullifier[0] = seed

	return spend
}

func testRegisterAccount(t *testing.T, s storage.CommitmentStore) {
	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Nil(t, meta)

	registered, err := s.RegisterAccount("alice", 100)
	require.NoError(t, err)
	require.Equal(t, shielded.AccountMeta{Birthday: 100}, registered)

	meta, err = s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.AccountMeta{Birthday: 100}, meta)

	_, err = s.RegisterAccount("alice", 100)
	require.NoError(t, err)

	_, err = s.RegisterAccount("alice", 101)
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)
	require.EqualError(t, err, "account alice already registered with birthday 100")

	err = s.UpdateNotes("alice", nil, nil, 120, "aa")
	require.NoError(t, err)

	registered, err = s.RegisterAccount("alice", 100)
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 120, Hash: "aa"}, registered.LatestScanned)
}

func testUpdateNotes(t *testing.T, s storage.CommitmentStore) {
	err := s.UpdateNotes("alice", nil, nil, 1, "aa")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	_, err = s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	notes := []shielded.Note{MakeNote(2, 10, 1), MakeNote(7, 11, 2)}

	err = s.UpdateNotes("alice", notes, []shielded.NoteSpend{MakeSpend(11, 9)}, 11, "bb")
	require.NoError(t, err)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 11, Hash: "bb"}, meta.LatestScanned)

	spendable, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Equal(t, notes, spendable)

	spends, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Equal(t, []shielded.NoteSpend{MakeSpend(11, 9)}, spends)

	err = s.UpdateNotes("alice", []shielded.Note{MakeNote(8, 12, 1)}, nil, 12, "cc")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	err = s.UpdateNotes("alice", []shielded.Note{MakeNote(7, 12, 3)}, nil, 12, "cc")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	err = s.UpdateNotes("alice", nil, []shielded.NoteSpend{MakeSpend(12, 9)}, 12, "cc")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	meta, err = s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, uint32(11), meta.LatestScanned.Height)
}

func testSpendableNotes(t *testing.T, s storage.CommitmentStore) {
	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	var notes []shielded.Note
	var spends []shielded.NoteSpend

	for i := 0; i < 20; i++ {
		notes = append(notes, MakeNote(uint64(i*3), uint32(i), byte(i+1)))

		if i%3 == 0 {
			spends = append(spends, MakeSpend(uint32(i+1), byte(i+1)))
		}
	}

	// Nullifiers of notes that do not belong to the account.
	spends = append(spends, MakeSpend(30, 200), MakeSpend(30, 201))

	err = s.UpdateNotes("alice", notes[:10], spends[:2], 10, "aa")
	require.NoError(t, err)

	err = s.UpdateNotes("alice", notes[10:], spends[2:], 20, "bb")
	require.NoError(t, err)

	spent := make(map[shielded.Nullifier]bool)
	for _, spend := range spends {
		spent[spend.Nullifier] = true
	}

	var expected []shielded.Note
	for _, note := range notes {
		if !spent[note.Nullifier] {
			expected = append(expected, note)
		}
	}

	spendable, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Equal(t, expected, spendable)

	nullifiers, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.ElementsMatch(t, spends, nullifiers)
}

func testHandleChainReorg(t *testing.T, s storage.CommitmentStore) {
	err := s.HandleChainReorg("alice", 10, "aa")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	_, err = s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	notes := []shielded.Note{MakeNote(0, 10, 1), MakeNote(1, 20, 2), MakeNote(2, 30, 3)}
	spends := []shielded.NoteSpend{MakeSpend(20, 1), MakeSpend(25, 2), MakeSpend(35, 3)}

	err = s.UpdateNotes("alice", notes, spends, 35, "ff")
	require.NoError(t, err)

	err = s.HandleChainReorg("alice", 20, "cc")
	require.NoError(t, err)

	spendable, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Equal(t, []shielded.Note{notes[1]}, spendable)

	nullifiers, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Equal(t, spends[:1], nullifiers)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 20, Hash: "cc"}, meta.LatestScanned)

	// The note removed by the reorg can be found again.
	err = s.UpdateNotes("alice", notes[2:], nil, 30, "dd")
	require.NoError(t, err)
}

func testResetAccountSyncState(t *testing.T, s storage.CommitmentStore) {
	err := s.ResetAccountSyncState("alice")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	_, err = s.RegisterAccount("alice", 42)
	require.NoError(t, err)

	err = s.UpdateNotes("alice", []shielded.Note{MakeNote(0, 50, 1)},
		[]shielded.NoteSpend{MakeSpend(51, 1)}, 51, "aa")
	require.NoError(t, err)

	require.NoError(t, s.PutShard("alice", shielded.Shard{Data: []byte{1}}))
	require.NoError(t, s.PutCap("alice", []byte{2}))
	require.NoError(t, s.AddCheckpoint("alice", shielded.Checkpoint{ID: 50, TreeSize: 1}))

	err = s.ResetAccountSyncState("alice")
	require.NoError(t, err)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.AccountMeta{Birthday: 42}, meta)

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Empty(t, notes)

	spends, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Empty(t, spends)

	shard, err := s.LastShard("alice", 16)
	require.NoError(t, err)
	require.Nil(t, shard)

	capData, err := s.GetCap("alice")
	require.NoError(t, err)
	require.Nil(t, capData)

	count, err := s.CheckpointCount("alice")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	// Notes can be discovered again after a reset.
	err = s.UpdateNotes("alice", []shielded.Note{MakeNote(0, 50, 1)}, nil, 50, "aa")
	require.NoError(t, err)
}

func testShards(t *testing.T, s storage.CommitmentStore) {
	shard, err := s.GetShard("alice", shielded.ShardAddress{Level: 4, Index: 0})
	require.NoError(t, err)
	require.Nil(t, shard)

	shard, err = s.LastShard("alice", 4)
	require.NoError(t, err)
	require.Nil(t, shard)

	root := shielded.Hash{0xaa}

	shards := []shielded.Shard{
		{Address: shielded.ShardAddress{Level: 4, Index: 0}, RootHash: &root, Data: []byte{1, 2}, MaxPosition: 15},
		{Address: shielded.ShardAddress{Level: 4, Index: 1}, RootHash: &root, Data: []byte{3}, MaxPosition: 31},
		{Address: shielded.ShardAddress{Level: 4, Index: 2}, Data: []byte{4}, MaxPosition: 35},
	}

	for _, sh := range shards {
		require.NoError(t, s.PutShard("alice", sh))
	}

	shard, err = s.GetShard("alice", shielded.ShardAddress{Level: 4, Index: 1})
	require.NoError(t, err)
	require.Equal(t, &shards[1], shard)

	shard, err = s.LastShard("alice", 4)
	require.NoError(t, err)
	require.Equal(t, &shards[2], shard)

	roots, err := s.GetShardRoots("alice", 4)
	require.NoError(t, err)
	require.Equal(t, []shielded.ShardAddress{{Level: 4, Index: 0}, {Level: 4, Index: 1}, {Level: 4, Index: 2}}, roots)

	replaced := shards[2]
	replaced.Data = []byte{5, 6}
	replaced.MaxPosition = 37
	require.NoError(t, s.PutShard("alice", replaced))

	shard, err = s.GetShard("alice", replaced.Address)
	require.NoError(t, err)
	require.Equal(t, &replaced, shard)

	require.NoError(t, s.TruncateShards("alice", 1))

	roots, err = s.GetShardRoots("alice", 4)
	require.NoError(t, err)
	require.Equal(t, []shielded.ShardAddress{{Level: 4, Index: 0}}, roots)

	shard, err = s.LastShard("alice", 4)
	require.NoError(t, err)
	require.Equal(t, &shards[0], shard)
}

func testSubtreeRoots(t *testing.T, s storage.CommitmentStore) {
	_, found, err := s.LatestShardIndex("alice")
	require.NoError(t, err)
	require.False(t, found)

	partial := shielded.Shard{
		Address:     shielded.ShardAddress{Level: 4, Index: 2},
		Data:        []byte{7},
		MaxPosition: 34,
	}
	require.NoError(t, s.PutShard("alice", partial))

	roots := make([]shielded.Shard, 3)
	for i := range roots {
		hash := shielded.Hash{byte(i + 1)}
		roots[i] = shielded.Shard{
			Address:     shielded.ShardAddress{Level: 4},
			RootHash:    &hash,
			Data:        []byte{0xf0, byte(i)},
			MaxPosition: uint64(i+1)*16 - 1,
			EndHeight:   uint32(100 + i),
		}
	}

	require.NoError(t, s.UpdateSubtreeRoots("alice", 0, roots))

	shard, err := s.GetShard("alice", shielded.ShardAddress{Level: 4, Index: 1})
	require.NoError(t, err)
	expected := roots[1]
	expected.Address.Index = 1
	require.Equal(t, &expected, shard)

	// The data of a shard known locally is kept.
	shard, err = s.GetShard("alice", shielded.ShardAddress{Level: 4, Index: 2})
	require.NoError(t, err)
	require.Equal(t, []byte{7}, shard.Data)
	require.Equal(t, uint64(34), shard.MaxPosition)
	require.Equal(t, roots[2].RootHash, shard.RootHash)
	require.Equal(t, uint32(102), shard.EndHeight)

	index, found, err := s.LatestShardIndex("alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), index)

	require.NoError(t, s.UpdateSubtreeRoots("alice", 5, roots[:1]))

	addrs, err := s.GetShardRoots("alice", 4)
	require.NoError(t, err)
	require.Equal(t, []shielded.ShardAddress{
		{Level: 4, Index: 0}, {Level: 4, Index: 1}, {Level: 4, Index: 2}, {Level: 4, Index: 5},
	}, addrs)

	err = s.UpdateSubtreeRoots("alice", 6, []shielded.Shard{{Data: []byte{1}}})
	require.True(t, errors.Is(err, shielded.ErrInput), err)
	require.EqualError(t, err, "subtree root 6 has no hash")

	index, found, err = s.LatestShardIndex("alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(5), index)

	_, found, err = s.LatestShardIndex("bob")
	require.NoError(t, err)
	require.False(t, found)
}

func testCap(t *testing.T, s storage.CommitmentStore) {
	data, err := s.GetCap("alice")
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, s.PutCap("alice", []byte{1, 2, 3}))
	require.NoError(t, s.PutCap("alice", []byte{4, 5}))

	data, err = s.GetCap("alice")
	require.NoError(t, err)
	require.Equal(t, []byte{4, 5}, data)
}

func testCheckpoints(t *testing.T, s storage.CommitmentStore) {
	cp, err := s.GetCheckpoint("alice", 1)
	require.NoError(t, err)
	require.Nil(t, cp)

	first := shielded.Checkpoint{ID: 1, TreeSize: 4}
	second := shielded.Checkpoint{ID: 3, TreeSize: 9, MarksRemoved: []uint64{2, 5}}

	require.NoError(t, s.AddCheckpoint("alice", first))
	require.NoError(t, s.AddCheckpoint("alice", second))
	require.NoError(t, s.AddCheckpoint("alice", second))

	err = s.AddCheckpoint("alice", shielded.Checkpoint{ID: 3, TreeSize: 10})
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	cp, err = s.GetCheckpoint("alice", 3)
	require.NoError(t, err)
	require.Equal(t, &second, cp)

	marks, err := s.GetMarksRemoved("alice", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 5}, marks)

	marks, err = s.GetMarksRemoved("alice", 1)
	require.NoError(t, err)
	require.Empty(t, marks)

	updated := shielded.Checkpoint{ID: 1, TreeSize: 4, MarksRemoved: []uint64{0}}

	found, err := s.UpdateCheckpoint("alice", updated)
	require.NoError(t, err)
	require.True(t, found)

	cp, err = s.GetCheckpoint("alice", 1)
	require.NoError(t, err)
	require.Equal(t, &updated, cp)

	found, err = s.UpdateCheckpoint("alice", shielded.Checkpoint{ID: 2})
	require.NoError(t, err)
	require.False(t, found)

	cp, err = s.GetCheckpoint("alice", 2)
	require.NoError(t, err)
	require.Nil(t, cp)

	found, err = s.RemoveCheckpoint("alice", 1)
	require.NoError(t, err)
	require.True(t, found)

	found, err = s.RemoveCheckpoint("alice", 1)
	require.NoError(t, err)
	require.False(t, found)

	count, err := s.CheckpointCount("alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func testCheckpointQueries(t *testing.T, s storage.CommitmentStore) {
	_, found, err := s.MinCheckpointID("alice")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.MaxCheckpointID("alice")
	require.NoError(t, err)
	require.False(t, found)

	cps, err := s.GetCheckpoints("alice", 10)
	require.NoError(t, err)
	require.Empty(t, cps)

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, s.AddCheckpoint("alice", shielded.Checkpoint{ID: i * 10, TreeSize: uint64(i)}))
	}

	id, found, err := s.MinCheckpointID("alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(10), id)

	id, found, err = s.MaxCheckpointID("alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(50), id)

	cps, err = s.GetCheckpoints("alice", 3)
	require.NoError(t, err)
	require.Equal(t, []shielded.Checkpoint{
		{ID: 10, TreeSize: 1},
		{ID: 20, TreeSize: 2},
		{ID: 30, TreeSize: 3},
	}, cps)

	cps, err = s.GetCheckpoints("alice", 100)
	require.NoError(t, err)
	require.Len(t, cps, 5)

	cps, err = s.GetCheckpoints("alice", 0)
	require.NoError(t, err)
	require.Empty(t, cps)

	id, found, err = s.GetCheckpointAtDepth("alice", 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(50), id)

	id, found, err = s.GetCheckpointAtDepth("alice", 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(30), id)

	_, found, err = s.GetCheckpointAtDepth("alice", 5)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.GetCheckpointAtDepth("alice", -1)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.TruncateCheckpoints("alice", 30))

	id, found, err = s.MaxCheckpointID("alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(20), id)

	count, err := s.CheckpointCount("alice")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func testMaxCheckpointedHeight(t *testing.T, s storage.CommitmentStore) {
	_, found, err := s.GetMaxCheckpointedHeight("alice", 100000, 0)
	require.NoError(t, err)
	require.False(t, found)

	for _, id := range []uint32{1, 2, 3, 4} {
		require.NoError(t, s.AddCheckpoint("alice", shielded.Checkpoint{ID: id, TreeSize: uint64(id)}))
	}

	id, found, err := s.GetMaxCheckpointedHeight("alice", 100000, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(4), id)

	id, found, err = s.GetMaxCheckpointedHeight("alice", 4, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2), id)

	_, found, err = s.GetMaxCheckpointedHeight("alice", 1, 1)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.GetMaxCheckpointedHeight("alice", 5, 10)
	require.NoError(t, err)
	require.False(t, found)
}

func testTransactionally(t *testing.T, s storage.CommitmentStore) {
	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	committed := false

	err = s.Transactionally(func(txn store.Transaction) error {
		st := s.WithTx(txn)

		txn.OnCommit(func() { committed = true })

		err := st.UpdateNotes("alice", []shielded.Note{MakeNote(0, 1, 1)}, nil, 1, "aa")
		require.NoError(t, err)

		require.NoError(t, st.AddCheckpoint("alice", shielded.Checkpoint{ID: 1, TreeSize: 1}))

		// The transaction sees its own writes.
		notes, err := st.GetSpendableNotes("alice")
		require.NoError(t, err)
		require.Len(t, notes, 1)

		id, found, err := st.MaxCheckpointID("alice")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint32(1), id)

		require.False(t, committed)

		return nil
	})
	require.NoError(t, err)
	require.True(t, committed)

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func testTransactionRollback(t *testing.T, s storage.CommitmentStore) {
	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	require.NoError(t, s.PutCap("alice", []byte{1}))

	committed := false

	err = s.Transactionally(func(txn store.Transaction) error {
		st := s.WithTx(txn)

		txn.OnCommit(func() { committed = true })

		err := st.UpdateNotes("alice", []shielded.Note{MakeNote(0, 1, 1)},
			[]shielded.NoteSpend{MakeSpend(1, 5)}, 1, "aa")
		require.NoError(t, err)

		require.NoError(t, st.PutShard("alice", shielded.Shard{Data: []byte{1}}))
		require.NoError(t, st.PutCap("alice", []byte{2}))
		require.NoError(t, st.AddCheckpoint("alice", shielded.Checkpoint{ID: 1, TreeSize: 1}))

		return xerrors.New("oops")
	})
	require.EqualError(t, err, "oops")
	require.False(t, committed)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Nil(t, meta.LatestScanned)

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Empty(t, notes)

	spends, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Empty(t, spends)

	shard, err := s.LastShard("alice", 16)
	require.NoError(t, err)
	require.Nil(t, shard)

	data, err := s.GetCap("alice")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, data)

	count, err := s.CheckpointCount("alice")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func testAccountIsolation(t *testing.T, s storage.CommitmentStore) {
	for _, account := range []shielded.AccountID{"a", "ab", "b"} {
		_, err := s.RegisterAccount(account, 0)
		require.NoError(t, err)
	}

	require.NoError(t, s.UpdateNotes("a", []shielded.Note{MakeNote(0, 1, 1)}, nil, 1, "aa"))
	require.NoError(t, s.UpdateNotes("ab", []shielded.Note{MakeNote(0, 1, 1)}, nil, 1, "aa"))
	require.NoError(t, s.AddCheckpoint("a", shielded.Checkpoint{ID: 1, TreeSize: 1}))
	require.NoError(t, s.PutShard("ab", shielded.Shard{Data: []byte{1}}))

	require.NoError(t, s.ResetAccountSyncState("a"))

	notes, err := s.GetSpendableNotes("ab")
	require.NoError(t, err)
	require.Len(t, notes, 1)

	notes, err = s.GetSpendableNotes("b")
	require.NoError(t, err)
	require.Empty(t, notes)

	shard, err := s.LastShard("ab", 16)
	require.NoError(t, err)
	require.NotNil(t, shard)

	shard, err = s.LastShard("a", 16)
	require.NoError(t, err)
	require.Nil(t, shard)
}

func testShardTreeDelegate(t *testing.T, s storage.CommitmentStore) {
	delegate := storage.NewShardTreeDelegate(s, "alice")

	err := s.Transactionally(func(txn store.Transaction) error {
		d := delegate.WithTx(txn)

		require.NoError(t, d.PutShard(shielded.Shard{Data: []byte{1}, MaxPosition: 3}))
		require.NoError(t, d.PutCap([]byte{9}))
		require.NoError(t, d.AddCheckpoint(shielded.Checkpoint{ID: 7, TreeSize: 4}))

		return nil
	})
	require.NoError(t, err)

	shard, err := s.LastShard("alice", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), shard.MaxPosition)

	id, found, err := delegate.MaxCheckpointID()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(7), id)

	other, err := storage.NewShardTreeDelegate(s, "bob").GetCap()
	require.NoError(t, err)
	require.Nil(t, other)
}
