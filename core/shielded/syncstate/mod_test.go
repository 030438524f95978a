package syncstate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/shardtree"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/shielded/storage/kvstore"
	"go.dedis.ch/orchard/core/shielded/storage/memstore"
	"go.dedis.ch/orchard/core/shielded/storage/storagetest"
	"go.dedis.ch/orchard/core/store/kv"
	"go.dedis.ch/orchard/testing/fake"
	"golang.org/x/xerrors"
)

var testParams = shardtree.Params{Depth: 8, ShardHeight: 3, MaxCheckpoints: 10}

func TestSyncState_EndToEnd(t *testing.T) {
	params := shardtree.Params{Depth: 32, ShardHeight: 4, MaxCheckpoints: 100}

	s := New(memstore.NewStore(), WithParams(params))

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	leaves := make([]shielded.Leaf, 5)
	for i := range leaves {
		cp := int64(-1)
		switch i {
		case 1:
			cp = 0
		case 3:
			cp = 1
		}

		leaves[i] = shielded.NewLeaf(commitment(byte(i)), i == 2, cp)
	}

	note := storagetest.MakeNote(2, 1, 7)

	result := ScanResult{
		DiscoveredNotes: []shielded.Note{note},
		Leaves:          leaves,
	}

	require.NoError(t, s.ApplyScanResults("alice", result, 1, "h1"))

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Equal(t, []shielded.Note{note}, notes)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 1, Hash: "h1"}, meta.LatestScanned)

	witnesses, err := s.CalculateWitnessForCheckpoint("alice", notes, 1)
	require.NoError(t, err)
	require.Len(t, witnesses, 1)
	require.Equal(t, note, witnesses[0].Note)
	require.Len(t, witnesses[0].Path.AuthPath, 32)

	root, err := s.RootAtCheckpoint("alice", 1)
	require.NoError(t, err)
	require.Equal(t, root, witnesses[0].Path.Root(commitment(2), s.hasher))

	_, err = s.CalculateWitnessForCheckpoint("alice", notes, 0)
	require.EqualError(t, err, fmt.Sprintf("failed to compute witness of note 2 (%v): "+
		"position 2 is not anchored by checkpoint 0", note.Nullifier))
	require.True(t, xerrors.Is(err, shielded.ErrConsistency))
	require.False(t, shielded.Retryable(err))

	height, found, err := s.GetMaxCheckpointedHeight("alice", 10, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(1), height)
}

func TestSyncState_Sync(t *testing.T) {
	factories := map[string]func(t *testing.T) storage.CommitmentStore{
		"memory": func(t *testing.T) storage.CommitmentStore {
			return memstore.NewStore()
		},
		"bbolt": func(t *testing.T) storage.CommitmentStore {
			db, err := kvstore.Open(kv.EngineBolt, filepath.Join(t.TempDir(), "wallet.db"))
			require.NoError(t, err)

			return db
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testSync(t, factory(t))
		})
	}
}

func testSync(t *testing.T, db storage.CommitmentStore) {
	scanner := &testScanner{owned: map[shielded.Hash]bool{
		commitment(2): true,
		commitment(7): true,
	}}

	s := New(db, WithParams(testParams), WithScanner(scanner))
	defer s.Close()

	_, err := s.RegisterAccount("alice", 10)
	require.NoError(t, err)

	spent := nullifierOf(commitment(2))

	blocks := []CompactBlock{
		newBlock(10, 0, action(1), action(2), action(3)),
		newBlock(11, 3, action(4), action(5)),
		newBlock(12, 5),
		newBlock(13, 5, spendAction(6, spent), action(7)),
	}

	require.NoError(t, s.Sync(context.Background(), "alice", blocks))
	require.Empty(t, scanner.known)

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, uint64(6), notes[0].Position)

	spends, err := s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Equal(t, []shielded.NoteSpend{{BlockHeight: 13, Nullifier: spent}}, spends)

	checkpoints, err := s.GetCheckpoints("alice", 10)
	require.NoError(t, err)
	require.Equal(t, []shielded.Checkpoint{
		{ID: 10, TreeSize: 3},
		{ID: 11, TreeSize: 5},
		{ID: 13, TreeSize: 7, MarksRemoved: []uint64{1}},
	}, checkpoints)

	// The spent note remains witnessable until the checkpoint that removes
	// its mark is pruned.
	spentNote := shielded.Note{Position: 1, Nullifier: spent}

	_, err = s.CalculateWitnessForCheckpoint("alice", []shielded.Note{spentNote, notes[0]}, 13)
	require.NoError(t, err)

	// Reorg to a height without checkpoint: the tree is truncated to the
	// previous one.
	require.NoError(t, s.HandleChainReorg("alice", 12, "h12"))

	size, err := s.TreeSize("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	notes, err = s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, uint64(1), notes[0].Position)

	spends, err = s.GetNullifiers("alice")
	require.NoError(t, err)
	require.Empty(t, spends)

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 12, Hash: "h12"}, meta.LatestScanned)

	_, err = s.CalculateWitnessForCheckpoint("alice", notes, 11)
	require.NoError(t, err)

	// Another block at the same height.
	scanner.owned[commitment(9)] = true

	err = s.Sync(context.Background(), "alice", []CompactBlock{newBlock(13, 5, action(8), action(9))})
	require.NoError(t, err)
	require.Len(t, scanner.known, 1)

	notes, err = s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	require.Equal(t, uint64(6), notes[1].Position)

	_, err = s.CalculateWitnessForCheckpoint("alice", notes, 13)
	require.NoError(t, err)

	// No checkpoint is left below the height.
	err = s.HandleChainReorg("alice", 5, "h5")
	require.True(t, xerrors.Is(err, shielded.ErrConsistency), err)

	size, err = s.TreeSize("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(7), size)

	found, err := s.Truncate("alice", 99)
	require.NoError(t, err)
	require.False(t, found)

	found, err = s.Truncate("alice", 10)
	require.NoError(t, err)
	require.True(t, found)

	size, err = s.TreeSize("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(3), size)
}

func TestSyncState_SpendBelowOldestCheckpoint(t *testing.T) {
	logger, check := fake.CheckNoLog("mark of spent note not removed")

	scanner := &testScanner{owned: map[shielded.Hash]bool{commitment(1): true}}

	params := testParams
	params.MaxCheckpoints = 2

	s := New(memstore.NewStore(), WithParams(params), WithScanner(scanner), WithLogger(logger))

	_, err := s.RegisterAccount("alice", 2)
	require.NoError(t, err)

	spent := nullifierOf(commitment(1))

	// The checkpoint of the spend is pruned by the batch itself.
	blocks := []CompactBlock{
		newBlock(2, 0, action(1)),
		newBlock(3, 1, spendAction(2, spent)),
		newBlock(4, 2, action(3)),
		newBlock(5, 3, action(4)),
		newBlock(6, 4, action(5)),
	}

	require.NoError(t, s.Sync(context.Background(), "alice", blocks))

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Empty(t, notes)

	checkpoints, err := s.GetCheckpoints("alice", 10)
	require.NoError(t, err)
	require.Equal(t, []shielded.Checkpoint{
		{ID: 5, TreeSize: 4},
		{ID: 6, TreeSize: 5},
	}, checkpoints)

	spentNote := shielded.Note{Position: 0, Nullifier: spent}

	_, err = s.CalculateWitnessForCheckpoint("alice", []shielded.Note{spentNote}, 6)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to compute witness of note 0")

	check(t)
}

func TestSyncState_ApplyInvalidResults(t *testing.T) {
	s := New(memstore.NewStore(), WithParams(testParams))

	err := s.ApplyScanResults("bob", ScanResult{}, 1, "h1")
	require.EqualError(t, err, "account 'bob' is not registered")
	require.True(t, xerrors.Is(err, shielded.ErrInput))

	_, err = s.RegisterAccount("alice", 10)
	require.NoError(t, err)

	err = s.ApplyScanResults("alice", ScanResult{}, 9, "h9")
	require.EqualError(t, err, "height 9 is below the birthday 10")

	require.NoError(t, s.ApplyScanResults("alice", ScanResult{}, 12, "h12"))

	err = s.ApplyScanResults("alice", ScanResult{}, 11, "h11")
	require.EqualError(t, err, "height 11 is below the last scanned height 12")

	result := ScanResult{
		DiscoveredNotes: []shielded.Note{storagetest.MakeNote(3, 12, 1)},
		Leaves: []shielded.Leaf{
			shielded.NewLeaf(commitment(0), true, -1),
			shielded.NewLeaf(commitment(1), false, 12),
		},
	}

	err = s.ApplyScanResults("alice", result, 12, "h12")
	require.EqualError(t, err, "note at position 3 is outside of the batch")

	result.DiscoveredNotes[0].Position = 1

	err = s.ApplyScanResults("alice", result, 12, "h12")
	require.EqualError(t, err, "note at position 1 is not marked")
	require.True(t, xerrors.Is(err, shielded.ErrInput))
}

func TestSyncState_AtomicApply(t *testing.T) {
	ops := []string{fake.OpPutShard, fake.OpAddCheckpoint, fake.OpUpdateNotes}

	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			logger, check := fake.CheckNoLog("scan results applied")

			db := fake.NewBadStore(memstore.NewStore(), op, xerrors.New("oops"))
			s := New(db, WithParams(testParams), WithLogger(logger))

			_, err := s.RegisterAccount("alice", 0)
			require.NoError(t, err)

			err = s.ApplyScanResults("alice", makeBatch(0), 1, "h1")
			require.Error(t, err)
			require.Contains(t, err.Error(), "oops")
			require.Equal(t, 1, db.Calls(op))

			requireEmptyAccount(t, s, "alice")
			check(t)
		})
	}

	// A batch that does not follow the tree leaves the account untouched.
	s := New(memstore.NewStore(), WithParams(testParams))

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	require.NoError(t, s.ApplyScanResults("alice", makeBatch(0), 1, "h1"))

	err = s.ApplyScanResults("alice", makeBatch(0), 2, "h2")
	require.EqualError(t, err, "failed to apply scan results: failed to insert leaves: "+
		"prior tree size 0 does not match the tree size 5")
	require.True(t, xerrors.Is(err, shielded.ErrInput))

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.LatestScanned.Height)

	notes, err := s.GetSpendableNotes("alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestSyncState_FailedReorg(t *testing.T) {
	db := fake.NewBadStore(memstore.NewStore(), fake.OpHandleChainReorg, xerrors.New("oops"))
	s := New(db, WithParams(testParams))

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	require.NoError(t, s.ApplyScanResults("alice", makeBatch(0), 1, "h1"))

	err = s.HandleChainReorg("alice", 1, "h1")
	require.EqualError(t, err, "failed to handle reorg: failed to rewind notes: oops")

	// The tree truncation is rolled back with the store.
	size, err := s.TreeSize("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	checkpoints, err := s.GetCheckpoints("alice", 10)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
}

func TestSyncState_ReorgEmptyTree(t *testing.T) {
	s := New(memstore.NewStore(), WithParams(testParams))

	_, err := s.RegisterAccount("bob", 0)
	require.NoError(t, err)

	require.NoError(t, s.HandleChainReorg("bob", 5, "h5"))

	meta, err := s.GetAccountMeta("bob")
	require.NoError(t, err)
	require.Equal(t, &shielded.BlockID{Height: 5, Hash: "h5"}, meta.LatestScanned)
}

func TestSyncState_SubtreeRoots(t *testing.T) {
	s := New(memstore.NewStore(), WithParams(testParams))

	roots := []shielded.SubtreeRoot{
		{Hash: commitment(1), EndHeight: 10},
		{Hash: commitment(2), EndHeight: 20},
	}

	err := s.UpdateSubtreeRoots("bob", 0, roots)
	require.EqualError(t, err, "account 'bob' is not registered")

	_, err = s.RegisterAccount("bob", 0)
	require.NoError(t, err)

	_, found, err := s.LatestShardIndex("bob")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.UpdateSubtreeRoots("bob", 0, roots))

	index, found, err := s.LatestShardIndex("bob")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), index)

	size, err := s.TreeSize("bob")
	require.NoError(t, err)
	require.Equal(t, uint64(16), size)

	err = s.UpdateSubtreeRoots("bob", 1, []shielded.SubtreeRoot{{Hash: commitment(3)}})
	require.True(t, xerrors.Is(err, shielded.ErrConsistency), err)
}

func TestSyncState_Reset(t *testing.T) {
	logger, check := fake.CheckLog("sync state reset")

	s := New(memstore.NewStore(), WithParams(testParams), WithLogger(logger))

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	require.NoError(t, s.ApplyScanResults("alice", makeBatch(0), 1, "h1"))
	require.Len(t, s.trees, 1)

	require.NoError(t, s.ResetAccountSyncState("alice"))
	require.Empty(t, s.trees)

	requireEmptyAccount(t, s, "alice")
	check(t)

	// The account can be synchronized again from scratch.
	require.NoError(t, s.ApplyScanResults("alice", makeBatch(0), 1, "h1"))

	err = s.ResetAccountSyncState("bob")
	require.True(t, xerrors.Is(err, shielded.ErrConsistency), err)
}

func TestSyncState_SyncErrors(t *testing.T) {
	s := New(memstore.NewStore(), WithParams(testParams))

	err := s.Sync(context.Background(), "alice", nil)
	require.EqualError(t, err, "no scanner configured")

	scanner := &testScanner{err: xerrors.New("oops")}
	s = New(memstore.NewStore(), WithParams(testParams), WithScanner(scanner))

	require.NoError(t, s.Sync(context.Background(), "alice", nil))

	err = s.Sync(context.Background(), "alice", []CompactBlock{newBlock(1, 0, action(1))})
	require.EqualError(t, err, "failed to scan blocks: oops")
}

func TestSyncState_InvalidParams(t *testing.T) {
	s := New(memstore.NewStore(), WithParams(shardtree.Params{}))

	_, err := s.TreeSize("alice")
	require.True(t, xerrors.Is(err, shielded.ErrInput), err)

	_, err = s.CalculateWitnessForCheckpoint("alice", nil, 0)
	require.Error(t, err)

	err = s.HandleChainReorg("alice", 0, "")
	require.Error(t, err)
}

func TestSyncState_Logging(t *testing.T) {
	logger, check := fake.CheckLog("scan results applied")

	s := New(memstore.NewStore(), WithParams(testParams), WithLogger(logger))

	_, err := s.RegisterAccount("alice", 0)
	require.NoError(t, err)

	require.NoError(t, s.ApplyScanResults("alice", makeBatch(0), 1, "h1"))

	check(t)
	require.NoError(t, s.Close())
}

func TestBuildLeaves(t *testing.T) {
	blocks := []CompactBlock{
		newBlock(3, 4, action(1), action(2)),
		newBlock(4, 6),
		newBlock(5, 6, action(3)),
	}

	leaves := BuildLeaves(blocks, 4, func(pos uint64) bool { return pos == 5 })
	require.Equal(t, []shielded.Leaf{
		shielded.NewLeaf(commitment(1), false, -1),
		shielded.NewLeaf(commitment(2), true, 3),
		shielded.NewLeaf(commitment(3), false, 5),
	}, leaves)
}

// -----------------------------------------------------------------------------
// Utility functions

func commitment(seed byte) shielded.Hash {
	return shielded.Hash{0xc0, seed}
}

func nullifierOf(c shielded.Hash) shielded.Nullifier {
	return shielded.Nullifier{0xf0, c[1]}
}

func action(seed byte) CompactAction {
	return CompactAction{
		Nullifier:  shielded.Nullifier{0xee, seed},
		Commitment: commitment(seed),
	}
}

func spendAction(seed byte, nf shielded.Nullifier) CompactAction {
	a := action(seed)
	a.Nullifier = nf

	return a
}

func newBlock(height uint32, prevSize uint64, actions ...CompactAction) CompactBlock {
	return CompactBlock{
		Height:          height,
		Hash:            fmt.Sprintf("h%d", height),
		PrevHash:        fmt.Sprintf("h%d", height-1),
		OrchardTreeSize: prevSize + uint64(len(actions)),
		Actions:         actions,
	}
}

// makeBatch returns a batch of 5 leaves where the note at position 2 belongs
// to the account. Positions 1 and 4 are checkpointed.
func makeBatch(start uint64) ScanResult {
	leaves := make([]shielded.Leaf, 5)
	for i := range leaves {
		cp := int64(-1)
		if i == 1 || i == 4 {
			cp = int64(i)
		}

		leaves[i] = shielded.NewLeaf(commitment(byte(i)), i == 2, cp)
	}

	return ScanResult{
		DiscoveredNotes: []shielded.Note{storagetest.MakeNote(start+2, 1, 1)},
		Leaves:          leaves,
		PriorTreeState:  shielded.TreeState{TreeSize: start},
	}
}

func requireEmptyAccount(t *testing.T, s *SyncState, account shielded.AccountID) {
	notes, err := s.GetSpendableNotes(account)
	require.NoError(t, err)
	require.Empty(t, notes)

	meta, err := s.GetAccountMeta(account)
	require.NoError(t, err)
	require.Nil(t, meta.LatestScanned)

	size, err := s.TreeSize(account)
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)

	checkpoints, err := s.GetCheckpoints(account, 10)
	require.NoError(t, err)
	require.Empty(t, checkpoints)
}

// testScanner owns the actions whose commitment is in the set. The nullifier
// of a note is derived from its commitment.
type testScanner struct {
	owned map[shielded.Hash]bool
	err   error
	known []shielded.Note
}

func (s *testScanner) ScanBlocks(ctx context.Context, known []shielded.Note,
	blocks []CompactBlock) (ScanResult, error) {

	s.known = known

	if s.err != nil {
		return ScanResult{}, s.err
	}

	first := blocks[0]
	start := first.OrchardTreeSize - uint64(len(first.Actions))

	result := ScanResult{PriorTreeState: shielded.TreeState{TreeSize: start}}

	mine := make(map[shielded.Nullifier]bool)
	for _, note := range known {
		mine[note.Nullifier] = true
	}

	marked := make(map[uint64]bool)
	pos := start

	for _, block := range blocks {
		for _, a := range block.Actions {
			if mine[a.Nullifier] {
				result.Spends = append(result.Spends, shielded.NoteSpend{
					BlockHeight: block.Height,
					Nullifier:   a.Nullifier,
				})
			}

			if s.owned[a.Commitment] {
				note := shielded.Note{
					BlockHeight: block.Height,
					Nullifier:   nullifierOf(a.Commitment),
					Amount:      1000,
					Position:    pos,
				}

				result.DiscoveredNotes = append(result.DiscoveredNotes, note)
				mine[note.Nullifier] = true
				marked[pos] = true
			}

			pos++
		}
	}

	result.Leaves = BuildLeaves(blocks, start, func(pos uint64) bool { return marked[pos] })

	return result, nil
}
