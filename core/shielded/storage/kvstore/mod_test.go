package kvstore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/shielded/storage/storagetest"
	"go.dedis.ch/orchard/core/store/kv"
	"golang.org/x/xerrors"
)

func TestStore_BoltConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.CommitmentStore {
		s, err := Open(kv.EngineBolt, filepath.Join(t.TempDir(), "wallet.db"))
		require.NoError(t, err)

		return s
	})
}

func TestStore_LevelDBConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.CommitmentStore {
		s, err := Open(kv.EngineLevelDB, filepath.Join(t.TempDir(), "wallet"))
		require.NoError(t, err)

		return s
	})
}

func TestStore_Open(t *testing.T) {
	_, err := Open("unknown", "")
	require.True(t, errors.Is(err, shielded.ErrInitialization), err)
	require.EqualError(t, err, "failed to open database: unknown engine 'unknown'")

	_, err = NewStore(badDB{err: xerrors.New("oops")})
	require.True(t, errors.Is(err, shielded.ErrInitialization), err)
	require.EqualError(t, err, "failed to initialize database: oops")
}

func TestStore_SchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")

	s, err := Open(kv.EngineBolt, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	setVersion := func(value []byte) {
		db, err := kv.Open(kv.EngineBolt, path)
		require.NoError(t, err)

		defer db.Close()

		err = db.Update(func(tx kv.WritableTx) error {
			require.Equal(t, []byte{0, 0, 0, 1}, tx.GetBucket(metaBucket).Get(versionKey))

			return tx.GetBucket(metaBucket).Set(versionKey, value)
		})
		require.NoError(t, err)
	}

	setVersion([]byte{0, 0, 0, 2})

	_, err = Open(kv.EngineBolt, path)
	require.True(t, errors.Is(err, shielded.ErrInitialization), err)
	require.EqualError(t, err, "unsupported schema version 2, expected 1")

	setVersion([]byte{1})

	_, err = Open(kv.EngineBolt, path)
	require.True(t, errors.Is(err, shielded.ErrInitialization), err)
	require.EqualError(t, err, "malformed schema version 01")
}

func TestStore_Unversioned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet")

	db, err := kv.Open(kv.EngineLevelDB, path)
	require.NoError(t, err)

	err = db.Update(func(tx kv.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(accountsBucket)
		if err != nil {
			return err
		}

		return bucket.Set([]byte{0, 1, 'a'}, []byte{1})
	})
	require.NoError(t, err)

	_, err = NewStore(db)
	require.True(t, errors.Is(err, shielded.ErrInitialization), err)
	require.EqualError(t, err, "database has no schema version")

	// The failed initialization left nothing behind.
	err = db.View(func(tx kv.ReadableTx) error {
		require.Nil(t, tx.GetBucket(metaBucket))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestStore_LongAccountID(t *testing.T) {
	s, err := Open(kv.EngineLevelDB, filepath.Join(t.TempDir(), "wallet"))
	require.NoError(t, err)

	defer s.Close()

	// The length of the identifier does not fit in 16 bits, a truncated length
	// would make the account share the prefix of "a".
	long := shielded.AccountID(strings.Repeat("a", 0x10001))

	_, err = s.RegisterAccount("a", 1)
	require.NoError(t, err)

	_, err = s.RegisterAccount(long, 2)
	require.NoError(t, err)

	err = s.UpdateNotes(long, []shielded.Note{storagetest.MakeNote(0, 5, 1)}, nil, 5, "h5")
	require.NoError(t, err)

	notes, err := s.GetSpendableNotes("a")
	require.NoError(t, err)
	require.Empty(t, notes)

	notes, err = s.GetSpendableNotes(long)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	meta, err := s.GetAccountMeta("a")
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.Birthday)
	require.Nil(t, meta.LatestScanned)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")

	s, err := Open(kv.EngineBolt, path)
	require.NoError(t, err)

	_, err = s.RegisterAccount("alice", 7)
	require.NoError(t, err)
	require.NoError(t, s.AddCheckpoint("alice", shielded.Checkpoint{ID: 9, TreeSize: 3}))
	require.NoError(t, s.Close())

	s, err = Open(kv.EngineBolt, path)
	require.NoError(t, err)

	defer s.Close()

	meta, err := s.GetAccountMeta("alice")
	require.NoError(t, err)
	require.Equal(t, uint32(7), meta.Birthday)

	cp, err := s.GetCheckpoint("alice", 9)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cp.TreeSize)
}

func TestStore_MalformedRecords(t *testing.T) {
	s, err := Open(kv.EngineBolt, filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)

	defer s.Close()

	err = s.db.Update(func(tx kv.WritableTx) error {
		err := tx.GetBucket(accountsBucket).Set(accountKey("alice"), []byte{0xff})
		if err != nil {
			return err
		}

		return tx.GetBucket(checkpointsBucket).Set(checkpointKey("alice", 1), []byte{0x01})
	})
	require.NoError(t, err)

	_, err = s.GetAccountMeta("alice")
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	_, err = s.GetCheckpoint("alice", 1)
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)

	_, err = s.GetCheckpoints("alice", 10)
	require.True(t, errors.Is(err, shielded.ErrConsistency), err)
}

func TestStore_CommitFailure(t *testing.T) {
	s := &Store{db: badDB{err: xerrors.New("disk full")}}

	err := s.PutCap("alice", []byte{1})
	require.True(t, errors.Is(err, shielded.ErrTransaction), err)
	require.EqualError(t, err, "failed to commit: disk full")

	_, err = s.GetCap("alice")
	require.True(t, errors.Is(err, shielded.ErrTransaction), err)
}

func TestStore_ReadFailure(t *testing.T) {
	s := &Store{db: badDB{err: readFailure{}}}

	_, err := s.RegisterAccount("alice", 1)
	require.True(t, errors.Is(err, shielded.ErrStatement), err)
	require.True(t, shielded.Retryable(err))
	require.EqualError(t, err, "failed to read: oops")

	_, err = s.GetSpendableNotes("alice")
	require.True(t, errors.Is(err, shielded.ErrStatement), err)
}

func TestAccountKey(t *testing.T) {
	require.Equal(t, []byte{1, 'a'}, accountKey("a"))
	require.Equal(t, []byte{0}, accountKey(""))
	require.Equal(t, []byte{2, 'a', 'b', 0, 0, 0, 0, 0, 0, 0, 5}, positionKey("ab", 5))
	require.Equal(t, []byte{1, 'a', 0, 0, 1, 0}, checkpointKey("a", 256))

	key := accountKey(shielded.AccountID(strings.Repeat("x", 300)))
	require.Len(t, key, 302)
	require.Equal(t, []byte{0xac, 0x02}, key[:2])
}

// -----------------------------------------------------------------------------
// Utility functions

type badDB struct {
	kv.DB
	err error
}

func (db badDB) View(fn func(kv.ReadableTx) error) error {
	return db.err
}

// readFailure is the error of an engine that could not read a key.
type readFailure struct{}

func (readFailure) Error() string {
	return "failed to read: oops"
}

func (readFailure) Is(target error) bool {
	return target == kv.ErrRead
}

func (db badDB) Update(fn func(kv.WritableTx) error) error {
	return db.err
}
