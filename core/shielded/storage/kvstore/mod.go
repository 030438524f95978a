// Package kvstore implements the durable commitment store on top of a
// key/value database.
//
// Every record lives in a bucket per relation and is keyed by the account
// prefix followed by a big-endian suffix (position, checkpoint identifier,
// shard index or nullifier), so that the records of an account are contiguous
// and ordered. Values are encoded with RLP.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store"
	"go.dedis.ch/orchard/core/store/kv"
	"golang.org/x/xerrors"
)

// errStop interrupts a scan once the expected records are found.
var errStop = xerrors.New("stop")

func isStop(err error) bool {
	return errors.Is(err, errStop)
}

// Store is the commitment store persisted in a key/value database.
//
// - implements storage.CommitmentStore
type Store struct {
	db  kv.DB
	txn store.Transaction
}

// Open opens the database of the engine at the path and returns the store.
func Open(engine, path string) (*Store, error) {
	db, err := kv.Open(engine, path)
	if err != nil {
		return nil, shielded.Errorf(shielded.ErrInitialization, "failed to open database: %v", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewStore returns the store over the database and creates the buckets if
// necessary. A new database is stamped with the schema version, and an
// existing one must carry the same version.
func NewStore(db kv.DB) (*Store, error) {
	err := db.Update(func(tx kv.WritableTx) error {
		for _, name := range allBuckets {
			_, err := tx.GetBucketOrCreate(name)
			if err != nil {
				return shielded.Errorf(shielded.ErrInitialization, "failed to create buckets: %v", err)
			}
		}

		return checkVersion(tx)
	})
	if err != nil {
		if errors.Is(err, shielded.ErrInitialization) {
			return nil, err
		}

		return nil, shielded.Errorf(shielded.ErrInitialization, "failed to initialize database: %v", err)
	}

	return &Store{db: db}, nil
}

// checkVersion stamps an empty database with the schema version, or verifies
// the version of an existing one.
func checkVersion(tx kv.WritableTx) error {
	meta := tx.GetBucket(metaBucket)

	data := meta.Get(versionKey)
	if data == nil {
		empty := true

		err := tx.GetBucket(accountsBucket).Scan(nil, func(k, v []byte) error {
			empty = false
			return errStop
		})
		if err != nil && !isStop(err) {
			return xerrors.Errorf("failed to read accounts: %v", err)
		}

		if !empty {
			return shielded.Errorf(shielded.ErrInitialization, "database has no schema version")
		}

		err = meta.Set(versionKey, binary.BigEndian.AppendUint32(nil, schemaVersion))
		if err != nil {
			return xerrors.Errorf("failed to write schema version: %v", err)
		}

		return nil
	}

	if len(data) != 4 {
		return shielded.Errorf(shielded.ErrInitialization, "malformed schema version %x", data)
	}

	version := binary.BigEndian.Uint32(data)
	if version != schemaVersion {
		return shielded.Errorf(shielded.ErrInitialization,
			"unsupported schema version %d, expected %d", version, schemaVersion)
	}

	return nil
}

// WithTx implements storage.CommitmentStore. It returns a store that uses the
// transaction for every operation.
func (s *Store) WithTx(txn store.Transaction) storage.CommitmentStore {
	return &Store{
		db:  s.db,
		txn: txn,
	}
}

// Transactionally implements storage.CommitmentStore. The error of the function
// is returned as is, while a failure to open or commit the transaction is a
// transaction error.
func (s *Store) Transactionally(fn func(txn store.Transaction) error) error {
	failed := false

	err := s.db.Update(func(tx kv.WritableTx) error {
		err := fn(tx)
		failed = err != nil

		return err
	})

	if err != nil && !failed {
		if errors.Is(err, kv.ErrRead) {
			return shielded.Errorf(shielded.ErrStatement, "%v", err)
		}

		return shielded.Errorf(shielded.ErrTransaction, "failed to commit: %v", err)
	}

	return err
}

// Close implements storage.CommitmentStore. It closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterAccount implements storage.AccountStore.
func (s *Store) RegisterAccount(account shielded.AccountID, birthday uint32) (shielded.AccountMeta, error) {
	var meta shielded.AccountMeta

	err := s.doUpdate(func(tx kv.WritableTx) error {
		accounts := tx.GetBucket(accountsBucket)

		prev, err := readAccount(accounts, account)
		if err != nil {
			return err
		}

		if prev != nil {
			if prev.Birthday != birthday {
				return shielded.Errorf(shielded.ErrConsistency,
					"account %s already registered with birthday %d", account, prev.Birthday)
			}

			meta = *prev
			return nil
		}

		meta = shielded.AccountMeta{Birthday: birthday}

		return writeAccount(accounts, account, meta)
	})

	return meta, err
}

// GetAccountMeta implements storage.AccountStore.
func (s *Store) GetAccountMeta(account shielded.AccountID) (*shielded.AccountMeta, error) {
	var meta *shielded.AccountMeta

	err := s.doView(func(tx kv.ReadableTx) error {
		var err error
		meta, err = readAccount(tx.GetBucket(accountsBucket), account)

		return err
	})

	return meta, err
}

// HandleChainReorg implements storage.AccountStore.
func (s *Store) HandleChainReorg(account shielded.AccountID, height uint32, hash string) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		accounts := tx.GetBucket(accountsBucket)

		meta, err := requireAccount(accounts, account)
		if err != nil {
			return err
		}

		prefix := accountKey(account)

		var notes []shielded.Note

		err = tx.GetBucket(notesBucket).Scan(prefix, func(k, v []byte) error {
			note, err := decodeNote(binary.BigEndian.Uint64(k[len(prefix):]), v)
			if err != nil {
				return err
			}

			if note.BlockHeight > height {
				notes = append(notes, note)
			}

			return nil
		})
		if err != nil {
			return scanError("notes", err)
		}

		for _, note := range notes {
			err = deleteKeys(tx.GetBucket(notesBucket), positionKey(account, note.Position))
			if err != nil {
				return err
			}

			err = deleteKeys(tx.GetBucket(noteNullifiersBucket), nullifierKey(account, note.Nullifier))
			if err != nil {
				return err
			}
		}

		var spent [][]byte

		err = tx.GetBucket(spendsBucket).Scan(prefix, func(k, v []byte) error {
			if binary.BigEndian.Uint32(v) > height {
				spent = append(spent, append([]byte{}, k...))
			}

			return nil
		})
		if err != nil {
			return scanError("spends", err)
		}

		err = deleteKeys(tx.GetBucket(spendsBucket), spent...)
		if err != nil {
			return err
		}

		meta.LatestScanned = &shielded.BlockID{Height: height, Hash: hash}

		return writeAccount(accounts, account, *meta)
	})
}

// ResetAccountSyncState implements storage.AccountStore.
func (s *Store) ResetAccountSyncState(account shielded.AccountID) error {
	return s.doUpdate(func(tx kv.WritableTx) error {
		accounts := tx.GetBucket(accountsBucket)

		meta, err := requireAccount(accounts, account)
		if err != nil {
			return err
		}

		for _, name := range allBuckets[1:] {
			err = deletePrefix(tx.GetBucket(name), accountKey(account))
			if err != nil {
				return err
			}
		}

		return writeAccount(accounts, account, shielded.AccountMeta{Birthday: meta.Birthday})
	})
}

// GetSpendableNotes implements storage.AccountStore.
func (s *Store) GetSpendableNotes(account shielded.AccountID) ([]shielded.Note, error) {
	var notes []shielded.Note

	err := s.doView(func(tx kv.ReadableTx) error {
		spends := tx.GetBucket(spendsBucket)
		prefix := accountKey(account)

		err := tx.GetBucket(notesBucket).Scan(prefix, func(k, v []byte) error {
			note, err := decodeNote(binary.BigEndian.Uint64(k[len(prefix):]), v)
			if err != nil {
				return err
			}

			if spends.Get(nullifierKey(account, note.Nullifier)) == nil {
				notes = append(notes, note)
			}

			return nil
		})
		if err != nil {
			return scanError("notes", err)
		}

		return nil
	})

	return notes, err
}

// GetNullifiers implements storage.AccountStore. The spends are ordered by
// height, then nullifier.
func (s *Store) GetNullifiers(account shielded.AccountID) ([]shielded.NoteSpend, error) {
	var spends []shielded.NoteSpend

	err := s.doView(func(tx kv.ReadableTx) error {
		prefix := accountKey(account)

		err := tx.GetBucket(spendsBucket).Scan(prefix, func(k, v []byte) error {
			nf, err := shielded.NullifierFromBytes(k[len(prefix):])
			if err != nil {
				return shielded.Errorf(shielded.ErrConsistency, "malformed spend key: %v", err)
			}

			spends = append(spends, shielded.NoteSpend{
				BlockHeight: binary.BigEndian.Uint32(v),
				Nullifier:   nf,
			})

			return nil
		})
		if err != nil {
			return scanError("spends", err)
		}

		return nil
	})

	sort.SliceStable(spends, func(i, j int) bool {
		return spends[i].BlockHeight < spends[j].BlockHeight
	})

	return spends, err
}

// UpdateNotes implements storage.AccountStore.
func (s *Store) UpdateNotes(account shielded.AccountID, notes []shielded.Note,
	spends []shielded.NoteSpend, height uint32, hash string) error {

	return s.doUpdate(func(tx kv.WritableTx) error {
		accounts := tx.GetBucket(accountsBucket)

		meta, err := requireAccount(accounts, account)
		if err != nil {
			return err
		}

		notesB := tx.GetBucket(notesBucket)
		nullifiers := tx.GetBucket(noteNullifiersBucket)

		for _, note := range notes {
			nfKey := nullifierKey(account, note.Nullifier)
			if nullifiers.Get(nfKey) != nil {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate note nullifier %v", note.Nullifier)
			}

			key := positionKey(account, note.Position)
			if notesB.Get(key) != nil {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate note at position %d", note.Position)
			}

			data, err := encodeNote(note)
			if err != nil {
				return shielded.Errorf(shielded.ErrInput, "failed to encode note: %v", err)
			}

			err = notesB.Set(key, data)
			if err != nil {
				return shielded.Errorf(shielded.ErrStatement, "failed to write note: %v", err)
			}

			err = nullifiers.Set(nfKey, binary.BigEndian.AppendUint64(nil, note.Position))
			if err != nil {
				return shielded.Errorf(shielded.ErrStatement, "failed to write nullifier index: %v", err)
			}
		}

		spendsB := tx.GetBucket(spendsBucket)

		for _, spend := range spends {
			key := nullifierKey(account, spend.Nullifier)
			if spendsB.Get(key) != nil {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate spend of %v", spend.Nullifier)
			}

			err = spendsB.Set(key, binary.BigEndian.AppendUint32(nil, spend.BlockHeight))
			if err != nil {
				return shielded.Errorf(shielded.ErrStatement, "failed to write spend: %v", err)
			}
		}

		meta.LatestScanned = &shielded.BlockID{Height: height, Hash: hash}

		return writeAccount(accounts, account, *meta)
	})
}

// doUpdate executes the function in the bound transaction, or in a new one
// when the store is not bound.
func (s *Store) doUpdate(fn func(tx kv.WritableTx) error) error {
	if s.txn != nil {
		tx, ok := s.txn.(kv.WritableTx)
		if !ok {
			return shielded.Errorf(shielded.ErrTransaction, "invalid transaction of type '%T'", s.txn)
		}

		return fn(tx)
	}

	return s.Transactionally(func(txn store.Transaction) error {
		return fn(txn.(kv.WritableTx))
	})
}

// doView executes the function in the bound transaction, or in a read-only one
// when the store is not bound.
func (s *Store) doView(fn func(tx kv.ReadableTx) error) error {
	if s.txn != nil {
		tx, ok := s.txn.(kv.ReadableTx)
		if !ok {
			return shielded.Errorf(shielded.ErrTransaction, "invalid transaction of type '%T'", s.txn)
		}

		return fn(tx)
	}

	failed := false

	err := s.db.View(func(tx kv.ReadableTx) error {
		err := fn(tx)
		failed = err != nil

		return err
	})

	if err != nil && !failed {
		if errors.Is(err, kv.ErrRead) {
			return shielded.Errorf(shielded.ErrStatement, "%v", err)
		}

		return shielded.Errorf(shielded.ErrTransaction, "failed to open read transaction: %v", err)
	}

	return err
}

func readAccount(bucket kv.Bucket, account shielded.AccountID) (*shielded.AccountMeta, error) {
	data := bucket.Get(accountKey(account))
	if data == nil {
		return nil, nil
	}

	meta, err := decodeAccount(data)
	if err != nil {
		return nil, err
	}

	return &meta, nil
}

func requireAccount(bucket kv.Bucket, account shielded.AccountID) (*shielded.AccountMeta, error) {
	meta, err := readAccount(bucket, account)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		return nil, shielded.Errorf(shielded.ErrConsistency, "account %s is not registered", account)
	}

	return meta, nil
}

func writeAccount(bucket kv.Bucket, account shielded.AccountID, meta shielded.AccountMeta) error {
	data, err := encodeAccount(meta)
	if err != nil {
		return shielded.Errorf(shielded.ErrInput, "failed to encode account: %v", err)
	}

	err = bucket.Set(accountKey(account), data)
	if err != nil {
		return shielded.Errorf(shielded.ErrStatement, "failed to write account: %v", err)
	}

	return nil
}

func deleteKeys(bucket kv.Bucket, keys ...[]byte) error {
	for _, key := range keys {
		err := bucket.Delete(key)
		if err != nil {
			return shielded.Errorf(shielded.ErrStatement, "failed to delete key %x: %v", key, err)
		}
	}

	return nil
}

// deletePrefix removes every key of the bucket that starts with the prefix.
func deletePrefix(bucket kv.Bucket, prefix []byte) error {
	return deleteFrom(bucket, prefix, prefix)
}

// deleteFrom removes every key of the bucket that starts with the prefix and is
// not smaller than the given key.
func deleteFrom(bucket kv.Bucket, prefix, from []byte) error {
	var keys [][]byte

	err := bucket.Scan(prefix, func(k, v []byte) error {
		if bytes.Compare(k, from) >= 0 {
			keys = append(keys, append([]byte{}, k...))
		}

		return nil
	})
	if err != nil {
		return scanError("keys", err)
	}

	return deleteKeys(bucket, keys...)
}

// scanError keeps the kind of an error returned by a scan callback, and
// reports any other failure as a statement error.
func scanError(what string, err error) error {
	if errors.Is(err, shielded.ErrConsistency) || errors.Is(err, shielded.ErrInput) {
		return err
	}

	return shielded.Errorf(shielded.ErrStatement, "failed to read %s: %v", what, err)
}
