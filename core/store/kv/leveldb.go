package kv

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"
)

const (
	levelMarkerPrefix = 'b'
	levelDataPrefix   = 'd'
)

// levelDB is an adapter of the KV store using goleveldb. Buckets do not exist
// in leveldb so they are emulated by prefixing the keys with the bucket name,
// and a marker key records that a bucket has been created.
//
// - implements kv.DB
type levelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens a new leveldb database in the given folder.
func NewLevelDB(path string) (DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to open db: %v", err)
	}

	return levelDB{db: db}, nil
}

// View implements kv.DB. It executes the read-only transaction on a snapshot of
// the database.
func (db levelDB) View(fn func(ReadableTx) error) error {
	snap, err := db.db.GetSnapshot()
	if err != nil {
		return xerrors.Errorf("failed to get snapshot: %v", err)
	}

	defer snap.Release()

	tx := &levelTx{reader: snap}

	return tx.result(fn(tx))
}

// Update implements kv.DB. It executes the writable transaction and commits it
// if the callback does not return an error. The transaction is discarded
// otherwise.
func (db levelDB) Update(fn func(WritableTx) error) error {
	tr, err := db.db.OpenTransaction()
	if err != nil {
		return xerrors.Errorf("failed to open transaction: %v", err)
	}

	tx := &levelTx{reader: tr, writer: tr}

	err = tx.result(fn(tx))
	if err != nil {
		tr.Discard()
		return err
	}

	err = tr.Commit()
	if err != nil {
		tr.Discard()
		return xerrors.Errorf("failed to commit: %v", err)
	}

	for _, cb := range tx.callbacks {
		cb()
	}

	return nil
}

// Close implements kv.DB. It closes the database.
func (db levelDB) Close() error {
	return db.db.Close()
}

type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelWriter interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

// levelTx is a transaction over either a snapshot (read-only) or a leveldb
// transaction. The first read error is kept and fails the transaction, as the
// bucket getter cannot return it.
//
// - implements kv.ReadableTx
// - implements kv.WritableTx
type levelTx struct {
	reader    levelReader
	writer    levelWriter
	callbacks []func()
	err       error
}

// get returns the value of the key, and false if it does not exist or the
// read failed.
func (tx *levelTx) get(key []byte) ([]byte, bool) {
	value, err := tx.reader.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false
	}

	if err != nil {
		if tx.err == nil {
			tx.err = err
		}

		return nil, false
	}

	return value, true
}

// result returns the error of the callback, or the first read error.
func (tx *levelTx) result(err error) error {
	if err != nil {
		return err
	}

	if tx.err != nil {
		return readError{cause: tx.err}
	}

	return nil
}

// GetBucket implements kv.ReadableTx. It returns the bucket if it has been
// created, otherwise nil.
func (tx *levelTx) GetBucket(name []byte) Bucket {
	// After a read error the transaction is bound to fail, the bucket is
	// returned so that the callback can run to the end.
	_, found := tx.get(markerKey(name))
	if !found && tx.err == nil {
		return nil
	}

	return levelBucket{tx: tx, prefix: bucketPrefix(name)}
}

// GetBucketOrCreate implements kv.WritableTx. It returns the bucket and
// creates it if necessary.
func (tx *levelTx) GetBucketOrCreate(name []byte) (Bucket, error) {
	if len(name) == 0 || len(name) > 0xff {
		return nil, xerrors.Errorf("create bucket failed: invalid name length %d", len(name))
	}

	if tx.writer == nil {
		return nil, xerrors.New("create bucket failed: transaction is read-only")
	}

	bucket := tx.GetBucket(name)
	if bucket != nil {
		return bucket, nil
	}

	err := tx.writer.Put(markerKey(name), []byte{}, nil)
	if err != nil {
		return nil, xerrors.Errorf("create bucket failed: %v", err)
	}

	return levelBucket{tx: tx, prefix: bucketPrefix(name)}, nil
}

// OnCommit implements store.Transaction. The callbacks are executed in order
// after a successful commit.
func (tx *levelTx) OnCommit(fn func()) {
	tx.callbacks = append(tx.callbacks, fn)
}

// levelBucket is a prefixed view of the keys of the database.
//
// - implements kv.Bucket
type levelBucket struct {
	tx     *levelTx
	prefix []byte
}

// Get implements kv.Bucket. It returns the value of the key or nil. A read
// error fails the transaction.
func (b levelBucket) Get(key []byte) []byte {
	value, _ := b.tx.get(b.key(key))

	return value
}

// Set implements kv.Bucket. It sets the value of the key.
func (b levelBucket) Set(key, value []byte) error {
	if b.tx.writer == nil {
		return xerrors.New("transaction is read-only")
	}

	return b.tx.writer.Put(b.key(key), value, nil)
}

// Delete implements kv.Bucket. It removes the key.
func (b levelBucket) Delete(key []byte) error {
	if b.tx.writer == nil {
		return xerrors.New("transaction is read-only")
	}

	return b.tx.writer.Delete(b.key(key), nil)
}

// ForEach implements kv.Bucket. It iterates over every key of the bucket.
func (b levelBucket) ForEach(fn func(k, v []byte) error) error {
	return b.Scan(nil, fn)
}

// Scan implements kv.Bucket. It iterates over the keys matching the prefix in
// ascending order.
func (b levelBucket) Scan(prefix []byte, fn func(k, v []byte) error) error {
	iter := b.tx.reader.NewIterator(util.BytesPrefix(b.key(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		err := fn(iter.Key()[len(b.prefix):], iter.Value())
		if err != nil {
			return xerrors.Errorf("callback failed: %w", err)
		}
	}

	return iter.Error()
}

// ScanReverse implements kv.Bucket. It iterates over the keys matching the
// prefix in descending order.
func (b levelBucket) ScanReverse(prefix []byte, fn func(k, v []byte) error) error {
	iter := b.tx.reader.NewIterator(util.BytesPrefix(b.key(prefix)), nil)
	defer iter.Release()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		err := fn(iter.Key()[len(b.prefix):], iter.Value())
		if err != nil {
			return xerrors.Errorf("callback failed: %w", err)
		}
	}

	return iter.Error()
}

func (b levelBucket) key(key []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(key))
	full = append(full, b.prefix...)

	return append(full, key...)
}

// readError is the error of a transaction that failed to read a key.
type readError struct {
	cause error
}

func (e readError) Error() string {
	return fmt.Sprintf("failed to read: %v", e.cause)
}

func (e readError) Is(target error) bool {
	return target == ErrRead
}

func (e readError) Unwrap() error {
	return e.cause
}

func markerKey(name []byte) []byte {
	return append([]byte{levelMarkerPrefix}, name...)
}

func bucketPrefix(name []byte) []byte {
	prefix := make([]byte, 0, len(name)+2)
	prefix = append(prefix, levelDataPrefix, byte(len(name)))

	return append(prefix, name...)
}
