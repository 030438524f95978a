// Package kv defines the abstraction for a key/value database.
//
// The package also implements two database engines: the default one is using
// bbolt (https://github.com/etcd-io/bbolt) and the second one is using
// goleveldb (https://github.com/syndtr/goleveldb) where buckets are emulated
// with key prefixes.
package kv

import (
	"go.dedis.ch/orchard/core/store"
	"golang.org/x/xerrors"
)

// ErrRead matches the error of a transaction that is aborted because a key
// could not be read. Engines where Get can fail report it this way.
var ErrRead = xerrors.New("failed to read")

// Bucket is a general interface to operate on a database bucket.
type Bucket interface {
	// Get reads the key from the bucket and returns the value, or nil if the
	// key does not exist.
	Get(key []byte) []byte

	// Set assigns the value to the provided key.
	Set(key, value []byte) error

	// Delete deletes the key from the bucket.
	Delete(key []byte) error

	// ForEach iterates over all the items in the bucket in ascending key
	// order. The iteration stops when the callback returns an error.
	ForEach(func(k, v []byte) error) error

	// Scan iterates over every key that matches the prefix in ascending
	// order. The iteration stops when the callback returns an error.
	Scan(prefix []byte, fn func(k, v []byte) error) error

	// ScanReverse iterates over every key that matches the prefix in
	// descending order. The iteration stops when the callback returns an
	// error.
	ScanReverse(prefix []byte, fn func(k, v []byte) error) error
}

// ReadableTx allows one to perform read-only atomic operations on the database.
type ReadableTx interface {
	// GetBucket returns the bucket of the given name if it exists, otherwise it
	// returns nil.
	GetBucket(name []byte) Bucket
}

// WritableTx allows one to perform atomic operations on the database.
type WritableTx interface {
	store.Transaction

	ReadableTx

	// GetBucketOrCreate returns the bucket of the given name if it exists, or
	// it creates it.
	GetBucketOrCreate(name []byte) (Bucket, error)
}

// DB is a general interface to operate over a key/value database.
type DB interface {
	// View executes the provided read-only transaction in the context of the
	// database.
	View(fn func(ReadableTx) error) error

	// Update executes the provided writable transaction in the context of the
	// database.
	Update(fn func(WritableTx) error) error

	// Close closes the database and free the resources.
	Close() error
}

// prefixEnd returns the smallest key greater than every key starting with the
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)

	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}

	return nil
}
