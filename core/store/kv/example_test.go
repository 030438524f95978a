package kv

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Keys are big-endian so that a scan visits the entries in numeric order,
// whatever the engine.
func ExampleOpen() {
	dir, err := os.MkdirTemp(os.TempDir(), "example")
	if err != nil {
		panic("failed to create folder: " + err.Error())
	}

	defer os.RemoveAll(dir)

	db, err := Open(EngineLevelDB, dir)
	if err != nil {
		panic("failed to open db: " + err.Error())
	}

	defer db.Close()

	err = db.Update(func(tx WritableTx) error {
		bucket, err := tx.GetBucketOrCreate([]byte("shards"))
		if err != nil {
			return err
		}

		for _, index := range []uint64{300, 2, 40} {
			key := binary.BigEndian.AppendUint64([]byte("alice/"), index)

			err = bucket.Set(key, []byte(fmt.Sprintf("shard %d", index)))
			if err != nil {
				return err
			}
		}

		return bucket.Set([]byte("bob/"), []byte("other account"))
	})
	if err != nil {
		panic("database write failed: " + err.Error())
	}

	err = db.View(func(tx ReadableTx) error {
		bucket := tx.GetBucket([]byte("shards"))
		if bucket == nil {
			return nil
		}

		return bucket.ScanReverse([]byte("alice/"), func(key, value []byte) error {
			fmt.Println(string(value))
			return nil
		})
	})
	if err != nil {
		panic("database read failed: " + err.Error())
	}

	// Output: shard 300
	// shard 40
	// shard 2
}
