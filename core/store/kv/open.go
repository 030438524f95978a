package kv

import "golang.org/x/xerrors"

const (
	// EngineBolt selects the bbolt engine, a single file database.
	EngineBolt = "bbolt"
	// EngineLevelDB selects the goleveldb engine, a folder of tables.
	EngineLevelDB = "leveldb"
)

// Open opens the database of the given engine at the path.
func Open(engine, path string) (DB, error) {
	switch engine {
	case EngineBolt, "":
		return New(path)
	case EngineLevelDB:
		return NewLevelDB(path)
	default:
		return nil, xerrors.Errorf("unknown engine '%s'", engine)
	}
}
