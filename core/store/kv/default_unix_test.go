//go:build linux || darwin

package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_BadPath(t *testing.T) {
	db, err := Open(EngineBolt, "")
	require.Nil(t, db)
	require.EqualError(t, err, "failed to open db: open : no such file or directory")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	db, err = Open(EngineLevelDB, filepath.Join(file, "db"))
	require.Nil(t, db)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to open db: ")
}
