package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage/storagetest"
	"go.dedis.ch/orchard/core/shielded/syncstate"
	"go.dedis.ch/orchard/core/store/kv"
)

func TestApp_Account(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")

	out, err := run(t, "--db", path, "account", "register", "--account", "alice", "--birthday", "12")
	require.NoError(t, err)
	require.Equal(t, "account alice registered with birthday 12\n", out)

	out, err = run(t, "--db", path, "account", "show", "--account", "alice")
	require.NoError(t, err)
	require.Equal(t, "birthday: 12\nlast scanned: none\ntree size: 0\n", out)

	_, err = run(t, "--db", path, "account", "show", "--account", "bob")
	require.EqualError(t, err, "account bob is not registered")

	_, err = run(t, "--db", path, "account", "register", "--account", "bob")
	require.Error(t, err)
	require.Contains(t, err.Error(), "birthday")
}

func TestApp_Inspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	populate(t, path)

	out, err := run(t, "--db", path, "account", "show", "--account", "alice")
	require.NoError(t, err)
	require.Equal(t, "birthday: 1\nlast scanned: 5 (h5)\ntree size: 3\n", out)

	out, err = run(t, "--db", path, "notes", "--account", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "position=1 height=5 amount=3000 nullifier=03")

	out, err = run(t, "--db", path, "nullifiers", "--account", "alice")
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = run(t, "--db", path, "checkpoints", "--account", "alice")
	require.NoError(t, err)
	require.Equal(t, "id=5 size=3 marks_removed=[]\n", out)

	out, err = run(t, "--db", path, "witness", "--account", "alice", "--position", "1", "--checkpoint", "5")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "anchor: "))
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 33)

	_, err = run(t, "--db", path, "witness", "--account", "alice", "--position", "0", "--checkpoint", "5")
	require.EqualError(t, err, "no spendable note at position 0")

	_, err = run(t, "--db", path, "witness", "--account", "alice", "--position", "1", "--checkpoint", "4")
	require.Error(t, err)
	require.Contains(t, err.Error(), "checkpoint 4 not found")
}

func TestApp_Repair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	populate(t, path)

	_, err := run(t, "--db", path, "truncate", "--account", "alice", "--checkpoint", "9")
	require.EqualError(t, err, "checkpoint 9 not found")

	out, err := run(t, "--db", path, "truncate", "--account", "alice", "--checkpoint", "5")
	require.NoError(t, err)
	require.Equal(t, "tree truncated to checkpoint 5\n", out)

	out, err = run(t, "--db", path, "reorg", "--account", "alice", "--height", "5", "--hash", "h5")
	require.NoError(t, err)
	require.Equal(t, "account alice rewound to 5\n", out)

	out, err = run(t, "--db", path, "reset", "--account", "alice")
	require.NoError(t, err)
	require.Equal(t, "account alice reset\n", out)

	out, err = run(t, "--db", path, "account", "show", "--account", "alice")
	require.NoError(t, err)
	require.Equal(t, "birthday: 1\nlast scanned: none\ntree size: 0\n", out)

	_, err = run(t, "--db", path, "reset", "--account", "bob")
	require.Error(t, err)
	require.Contains(t, err.Error(), "account bob is not registered")
}

func TestApp_Config(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "orchard.yml")

	data := "database:\n  engine: leveldb\n  path: " + filepath.Join(dir, "db") + "\n"
	require.NoError(t, os.WriteFile(config, []byte(data), 0o600))

	out, err := run(t, "--config", config, "account", "register", "--account", "alice", "--birthday", "3")
	require.NoError(t, err)
	require.Equal(t, "account alice registered with birthday 3\n", out)

	out, err = run(t, "-c", config, "account", "show", "--account", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "birthday: 3\n")

	_, err = run(t, "--config", filepath.Join(dir, "unknown.yml"), "notes", "--account", "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load config: ")

	_, err = run(t, "--engine", "oracle", "--db", dir, "notes", "--account", "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown engine 'oracle'")
}

func TestApp_Metrics(t *testing.T) {
	out, err := run(t, "--engine", syncstate.EngineMemory, "--metrics",
		"account", "register", "--account", "alice", "--birthday", "1")
	require.NoError(t, err)
	require.Contains(t, out, "account alice registered with birthday 1\n")
	require.Contains(t, out, "# TYPE orchard_sync_reorgs_total counter")
	require.Contains(t, out, "orchard_shardtree_leaves_total")

	out, err = run(t, "--engine", syncstate.EngineMemory,
		"account", "register", "--account", "alice", "--birthday", "1")
	require.NoError(t, err)
	require.NotContains(t, out, "orchard_sync")
}

// -----------------------------------------------------------------------------
// Utility functions

func run(t *testing.T, args ...string) (string, error) {
	out := new(bytes.Buffer)

	err := newApp(out).Run(append([]string{"orchardctl"}, args...))

	return out.String(), err
}

// populate registers alice with a tree of 3 leaves. The note at position 1
// belongs to her and the last leaf is checkpointed at height 5.
func populate(t *testing.T, path string) {
	state, err := syncstate.Open(syncstate.Config{
		Database: syncstate.DatabaseConfig{Engine: kv.EngineBolt, Path: path},
	})
	require.NoError(t, err)

	defer func() {
		require.NoError(t, state.Close())
	}()

	_, err = state.RegisterAccount("alice", 1)
	require.NoError(t, err)

	result := syncstate.ScanResult{
		DiscoveredNotes: []shielded.Note{storagetest.MakeNote(1, 5, 3)},
		Leaves: []shielded.Leaf{
			shielded.NewLeaf(shielded.Hash{0xc0}, false, -1),
			shielded.NewLeaf(shielded.Hash{0xc1}, true, -1),
			shielded.NewLeaf(shielded.Hash{0xc2}, false, 5),
		},
	}

	require.NoError(t, state.ApplyScanResults("alice", result, 5, "h5"))
}
