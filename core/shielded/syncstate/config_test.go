package syncstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/shardtree"
	"go.dedis.ch/orchard/core/store/kv"
	"go.dedis.ch/orchard/crypto"
	"golang.org/x/xerrors"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	data := "database:\n  engine: memory\ntree:\n  max_checkpoints: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, Config{
		Database: DatabaseConfig{Engine: EngineMemory},
		Tree: TreeConfig{
			Depth:          32,
			ShardHeight:    4,
			MaxCheckpoints: 5,
			CacheSize:      64,
		},
	}, cfg)

	require.NoError(t, os.WriteFile(path, []byte("foo: 1\n"), 0600))

	_, err = LoadConfig(path)
	require.True(t, xerrors.Is(err, shielded.ErrInput), err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config file")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.Equal(t, kv.EngineBolt, cfg.Database.Engine)
	require.Equal(t, uint8(16), cfg.Tree.ShardHeight)
	require.Equal(t, 100, cfg.Tree.MaxCheckpoints)

	err := cfg.Validate()
	require.EqualError(t, err, "a database path is required for engine 'bbolt'")
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Database: DatabaseConfig{Engine: "sqlite"}}.WithDefaults()
	require.EqualError(t, cfg.Validate(), "unknown engine 'sqlite'")

	cfg = Config{Database: DatabaseConfig{Engine: EngineMemory}}.WithDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Tree.CacheSize = -1
	require.EqualError(t, cfg.Validate(), "negative cache size -1")

	cfg.Tree.CacheSize = 1
	cfg.Tree.MaxCheckpoints = -1
	require.EqualError(t, cfg.Validate(), "max checkpoints -1 must be at least 1")

	cfg.Tree.MaxCheckpoints = 1
	cfg.Tree.Hash = "md5"
	require.EqualError(t, cfg.Validate(), "invalid hash: unknown hash algorithm 'md5'")
}

func TestConfig_Hasher(t *testing.T) {
	hasher, err := Config{}.Hasher()
	require.NoError(t, err)
	require.Equal(t, shardtree.NewDefaultHasher().EmptyLeaf(), hasher.EmptyLeaf())

	hasher, err = Config{Tree: TreeConfig{Hash: "sha3-256"}}.Hasher()
	require.NoError(t, err)
	require.Equal(t, shardtree.NewHasher(crypto.NewHashFactory(crypto.Sha3_256)).EmptyLeaf(),
		hasher.EmptyLeaf())
	require.NotEqual(t, shardtree.NewDefaultHasher().EmptyLeaf(), hasher.EmptyLeaf())

	_, err = Config{Tree: TreeConfig{Hash: "md5"}}.Hasher()
	require.True(t, xerrors.Is(err, shielded.ErrInput), err)

	s, err := Open(Config{
		Database: DatabaseConfig{Engine: EngineMemory},
		Tree:     TreeConfig{Hash: "sha256"},
	})
	require.NoError(t, err)
	require.Equal(t, shardtree.NewHasher(crypto.NewHashFactory(crypto.Sha256)).EmptyLeaf(),
		s.hasher.EmptyLeaf())
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Database: DatabaseConfig{Engine: EngineMemory}})
	require.NoError(t, err)
	require.Equal(t, uint8(4), s.Params().ShardHeight)
	require.Equal(t, 64, s.cacheSize)

	for _, engine := range []string{kv.EngineBolt, kv.EngineLevelDB} {
		cfg := Config{Database: DatabaseConfig{
			Engine: engine,
			Path:   filepath.Join(t.TempDir(), "wallet"),
		}}

		s, err = Open(cfg, WithCacheSize(8))
		require.NoError(t, err)
		require.Equal(t, 8, s.cacheSize)

		_, err = s.RegisterAccount("alice", 3)
		require.NoError(t, err)

		require.NoError(t, s.Close())

		s, err = Open(cfg)
		require.NoError(t, err)

		meta, err := s.GetAccountMeta("alice")
		require.NoError(t, err)
		require.Equal(t, uint32(3), meta.Birthday)

		require.NoError(t, s.Close())
	}

	_, err = Open(Config{Database: DatabaseConfig{Engine: "sqlite"}})
	require.EqualError(t, err, "invalid config: unknown engine 'sqlite'")
	require.True(t, xerrors.Is(err, shielded.ErrInput))
}
