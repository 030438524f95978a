package syncstate

import (
	"os"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/shardtree"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/shielded/storage/kvstore"
	"go.dedis.ch/orchard/core/shielded/storage/memstore"
	"go.dedis.ch/orchard/core/store/kv"
	"go.dedis.ch/orchard/crypto"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// EngineMemory is the name of the in-memory database engine.
const EngineMemory = "memory"

const (
	defaultCacheSize         = 64
	defaultMemoryShardHeight = 4
)

// DatabaseConfig selects the database.
type DatabaseConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

// TreeConfig holds the parameters of the trees.
type TreeConfig struct {
	Depth          uint8 `yaml:"depth"`
	ShardHeight    uint8 `yaml:"shard_height"`
	MaxCheckpoints int   `yaml:"max_checkpoints"`
	CacheSize      int   `yaml:"cache_size"`
	// Hash is the node hash function (sha256, sha3-256 or blake2b-256). The
	// default is a keyed blake2b-256.
	Hash string `yaml:"hash"`
}

// Config is the configuration of an orchestrator.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Tree     TreeConfig     `yaml:"tree"`
}

// LoadConfig reads a YAML configuration file. Missing fields take their
// default value.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("failed to read config file: %v", err)
	}

	var cfg Config

	err = yaml.UnmarshalStrict(data, &cfg)
	if err != nil {
		return Config{}, shielded.Errorf(shielded.ErrInput, "failed to unmarshal config: %v", err)
	}

	return cfg.WithDefaults(), nil
}

// WithDefaults returns the configuration where the missing fields are set to
// their default value.
func (c Config) WithDefaults() Config {
	if c.Database.Engine == "" {
		c.Database.Engine = kv.EngineBolt
	}

	if c.Tree.Depth == 0 {
		c.Tree.Depth = shardtree.OrchardParams.Depth
	}

	if c.Tree.ShardHeight == 0 {
		c.Tree.ShardHeight = shardtree.OrchardParams.ShardHeight

		if c.Database.Engine == EngineMemory {
			c.Tree.ShardHeight = defaultMemoryShardHeight
		}
	}

	if c.Tree.MaxCheckpoints == 0 {
		c.Tree.MaxCheckpoints = shardtree.OrchardParams.MaxCheckpoints
	}

	if c.Tree.CacheSize == 0 {
		c.Tree.CacheSize = defaultCacheSize
	}

	return c
}

// Params returns the parameters of the trees.
func (c Config) Params() shardtree.Params {
	return shardtree.Params{
		Depth:          c.Tree.Depth,
		ShardHeight:    c.Tree.ShardHeight,
		MaxCheckpoints: c.Tree.MaxCheckpoints,
	}
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	switch c.Database.Engine {
	case EngineMemory:
	case kv.EngineBolt, kv.EngineLevelDB:
		if c.Database.Path == "" {
			return shielded.Errorf(shielded.ErrInput,
				"a database path is required for engine '%s'", c.Database.Engine)
		}
	default:
		return shielded.Errorf(shielded.ErrInput, "unknown engine '%s'", c.Database.Engine)
	}

	if c.Tree.CacheSize < 0 {
		return shielded.Errorf(shielded.ErrInput, "negative cache size %d", c.Tree.CacheSize)
	}

	_, err := c.Hasher()
	if err != nil {
		return err
	}

	return c.Params().Validate()
}

// Hasher returns the node hasher of the trees.
func (c Config) Hasher() (shardtree.Hasher, error) {
	if c.Tree.Hash == "" {
		return shardtree.NewDefaultHasher(), nil
	}

	algorithm, err := crypto.ParseHashAlgorithm(c.Tree.Hash)
	if err != nil {
		return nil, shielded.Errorf(shielded.ErrInput, "invalid hash: %v", err)
	}

	return shardtree.NewHasher(crypto.NewHashFactory(algorithm)), nil
}

// Open creates the store described by the configuration and returns an
// orchestrator over it. The options are applied after the configuration.
func Open(cfg Config, opts ...Option) (*SyncState, error) {
	cfg = cfg.WithDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	hasher, err := cfg.Hasher()
	if err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	var db storage.CommitmentStore

	if cfg.Database.Engine == EngineMemory {
		db = memstore.NewStore()
	} else {
		db, err = kvstore.Open(cfg.Database.Engine, cfg.Database.Path)
		if err != nil {
			return nil, xerrors.Errorf("failed to open store: %w", err)
		}
	}

	opts = append([]Option{
		WithParams(cfg.Params()),
		WithCacheSize(cfg.Tree.CacheSize),
		WithHasher(hasher),
	}, opts...)

	return New(db, opts...), nil
}
