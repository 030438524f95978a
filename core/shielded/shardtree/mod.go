// Package shardtree implements the note commitment tree of an account. The
// tree is split into shards of a fixed height that are persisted individually,
// and a cap holding the levels above the shards.
//
// Only the leaves that are marked or checkpointed are kept, together with the
// hashes needed to compute their witnesses. Every other subtree is pruned to
// its root hash as soon as it is complete.
package shardtree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/orchard"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store"
	"golang.org/x/xerrors"
)

var (
	promLeaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_shardtree_leaves_total",
		Help: "total number of leaves appended to the trees",
	})

	promPrunedCheckpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_shardtree_pruned_checkpoints_total",
		Help: "total number of checkpoints removed by pruning",
	})

	promTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_shardtree_truncations_total",
		Help: "total number of tree truncations",
	})

	promCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_shardtree_cache_hits_total",
		Help: "number of shard reads served by the cache",
	})

	promCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_shardtree_cache_misses_total",
		Help: "number of shard reads that missed the cache",
	})
)

func init() {
	orchard.PromCollectors = append(orchard.PromCollectors,
		promLeaves, promPrunedCheckpoints, promTruncations,
		promCacheHits, promCacheMisses)
}

// Params are the shape parameters of a tree.
type Params struct {
	// Depth is the number of levels above the leaves.
	Depth uint8
	// ShardHeight is the level of the shard roots.
	ShardHeight uint8
	// MaxCheckpoints is the number of checkpoints retained by pruning.
	MaxCheckpoints int
}

// OrchardParams are the parameters of the Orchard note commitment tree.
var OrchardParams = Params{
	Depth:          32,
	ShardHeight:    16,
	MaxCheckpoints: 100,
}

// Validate returns an error if the parameters cannot describe a tree.
func (p Params) Validate() error {
	if p.Depth == 0 || p.Depth > 62 {
		return shielded.Errorf(shielded.ErrInput, "invalid depth %d", p.Depth)
	}

	if p.ShardHeight == 0 || p.ShardHeight >= p.Depth {
		return shielded.Errorf(shielded.ErrInput,
			"shard height %d must be between 1 and %d", p.ShardHeight, p.Depth-1)
	}

	if p.MaxCheckpoints < 1 {
		return shielded.Errorf(shielded.ErrInput,
			"max checkpoints %d must be at least 1", p.MaxCheckpoints)
	}

	return nil
}

// Option is the type of option to set some fields of a tree.
type Option func(*ShardTree)

// WithCacheSize sets the number of shards kept in memory. A size of zero
// disables the cache.
func WithCacheSize(size int) Option {
	return func(t *ShardTree) {
		t.cacheSize = size
	}
}

// WithLogger sets the logger of the tree.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *ShardTree) {
		t.logger = logger
	}
}

// ShardTree is the commitment tree of one account.
type ShardTree struct {
	store     storage.ShardTreeDelegate
	hasher    Hasher
	params    Params
	empty     []shielded.Hash
	cacheSize int
	cache     *cache
	txn       store.Transaction
	logger    zerolog.Logger
}

// New returns a tree persisted through the delegate.
func New(delegate storage.ShardTreeDelegate, hasher Hasher, params Params,
	opts ...Option) (*ShardTree, error) {

	err := params.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid parameters: %w", err)
	}

	t := &ShardTree{
		store:     delegate,
		hasher:    hasher,
		params:    params,
		empty:     emptyRoots(hasher, params.Depth),
		cacheSize: 1000,
		logger:    orchard.Logger,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.cacheSize > 0 {
		t.cache, err = newCache(t.cacheSize)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

// WithTx returns a tree that runs every operation inside the transaction. The
// cache is only updated once the transaction commits.
func (t *ShardTree) WithTx(txn store.Transaction) *ShardTree {
	clone := *t
	clone.store = t.store.WithTx(txn)
	clone.txn = txn

	return &clone
}

// Params returns the parameters of the tree.
func (t *ShardTree) Params() Params {
	return t.params
}

// EmptyRoot returns the root of an empty subtree at the level.
func (t *ShardTree) EmptyRoot(level uint8) shielded.Hash {
	return t.empty[level]
}

// Size returns the number of leaves appended to the tree.
func (t *ShardTree) Size() (uint64, error) {
	shard, err := t.store.LastShard(t.params.ShardHeight)
	if err != nil {
		return 0, xerrors.Errorf("failed to read last shard: %w", err)
	}

	if shard == nil {
		return 0, nil
	}

	return shard.MaxPosition + 1, nil
}

func (t *ShardTree) rootAddr() Address {
	return Address{Level: t.params.Depth}
}

// shardMask selects the position of a leaf inside its shard.
func (t *ShardTree) shardMask() uint64 {
	return uint64(1)<<t.params.ShardHeight - 1
}

func (t *ShardTree) shardAddr(index uint64) Address {
	return Address{Level: t.params.ShardHeight, Index: index}
}

// update runs the function inside a transaction, or the transaction the tree
// is bound to.
func (t *ShardTree) update(fn func(tree *ShardTree) error) error {
	if t.txn != nil {
		return fn(t)
	}

	return t.store.Transactionally(func(txn store.Transaction) error {
		return fn(t.WithTx(txn))
	})
}

// onCommit runs the function when the data written so far is committed.
func (t *ShardTree) onCommit(fn func()) {
	if t.txn != nil {
		t.txn.OnCommit(fn)
	} else {
		fn()
	}
}

// cached returns the cache when it can serve the reads, which is only the
// case outside of a transaction.
func (t *ShardTree) cached() *cache {
	if t.txn != nil {
		return nil
	}

	return t.cache
}

func (t *ShardTree) loadShard(index uint64) (*shielded.Shard, error) {
	c := t.cached()

	if c != nil {
		shard, found := c.getShard(index)
		if found {
			return &shard, nil
		}
	}

	shard, err := t.store.GetShard(t.shardAddr(index).shard())
	if err != nil {
		return nil, xerrors.Errorf("failed to read shard %d: %w", index, err)
	}

	if shard != nil && c != nil {
		c.putShard(*shard)
	}

	return shard, nil
}

// readShard returns the subtree of the shard, or nil if it does not exist.
func (t *ShardTree) readShard(index uint64) (*node, error) {
	shard, err := t.loadShard(index)
	if err != nil {
		return nil, err
	}

	if shard == nil {
		return nil, nil
	}

	root, err := decodeTree(shard.Data, t.params.ShardHeight)
	if err != nil {
		return nil, xerrors.Errorf("shard %d: %w", index, err)
	}

	return root, nil
}

// saveShard compacts and persists the subtree of a shard. It returns the root
// hash of the shard when it is complete.
func (t *ShardTree) saveShard(addr Address, root *node) (*shielded.Hash, error) {
	root = t.compact(root, addr, true)

	last, ok := maxPosition(root, addr)
	if !ok {
		return nil, shielded.Errorf(shielded.ErrConsistency, "shard %v is empty", addr)
	}

	data, err := encodeTree(root)
	if err != nil {
		return nil, err
	}

	shard := shielded.Shard{
		Address:     addr.shard(),
		Data:        data,
		MaxPosition: last,
	}

	if last == addr.End()-1 {
		hash, ok := root.completeHash()
		if !ok {
			return nil, shielded.Errorf(shielded.ErrConsistency,
				"complete shard %v has no root", addr)
		}

		shard.RootHash = &hash
	}

	err = t.store.PutShard(shard)
	if err != nil {
		return nil, xerrors.Errorf("failed to write shard %v: %w", addr, err)
	}

	if t.cache != nil {
		t.onCommit(func() { t.cache.putShard(shard) })
	}

	return shard.RootHash, nil
}

func (t *ShardTree) truncateShards(index uint64) error {
	err := t.store.TruncateShards(index)
	if err != nil {
		return xerrors.Errorf("failed to truncate shards: %w", err)
	}

	if t.cache != nil {
		t.onCommit(func() { t.cache.truncate(index) })
	}

	return nil
}

func (t *ShardTree) readCap() (*node, error) {
	c := t.cached()

	var data []byte
	found := false

	if c != nil {
		data, found = c.getCap()
	}

	if !found {
		var err error

		data, err = t.store.GetCap()
		if err != nil {
			return nil, xerrors.Errorf("failed to read cap: %w", err)
		}

		if c != nil {
			c.putCap(data)
		}
	}

	root, err := decodeTree(data, t.params.Depth)
	if err != nil {
		return nil, xerrors.Errorf("cap: %w", err)
	}

	return root, nil
}

func (t *ShardTree) saveCap(root *node) error {
	root = t.compact(root, t.rootAddr(), false)

	data, err := encodeTree(root)
	if err != nil {
		return err
	}

	err = t.store.PutCap(data)
	if err != nil {
		return xerrors.Errorf("failed to write cap: %w", err)
	}

	if t.cache != nil {
		t.onCommit(func() { t.cache.putCap(data) })
	}

	return nil
}
