// Package syncstate implements the synchronization of the Orchard state of the
// accounts. It sequences the updates of the commitment store and of the
// commitment trees so that every operation either fully applies or leaves the
// stored state untouched.
//
// Operations on a single account must be serialized by the caller. Different
// accounts can be processed concurrently.
package syncstate

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/orchard"
	"go.dedis.ch/orchard/core"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/shardtree"
	"go.dedis.ch/orchard/core/shielded/storage"
	"golang.org/x/xerrors"
)

var (
	promBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_sync_batches_total",
		Help: "total number of scan results applied",
	})

	promNotes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_sync_notes_total",
		Help: "total number of notes discovered",
	})

	promWitnesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_sync_witnesses_total",
		Help: "total number of witnesses computed",
	})

	promReorgs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchard_sync_reorgs_total",
		Help: "total number of chain reorganizations handled",
	})
)

func init() {
	orchard.PromCollectors = append(orchard.PromCollectors,
		promBatches, promNotes, promWitnesses, promReorgs)
}

// Option is the type of option to set some fields of the orchestrator.
type Option func(*SyncState)

// WithParams sets the parameters of the trees.
func WithParams(params shardtree.Params) Option {
	return func(s *SyncState) {
		s.params = params
	}
}

// WithHasher sets the hasher of the trees.
func WithHasher(hasher shardtree.Hasher) Option {
	return func(s *SyncState) {
		s.hasher = hasher
	}
}

// WithScanner sets the scanner used by Sync.
func WithScanner(scanner Scanner) Option {
	return func(s *SyncState) {
		s.scanner = scanner
	}
}

// WithCacheSize sets the number of shards cached per account.
func WithCacheSize(size int) Option {
	return func(s *SyncState) {
		s.cacheSize = size
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SyncState) {
		s.logger = logger
	}
}

// SyncState is the orchestrator of the synchronization of the accounts. It
// owns the commitment store and the trees of the accounts.
type SyncState struct {
	sync.Mutex

	store     storage.CommitmentStore
	params    shardtree.Params
	hasher    shardtree.Hasher
	scanner   Scanner
	cacheSize int
	logger    zerolog.Logger
	watcher   *core.Watcher[Event]

	trees map[shielded.AccountID]*shardtree.ShardTree
}

// New returns an orchestrator over the store.
func New(store storage.CommitmentStore, opts ...Option) *SyncState {
	s := &SyncState{
		store:     store,
		params:    shardtree.OrchardParams,
		cacheSize: 64,
		logger:    orchard.Logger,
		watcher:   core.NewWatcher[Event](),
		trees:     make(map[shielded.AccountID]*shardtree.ShardTree),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.hasher == nil {
		s.hasher = shardtree.NewDefaultHasher()
	}

	return s
}

// tree returns the tree of the account, which is created on first use.
func (s *SyncState) tree(account shielded.AccountID) (*shardtree.ShardTree, error) {
	s.Lock()
	defer s.Unlock()

	tree, found := s.trees[account]
	if found {
		return tree, nil
	}

	delegate := storage.NewShardTreeDelegate(s.store, account)

	tree, err := shardtree.New(delegate, s.hasher, s.params,
		shardtree.WithCacheSize(s.cacheSize),
		shardtree.WithLogger(s.logger.With().Str("account", string(account)).Logger()))
	if err != nil {
		return nil, xerrors.Errorf("failed to create tree: %w", err)
	}

	s.trees[account] = tree

	return tree, nil
}

func (s *SyncState) forget(account shielded.AccountID) {
	s.Lock()
	delete(s.trees, account)
	s.Unlock()
}

// Params returns the parameters of the trees.
func (s *SyncState) Params() shardtree.Params {
	return s.params
}

// RegisterAccount creates the account with its birthday.
func (s *SyncState) RegisterAccount(account shielded.AccountID, birthday uint32) (shielded.AccountMeta, error) {
	meta, err := s.store.RegisterAccount(account, birthday)
	if err != nil {
		return meta, xerrors.Errorf("failed to register account: %w", err)
	}

	s.logger.Info().
		Str("account", string(account)).
		Uint32("birthday", birthday).
		Msg("account registered")

	return meta, nil
}

// GetAccountMeta returns the metadata of the account, or nil if it is not
// registered.
func (s *SyncState) GetAccountMeta(account shielded.AccountID) (*shielded.AccountMeta, error) {
	return s.store.GetAccountMeta(account)
}

// GetSpendableNotes returns the unspent notes of the account.
func (s *SyncState) GetSpendableNotes(account shielded.AccountID) ([]shielded.Note, error) {
	return s.store.GetSpendableNotes(account)
}

// GetNullifiers returns the spends of the account.
func (s *SyncState) GetNullifiers(account shielded.AccountID) ([]shielded.NoteSpend, error) {
	return s.store.GetNullifiers(account)
}

// GetMaxCheckpointedHeight returns the greatest checkpoint with enough
// confirmations for the chain tip.
func (s *SyncState) GetMaxCheckpointedHeight(account shielded.AccountID,
	chainTip, minConfirmations uint32) (uint32, bool, error) {

	return s.store.GetMaxCheckpointedHeight(account, chainTip, minConfirmations)
}

// GetCheckpoints returns the oldest checkpoints of the account, up to the
// limit.
func (s *SyncState) GetCheckpoints(account shielded.AccountID, limit int) ([]shielded.Checkpoint, error) {
	return s.store.GetCheckpoints(account, limit)
}

// TreeSize returns the number of leaves in the tree of the account.
func (s *SyncState) TreeSize(account shielded.AccountID) (uint64, error) {
	tree, err := s.tree(account)
	if err != nil {
		return 0, err
	}

	return tree.Size()
}

// RootAtCheckpoint returns the anchor of the account's tree at the
// checkpoint.
func (s *SyncState) RootAtCheckpoint(account shielded.AccountID, id uint32) (shielded.Hash, error) {
	tree, err := s.tree(account)
	if err != nil {
		return shielded.Hash{}, err
	}

	return tree.RootAtCheckpoint(id)
}

// UpdateSubtreeRoots stores the roots of the complete shards of the account's
// tree, starting at the shard index.
func (s *SyncState) UpdateSubtreeRoots(account shielded.AccountID, start uint64,
	roots []shielded.SubtreeRoot) error {

	meta, err := s.store.GetAccountMeta(account)
	if err != nil {
		return xerrors.Errorf("failed to read account: %w", err)
	}

	if meta == nil {
		return shielded.Errorf(shielded.ErrInput, "account '%s' is not registered", account)
	}

	tree, err := s.tree(account)
	if err != nil {
		return err
	}

	err = tree.InsertSubtreeRoots(start, roots)
	if err != nil {
		return xerrors.Errorf("failed to update subtree roots: %w", err)
	}

	return nil
}

// LatestShardIndex returns the index of the right-most shard of the account's
// tree, if any.
func (s *SyncState) LatestShardIndex(account shielded.AccountID) (uint64, bool, error) {
	tree, err := s.tree(account)
	if err != nil {
		return 0, false, err
	}

	return tree.LatestShardIndex()
}

// checkpointAtOrBelow returns the greatest checkpoint lower or equal to the
// height.
func checkpointAtOrBelow(store storage.CheckpointStore, account shielded.AccountID,
	height uint32) (uint32, bool, error) {

	if height == math.MaxUint32 {
		return store.MaxCheckpointID(account)
	}

	return store.GetMaxCheckpointedHeight(account, height+1, 0)
}

// Close closes the store.
func (s *SyncState) Close() error {
	err := s.store.Close()
	if err != nil {
		return xerrors.Errorf("failed to close store: %v", err)
	}

	return nil
}
