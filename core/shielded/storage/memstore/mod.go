// Package memstore implements an in-memory commitment store. Transactions work
// on copies of the account states they modify and swap them in on commit, so
// that a failed transaction leaves no trace.
package memstore

import (
	"sort"
	"sync"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/storage"
	"go.dedis.ch/orchard/core/store"
)

// accountState is the whole state of an account. Committed states are never
// modified, a transaction clones them first.
type accountState struct {
	registered  bool
	meta        shielded.AccountMeta
	notes       map[uint64]shielded.Note
	nullifiers  map[shielded.Nullifier]uint64
	spends      map[shielded.Nullifier]uint32
	shards      map[uint64]shielded.Shard
	cap         []byte
	checkpoints map[uint32]shielded.Checkpoint
}

func newAccountState() *accountState {
	return &accountState{
		notes:       make(map[uint64]shielded.Note),
		nullifiers:  make(map[shielded.Nullifier]uint64),
		spends:      make(map[shielded.Nullifier]uint32),
		shards:      make(map[uint64]shielded.Shard),
		checkpoints: make(map[uint32]shielded.Checkpoint),
	}
}

func (s *accountState) clone() *accountState {
	c := newAccountState()
	c.registered = s.registered
	c.meta = s.meta
	c.cap = s.cap

	for k, v := range s.notes {
		c.notes[k] = v
	}
	for k, v := range s.nullifiers {
		c.nullifiers[k] = v
	}
	for k, v := range s.spends {
		c.spends[k] = v
	}
	for k, v := range s.shards {
		c.shards[k] = v
	}
	for k, v := range s.checkpoints {
		c.checkpoints[k] = v
	}

	return c
}

type database struct {
	sync.Mutex
	accounts map[shielded.AccountID]*accountState
	closed   bool
}

func (db *database) get(account shielded.AccountID) *accountState {
	db.Lock()
	defer db.Unlock()

	return db.accounts[account]
}

// transaction collects the account states modified by a write transaction.
//
// - implements store.Transaction
type transaction struct {
	dirty     map[shielded.AccountID]*accountState
	callbacks []func()
}

// OnCommit implements store.Transaction.
func (tx *transaction) OnCommit(fn func()) {
	tx.callbacks = append(tx.callbacks, fn)
}

// Store is the in-memory commitment store.
//
// - implements storage.CommitmentStore
type Store struct {
	db  *database
	txn store.Transaction
}

// NewStore returns a new empty store.
func NewStore() *Store {
	return &Store{
		db: &database{
			accounts: make(map[shielded.AccountID]*accountState),
		},
	}
}

// WithTx implements storage.CommitmentStore. It returns a store bound to the
// transaction.
func (s *Store) WithTx(txn store.Transaction) storage.CommitmentStore {
	return &Store{
		db:  s.db,
		txn: txn,
	}
}

// Transactionally implements storage.CommitmentStore. The modified account
// states are swapped in only if the function succeeds.
func (s *Store) Transactionally(fn func(txn store.Transaction) error) error {
	s.db.Lock()
	closed := s.db.closed
	s.db.Unlock()

	if closed {
		return shielded.Errorf(shielded.ErrTransaction, "store is closed")
	}

	tx := &transaction{
		dirty: make(map[shielded.AccountID]*accountState),
	}

	err := fn(tx)
	if err != nil {
		return err
	}

	s.db.Lock()
	for account, state := range tx.dirty {
		s.db.accounts[account] = state
	}
	s.db.Unlock()

	for _, cb := range tx.callbacks {
		cb()
	}

	return nil
}

// Close implements storage.CommitmentStore.
func (s *Store) Close() error {
	s.db.Lock()
	s.db.closed = true
	s.db.Unlock()

	return nil
}

// read returns the state of the account as seen by the store, or nil.
func (s *Store) read(account shielded.AccountID) (*accountState, error) {
	if s.txn != nil {
		tx, err := s.tx()
		if err != nil {
			return nil, err
		}

		state, found := tx.dirty[account]
		if found {
			return state, nil
		}
	}

	return s.db.get(account), nil
}

// update executes the function on a writable state of the account, inside the
// bound transaction or in a new one.
func (s *Store) update(account shielded.AccountID, fn func(*accountState) error) error {
	if s.txn == nil {
		return s.Transactionally(func(txn store.Transaction) error {
			return s.WithTx(txn).(*Store).update(account, fn)
		})
	}

	tx, err := s.tx()
	if err != nil {
		return err
	}

	state, found := tx.dirty[account]
	if !found {
		committed := s.db.get(account)
		if committed == nil {
			state = newAccountState()
		} else {
			state = committed.clone()
		}
	}

	err = fn(state)
	if err != nil {
		return err
	}

	tx.dirty[account] = state

	return nil
}

func (s *Store) tx() (*transaction, error) {
	tx, ok := s.txn.(*transaction)
	if !ok {
		return nil, shielded.Errorf(shielded.ErrTransaction,
			"invalid transaction of type '%T'", s.txn)
	}

	return tx, nil
}

// RegisterAccount implements storage.AccountStore.
func (s *Store) RegisterAccount(account shielded.AccountID, birthday uint32) (shielded.AccountMeta, error) {
	var meta shielded.AccountMeta

	err := s.update(account, func(state *accountState) error {
		if state.registered {
			if state.meta.Birthday != birthday {
				return shielded.Errorf(shielded.ErrConsistency,
					"account %s already registered with birthday %d", account, state.meta.Birthday)
			}

			meta = copyMeta(state.meta)
			return nil
		}

		state.registered = true
		state.meta = shielded.AccountMeta{Birthday: birthday}
		meta = state.meta

		return nil
	})

	return meta, err
}

// GetAccountMeta implements storage.AccountStore.
func (s *Store) GetAccountMeta(account shielded.AccountID) (*shielded.AccountMeta, error) {
	state, err := s.read(account)
	if err != nil || state == nil || !state.registered {
		return nil, err
	}

	meta := copyMeta(state.meta)

	return &meta, nil
}

// HandleChainReorg implements storage.AccountStore.
func (s *Store) HandleChainReorg(account shielded.AccountID, height uint32, hash string) error {
	return s.update(account, func(state *accountState) error {
		if !state.registered {
			return shielded.Errorf(shielded.ErrConsistency, "account %s is not registered", account)
		}

		for pos, note := range state.notes {
			if note.BlockHeight > height {
				delete(state.notes, pos)
				delete(state.nullifiers, note.Nullifier)
			}
		}

		for nf, h := range state.spends {
			if h > height {
				delete(state.spends, nf)
			}
		}

		state.meta.LatestScanned = &shielded.BlockID{Height: height, Hash: hash}

		return nil
	})
}

// ResetAccountSyncState implements storage.AccountStore.
func (s *Store) ResetAccountSyncState(account shielded.AccountID) error {
	return s.update(account, func(state *accountState) error {
		if !state.registered {
			return shielded.Errorf(shielded.ErrConsistency, "account %s is not registered", account)
		}

		fresh := newAccountState()
		fresh.registered = true
		fresh.meta.Birthday = state.meta.Birthday

		*state = *fresh

		return nil
	})
}

// GetSpendableNotes implements storage.AccountStore.
func (s *Store) GetSpendableNotes(account shielded.AccountID) ([]shielded.Note, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, err
	}

	notes := make([]shielded.Note, 0, len(state.notes))
	for _, note := range state.notes {
		_, spent := state.spends[note.Nullifier]
		if !spent {
			notes = append(notes, note)
		}
	}

	sort.Slice(notes, func(i, j int) bool { return notes[i].Position < notes[j].Position })

	return notes, nil
}

// GetNullifiers implements storage.AccountStore. The spends are ordered by
// height, then nullifier.
func (s *Store) GetNullifiers(account shielded.AccountID) ([]shielded.NoteSpend, error) {
	state, err := s.read(account)
	if err != nil || state == nil {
		return nil, err
	}

	spends := make([]shielded.NoteSpend, 0, len(state.spends))
	for nf, h := range state.spends {
		spends = append(spends, shielded.NoteSpend{BlockHeight: h, Nullifier: nf})
	}

	sort.Slice(spends, func(i, j int) bool {
		if spends[i].BlockHeight != spends[j].BlockHeight {
			return spends[i].BlockHeight < spends[j].BlockHeight
		}
		return string(spends[i].Nullifier[:]) < string(spends[j].Nullifier[:])
	})

	return spends, nil
}

// UpdateNotes implements storage.AccountStore.
func (s *Store) UpdateNotes(account shielded.AccountID, notes []shielded.Note,
	spends []shielded.NoteSpend, height uint32, hash string) error {

	return s.update(account, func(state *accountState) error {
		if !state.registered {
			return shielded.Errorf(shielded.ErrConsistency, "account %s is not registered", account)
		}

		for _, note := range notes {
			_, found := state.nullifiers[note.Nullifier]
			if found {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate note nullifier %v", note.Nullifier)
			}

			_, found = state.notes[note.Position]
			if found {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate note at position %d", note.Position)
			}

			state.notes[note.Position] = note
			state.nullifiers[note.Nullifier] = note.Position
		}

		for _, spend := range spends {
			_, found := state.spends[spend.Nullifier]
			if found {
				return shielded.Errorf(shielded.ErrConsistency, "duplicate spend of %v", spend.Nullifier)
			}

			state.spends[spend.Nullifier] = spend.BlockHeight
		}

		state.meta.LatestScanned = &shielded.BlockID{Height: height, Hash: hash}

		return nil
	})
}

func copyMeta(meta shielded.AccountMeta) shielded.AccountMeta {
	if meta.LatestScanned != nil {
		block := *meta.LatestScanned
		meta.LatestScanned = &block
	}

	return meta
}
