package syncstate

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/store"
	"golang.org/x/xerrors"
)

// HandleChainReorg rewinds the account to the block at the height. The tree
// is truncated to the greatest checkpoint at or below the height, and the
// notes and spends found above it are removed.
func (s *SyncState) HandleChainReorg(account shielded.AccountID, height uint32, hash string) error {
	tree, err := s.tree(account)
	if err != nil {
		return err
	}

	var checkpoint uint32
	var truncated bool

	err = s.store.Transactionally(func(txn store.Transaction) error {
		db := s.store.WithTx(txn)
		t := tree.WithTx(txn)

		id, found, err := checkpointAtOrBelow(db, account, height)
		if err != nil {
			return xerrors.Errorf("failed to read checkpoints: %w", err)
		}

		if found {
			truncated, err = t.Truncate(id)
			if err != nil {
				return xerrors.Errorf("failed to truncate tree: %w", err)
			}

			checkpoint = id
		} else {
			size, err := t.Size()
			if err != nil {
				return err
			}

			if size > 0 {
				return shielded.Errorf(shielded.ErrConsistency,
					"no checkpoint at or below height %d, a full rescan is required", height)
			}
		}

		err = db.HandleChainReorg(account, height, hash)
		if err != nil {
			return xerrors.Errorf("failed to rewind notes: %w", err)
		}

		return nil
	})

	if err != nil {
		return xerrors.Errorf("failed to handle reorg: %w", err)
	}

	promReorgs.Inc()

	event := s.logger.Info().
		Str("account", string(account)).
		Uint32("height", height).
		Str("hash", hash)

	if truncated {
		event = event.Uint32("checkpoint", checkpoint)
	}

	event.Msg("chain reorg handled")

	s.watcher.Notify(Event{Type: EventReorg, Account: account, Height: height, Hash: hash})

	return nil
}

// ResetAccountSyncState removes the notes, the spends and the tree of the
// account. Only the birthday is kept.
func (s *SyncState) ResetAccountSyncState(account shielded.AccountID) error {
	err := s.store.Transactionally(func(txn store.Transaction) error {
		err := s.store.WithTx(txn).ResetAccountSyncState(account)
		if err != nil {
			return err
		}

		txn.OnCommit(func() { s.forget(account) })

		return nil
	})

	if err != nil {
		return xerrors.Errorf("failed to reset account: %w", err)
	}

	s.logger.Info().Str("account", string(account)).Msg("sync state reset")

	s.watcher.Notify(Event{Type: EventReset, Account: account})

	return nil
}

// Truncate truncates the tree of the account to the checkpoint. It returns
// false if the checkpoint does not exist.
func (s *SyncState) Truncate(account shielded.AccountID, id uint32) (bool, error) {
	tree, err := s.tree(account)
	if err != nil {
		return false, err
	}

	return tree.Truncate(id)
}
