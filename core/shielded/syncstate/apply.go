package syncstate

import (
	"context"
	"time"

	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/store"
	"golang.org/x/xerrors"
)

type spentNote struct {
	position uint64
	height   uint32
}

// ApplyScanResults stores the result of a scan that ends at the given block.
// The leaves are appended to the tree of the account, the spent notes are
// unmarked, and the notes and the spends are stored with the new scan
// progress, all in one transaction.
func (s *SyncState) ApplyScanResults(account shielded.AccountID, result ScanResult,
	lastHeight uint32, lastHash string) error {

	meta, err := s.store.GetAccountMeta(account)
	if err != nil {
		return xerrors.Errorf("failed to read account: %w", err)
	}

	if meta == nil {
		return shielded.Errorf(shielded.ErrInput, "account '%s' is not registered", account)
	}

	if lastHeight < meta.Birthday {
		return shielded.Errorf(shielded.ErrInput,
			"height %d is below the birthday %d", lastHeight, meta.Birthday)
	}

	if meta.LatestScanned != nil && lastHeight < meta.LatestScanned.Height {
		return shielded.Errorf(shielded.ErrInput,
			"height %d is below the last scanned height %d", lastHeight, meta.LatestScanned.Height)
	}

	err = checkNotes(result)
	if err != nil {
		return err
	}

	known, err := s.store.GetSpendableNotes(account)
	if err != nil {
		return xerrors.Errorf("failed to read notes: %w", err)
	}

	// Spends are only kept for the notes of the account, including the ones
	// found in this batch.
	positions := make(map[shielded.Nullifier]uint64)
	for _, note := range append(known, result.DiscoveredNotes...) {
		positions[note.Nullifier] = note.Position
	}

	var spends []shielded.NoteSpend
	var spent []spentNote

	for _, spend := range result.Spends {
		pos, found := positions[spend.Nullifier]
		if !found {
			continue
		}

		spends = append(spends, spend)
		spent = append(spent, spentNote{position: pos, height: spend.BlockHeight})
	}

	tree, err := s.tree(account)
	if err != nil {
		return err
	}

	start := time.Now()

	err = s.store.Transactionally(func(txn store.Transaction) error {
		t := tree.WithTx(txn)

		err := t.InsertLeaves(result.PriorTreeState, result.Leaves)
		if err != nil {
			return xerrors.Errorf("failed to insert leaves: %w", err)
		}

		for _, note := range spent {
			removed, err := t.RemoveMark(note.position, note.height)
			if err != nil {
				return xerrors.Errorf("failed to unmark note %d: %w", note.position, err)
			}

			if !removed {
				s.logger.Warn().
					Uint64("position", note.position).
					Uint32("height", note.height).
					Msg("mark of spent note not removed")
			}
		}

		err = s.store.WithTx(txn).UpdateNotes(account, result.DiscoveredNotes,
			spends, lastHeight, lastHash)
		if err != nil {
			return xerrors.Errorf("failed to update notes: %w", err)
		}

		return nil
	})

	if err != nil {
		return xerrors.Errorf("failed to apply scan results: %w", err)
	}

	promBatches.Inc()
	promNotes.Add(float64(len(result.DiscoveredNotes)))

	s.logger.Info().
		Str("account", string(account)).
		Uint32("height", lastHeight).
		Int("leaves", len(result.Leaves)).
		Int("notes", len(result.DiscoveredNotes)).
		Int("spends", len(spends)).
		Dur("duration", time.Since(start)).
		Msg("scan results applied")

	s.watcher.Notify(Event{
		Type:    EventScanApplied,
		Account: account,
		Height:  lastHeight,
		Hash:    lastHash,
	})

	return nil
}

// checkNotes verifies that every discovered note is a marked leaf of the
// batch.
func checkNotes(result ScanResult) error {
	first := result.PriorTreeState.TreeSize

	for _, note := range result.DiscoveredNotes {
		if note.Position < first || note.Position-first >= uint64(len(result.Leaves)) {
			return shielded.Errorf(shielded.ErrInput,
				"note at position %d is outside of the batch", note.Position)
		}

		if !result.Leaves[note.Position-first].Marked {
			return shielded.Errorf(shielded.ErrInput,
				"note at position %d is not marked", note.Position)
		}
	}

	return nil
}

// Sync scans the blocks with the scanner of the orchestrator and applies the
// result.
func (s *SyncState) Sync(ctx context.Context, account shielded.AccountID, blocks []CompactBlock) error {
	if s.scanner == nil {
		return xerrors.New("no scanner configured")
	}

	if len(blocks) == 0 {
		return nil
	}

	known, err := s.store.GetSpendableNotes(account)
	if err != nil {
		return xerrors.Errorf("failed to read notes: %w", err)
	}

	result, err := s.scanner.ScanBlocks(ctx, known, blocks)
	if err != nil {
		return xerrors.Errorf("failed to scan blocks: %w", err)
	}

	last := blocks[len(blocks)-1]

	return s.ApplyScanResults(account, result, last.Height, last.Hash)
}
