package syncstate

import (
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/core/shielded/shardtree"
	"golang.org/x/xerrors"
)

// NoteWitness is a note together with its authentication path.
type NoteWitness struct {
	Note shielded.Note
	Path shardtree.MerklePath
}

// CalculateWitnessForCheckpoint returns the witnesses of the notes anchored at
// the checkpoint. It fails if any of the witnesses cannot be computed.
func (s *SyncState) CalculateWitnessForCheckpoint(account shielded.AccountID,
	notes []shielded.Note, checkpoint uint32) ([]NoteWitness, error) {

	tree, err := s.tree(account)
	if err != nil {
		return nil, err
	}

	witnesses := make([]NoteWitness, len(notes))

	for i, note := range notes {
		path, err := tree.CalculateWitness(note.Position, checkpoint)
		if err != nil {
			return nil, xerrors.Errorf("failed to compute witness of note %d (%v): %w",
				note.Position, note.Nullifier, err)
		}

		witnesses[i] = NoteWitness{Note: note, Path: path}
	}

	promWitnesses.Add(float64(len(notes)))

	return witnesses, nil
}
