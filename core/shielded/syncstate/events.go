package syncstate

import (
	"go.dedis.ch/orchard/core"
	"go.dedis.ch/orchard/core/shielded"
)

// EventType is the kind of change of an account.
type EventType uint8

const (
	// EventScanApplied is emitted once scan results are stored.
	EventScanApplied EventType = iota
	// EventReorg is emitted once the account is rewound to a block.
	EventReorg
	// EventReset is emitted once the sync state of the account is removed.
	EventReset
)

func (t EventType) String() string {
	switch t {
	case EventScanApplied:
		return "scan-applied"
	case EventReorg:
		return "reorg"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event describes a committed change of an account. Height and Hash are the
// last block of a scan, or the block of a reorg.
type Event struct {
	Type    EventType
	Account shielded.AccountID
	Height  uint32
	Hash    string
}

// Watch adds an observer that is notified of the changes once they are
// committed. The callback runs on the goroutine of the operation.
func (s *SyncState) Watch(observer core.Observer[Event]) {
	s.watcher.Add(observer)
}

// Unwatch removes the observer.
func (s *SyncState) Unwatch(observer core.Observer[Event]) {
	s.watcher.Remove(observer)
}
