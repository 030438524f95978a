package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatcher_Add(t *testing.T) {
	watcher := NewWatcher[int]()

	watcher.Add(newFakeObserver())
	require.Equal(t, 1, watcher.Len())

	obs := newFakeObserver()
	watcher.Add(obs)
	require.Equal(t, 2, watcher.Len())

	watcher.Add(obs)
	require.Equal(t, 2, watcher.Len())
}

func TestWatcher_Remove(t *testing.T) {
	watcher := NewWatcher[int]()
	watcher.Add(newFakeObserver())

	obs := newFakeObserver()
	watcher.Add(obs)

	watcher.Remove(obs)
	require.Equal(t, 1, watcher.Len())

	watcher.Remove(obs)
	require.Equal(t, 1, watcher.Len())
}

func TestWatcher_Notify(t *testing.T) {
	watcher := NewWatcher[int]()

	first := newFakeObserver()
	second := newFakeObserver()
	watcher.Add(first)
	watcher.Add(second)

	watcher.Notify(1)
	watcher.Notify(2)

	require.Equal(t, []int{1, 2}, first.events)
	require.Equal(t, []int{1, 2}, second.events)
}

func TestWatcher_RemoveFromCallback(t *testing.T) {
	watcher := NewWatcher[int]()

	obs := &selfRemover{watcher: watcher}
	watcher.Add(obs)

	watcher.Notify(1)
	watcher.Notify(2)

	require.Equal(t, 1, obs.calls)
	require.Equal(t, 0, watcher.Len())
}

// -----------------------------------------------------------------------------
// Utility functions

type fakeObserver struct {
	events []int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{}
}

func (o *fakeObserver) NotifyCallback(event int) {
	o.events = append(o.events, event)
}

type selfRemover struct {
	watcher *Watcher[int]
	calls   int
}

func (o *selfRemover) NotifyCallback(int) {
	o.calls++
	o.watcher.Remove(o)
}
