// Package core implements commonly used tools.
package core

import "sync"

// Observer is the interface to implement to watch events.
type Observer[E any] interface {
	NotifyCallback(event E)
}

// Watcher keeps a set of observers and notifies them of new events. Observers
// are notified in no particular order.
type Watcher[E any] struct {
	sync.Mutex

	observers map[Observer[E]]struct{}
}

// NewWatcher creates a new empty watcher.
func NewWatcher[E any]() *Watcher[E] {
	return &Watcher[E]{
		observers: make(map[Observer[E]]struct{}),
	}
}

// Add adds the observer. Adding the same observer twice has no effect.
func (w *Watcher[E]) Add(observer Observer[E]) {
	w.Lock()
	w.observers[observer] = struct{}{}
	w.Unlock()
}

// Remove removes the observer, which stops receiving events.
func (w *Watcher[E]) Remove(observer Observer[E]) {
	w.Lock()
	delete(w.observers, observer)
	w.Unlock()
}

// Len returns the number of observers.
func (w *Watcher[E]) Len() int {
	w.Lock()
	defer w.Unlock()

	return len(w.observers)
}

// Notify calls every observer with the event. The observers may add or
// remove observers from the callback.
func (w *Watcher[E]) Notify(event E) {
	w.Lock()
	observers := make([]Observer[E], 0, len(w.observers))
	for obs := range w.observers {
		observers = append(observers, obs)
	}
	w.Unlock()

	for _, obs := range observers {
		obs.NotifyCallback(event)
	}
}
