package presence

import "sync"

// Dispatcher serializes every mutation of the presence engine. The timer,
// inhibition and activity loops run on separate goroutines, so each of them
// performs its work inside Do and a handler always runs to completion before
// the next one starts.
//
// Do is not re-entrant: a hook must never call Do.
type Dispatcher struct {
	mu sync.Mutex
}

// Do runs fn while holding the dispatch lock and returns its error.
func (d *Dispatcher) Do(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}
