package circuit

import "sync"

// CellHandlerManager fans dispatched cells out to whichever Waiter is
// subscribed for them. A cell with no subscriber is simply dropped: dispatch
// reports false and the circuit moves on without logging it, matching the
// reference client's tolerance for unsolicited cells.
type CellHandlerManager struct {
	mu       sync.Mutex
	handlers []*Waiter
}

// newCellHandlerManager creates an empty manager.
func newCellHandlerManager() *CellHandlerManager {
	return &CellHandlerManager{}
}

// subscribe registers w to receive the next cell matching its expectation.
// Returns an unsubscribe func the caller must invoke on every exit path
// (success, timeout, or cancellation) so a Waiter that never fires does not
// leak in the registry forever.
func (m *CellHandlerManager) subscribe(w *Waiter) (unsubscribe func()) {
	m.mu.Lock()
	m.handlers = append(m.handlers, w)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.handlers {
			if h == w {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// dispatch delivers rc to the first subscribed waiter that matches it and
// removes that waiter from the registry, mirroring the single-shot contract
// of Waiter. Returns whether any waiter accepted the cell.
func (m *CellHandlerManager) dispatch(rc receivedCell) bool {
	m.mu.Lock()
	var match *Waiter
	var idx int
	for i, h := range m.handlers {
		if h.matches(rc) {
			match = h
			idx = i
			break
		}
	}
	if match != nil {
		m.handlers = append(m.handlers[:idx], m.handlers[idx+1:]...)
	}
	m.mu.Unlock()

	if match == nil {
		return false
	}
	match.complete(rc)
	return true
}

// failAll aborts every currently subscribed waiter with err — used when the
// circuit is destroyed or its connection drops while waiters are pending.
func (m *CellHandlerManager) failAll(err error) {
	m.mu.Lock()
	pending := m.handlers
	m.handlers = nil
	m.mu.Unlock()

	for _, h := range pending {
		h.fail(err)
	}
}
