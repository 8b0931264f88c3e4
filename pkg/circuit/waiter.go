package circuit

import (
	"strings"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
)

// DefaultWaitTimeout is the default time a Waiter blocks before failing with
// ErrCellTimeout.
const DefaultWaitTimeout = 30 * time.Second

// receivedCell is what Waiter.complete / CellHandlerManager.dispatch pass
// down to a blocked await call: the top-level command, the relay command for
// relay cells, and the decrypted payload. It does not record which hop the
// cell came from.
type receivedCell struct {
	cmd      cell.Command
	relayCmd byte // only meaningful when cmd == cell.CmdRelay/CmdRelayEarly
	payload  []byte
}

// Waiter is a one-shot synchronization primitive: a caller blocks in Await
// until a matching cell arrives via Complete, a failure is signalled via
// Fail, or the timeout elapses. A Waiter is used exactly once; behavior
// after its first terminal event is unspecified — CellHandlerManager
// removes it from its registry as part of that first delivery.
type Waiter struct {
	expect []cellMatch
	done   chan struct{}
	once   chan struct{} // guards double-complete/fail racing

	result receivedCell
	err    error
}

// cellMatch names one cell the waiter accepts: either a top-level command
// (CREATED2, DESTROY) or a relay command carried inside RELAY/RELAY_EARLY.
type cellMatch struct {
	cmd      cell.Command
	isRelay  bool
	relayCmd byte
}

func matchTopLevel(cmd cell.Command) cellMatch { return cellMatch{cmd: cmd} }

func matchRelay(relayCmd byte) cellMatch {
	return cellMatch{cmd: cell.CmdRelay, isRelay: true, relayCmd: relayCmd}
}

// newWaiter builds a waiter for one or more cell types. Matching against the
// handler registry is the responsibility of CellHandlerManager; Waiter only
// tracks what it was told to expect, for building the CellTimeoutError message.
func newWaiter(expect ...cellMatch) *Waiter {
	return &Waiter{
		expect: expect,
		done:   make(chan struct{}),
		once:   make(chan struct{}, 1),
	}
}

// matches reports whether this waiter accepts the given dispatched cell.
func (w *Waiter) matches(rc receivedCell) bool {
	for _, m := range w.expect {
		if m.isRelay {
			if rc.cmd == cell.CmdRelay && rc.relayCmd == m.relayCmd {
				return true
			}
		} else if rc.cmd == m.cmd {
			return true
		}
	}
	return false
}

// describeExpected renders the expected cell type(s) for timeout/error messages.
func (w *Waiter) describeExpected() string {
	names := make([]string, 0, len(w.expect))
	for _, m := range w.expect {
		if m.isRelay {
			names = append(names, cell.RelayCmdString(m.relayCmd))
		} else {
			names = append(names, m.cmd.String())
		}
	}
	return strings.Join(names, " or ")
}

// complete delivers a matching cell to a blocked (or future) Await call.
// Safe to call at most once; CellHandlerManager enforces that by removing
// the waiter from its registry atomically with this call.
func (w *Waiter) complete(rc receivedCell) {
	select {
	case w.once <- struct{}{}:
		w.result = rc
		close(w.done)
	default:
	}
}

// fail aborts the waiter with a local failure signal (e.g. circuit destroyed
// during Await). A blocked Await call returns ErrWaiterFailed, not ErrCellTimeout.
func (w *Waiter) fail(err error) {
	select {
	case w.once <- struct{}{}:
		w.err = err
		close(w.done)
	default:
	}
}

// await blocks until complete, fail, or timeout, whichever comes first.
func (w *Waiter) await(timeout time.Duration) (receivedCell, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		if w.err != nil {
			return receivedCell{}, w.err
		}
		return w.result, nil
	case <-timer.C:
		return receivedCell{}, &CellTimeoutError{Expected: w.describeExpected()}
	}
}
