package circuit

import (
	"fmt"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
)

// Sentinel errors the circuit core returns. Callers should compare with
// errors.Is. CircuitExtendFailedError and CellTimeoutError additionally carry
// detail (the truncation reason, the expected cell type) accessible via
// errors.As.
var (
	// ErrCellTimeout is returned by Waiter.Await when no matching cell
	// arrived before the deadline.
	ErrCellTimeout = torerrors.Wrap(torerrors.CategoryTimeout, torerrors.SeverityMedium, "timed out waiting for cell", nil)
	// ErrWaiterFailed is returned by Waiter.Await when the waiter was
	// aborted by a local failure signal (e.g. the circuit was destroyed).
	ErrWaiterFailed = torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityMedium, "waiter aborted", nil)
	// ErrHandshakeFailed is returned when a server's handshake response
	// fails verification.
	ErrHandshakeFailed = torerrors.Wrap(torerrors.CategoryCrypto, torerrors.SeverityHigh, "handshake verification failed", nil)
	// ErrCircuitNotConnected is returned for operations that require state
	// Connected on a circuit that is still Unknown.
	ErrCircuitNotConnected = torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityMedium, "circuit must be connected first", nil)
	// ErrCircuitDestroyed is returned for operations attempted on a
	// Destroyed circuit.
	ErrCircuitDestroyed = torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityMedium, "circuit has been destroyed", nil)
	// ErrAlreadyAssociated is returned by ExtendToHidden when the circuit
	// is already pinned to a different hidden service.
	ErrAlreadyAssociated = torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityMedium, "circuit already associated with a different hidden service", nil)
	// ErrDescriptorUnavailable is a recoverable error that drives
	// iteration to the next hidden-service directory.
	ErrDescriptorUnavailable = torerrors.Wrap(torerrors.CategoryDirectory, torerrors.SeverityLow, "hidden service descriptor unavailable", nil)
	// ErrHiddenServiceUnreachable is returned when all directories and
	// introduction points have been exhausted.
	ErrHiddenServiceUnreachable = torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityHigh, "hidden service unreachable", nil)
)

// CellTimeoutError carries the cell type(s) a timed-out waiter expected.
type CellTimeoutError struct {
	Expected string
}

func (e *CellTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Expected)
}

func (e *CellTimeoutError) Unwrap() error { return ErrCellTimeout }

// CircuitExtendFailedError is returned when a peer responds to an extend
// request with RELAY_TRUNCATED instead of RELAY_EXTENDED2.
type CircuitExtendFailedError struct {
	Reason cell.CircuitReason
}

func (e *CircuitExtendFailedError) Error() string {
	return fmt.Sprintf("circuit extend failed: %s", e.Reason)
}

func (e *CircuitExtendFailedError) Unwrap() error {
	return torerrors.Wrap(torerrors.CategoryCircuit, torerrors.SeverityMedium, "extend refused", nil)
}
