package circuit

import (
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
)

// GuardLink is the minimal contract a Circuit needs against the connection
// to its first hop: send a cell, and report whether the link is open. The
// circuit core does not poll IsOpen, so a dropped link does not by itself
// fail pending waiters; they run to their timeout. *connection.Connection
// satisfies this.
type GuardLink interface {
	SendCell(c *cell.Cell) error
	IsOpen() bool
	Address() string
}

// Consensus is the subset of directory/path-selection behavior the circuit
// core depends on to extend itself or build a full path: turning a relay
// identity into full handshake material, and picking additional hops. The
// concrete implementation lives in the path-selection package; the circuit
// core only ever consumes it through this interface so it stays free of
// consensus-parsing concerns.
type Consensus interface {
	// RouterByFingerprint resolves a 20-byte legacy identity fingerprint to
	// full router handshake info, for extending to an operator-chosen relay.
	RouterByFingerprint(fingerprint [20]byte) (*Router, error)
	// RandomMiddle returns a router suitable as a non-exit, non-guard hop,
	// excluding any fingerprint already present in avoid.
	RandomMiddle(avoid [][20]byte) (*Router, error)
	// RandomExit returns a router suitable as a path's final hop, excluding
	// any fingerprint already present in avoid.
	RandomExit(avoid [][20]byte) (*Router, error)
}

// StreamHandle is the circuit-facing contract for an application stream
// multiplexed over a circuit: the circuit hands it inbound relay payloads
// and asks it to produce outbound ones, without needing to know anything
// about the stream's own protocol (SOCKS, DNS, raw TCP).
type StreamHandle interface {
	// ID returns the stream's circuit-local identifier.
	ID() uint16
	// Deliver hands the stream an inbound RELAY_DATA/CONNECTED/END payload.
	Deliver(relayCmd byte, data []byte) error
}

// StreamsManager is how a Circuit finds and removes the StreamHandle for an
// inbound relay cell's stream ID; circuits never own stream lifecycle
// directly, matching the collaborator split described for this package.
type StreamsManager interface {
	ByID(circuitID uint32, streamID uint16) (StreamHandle, bool)
	Remove(circuitID uint32, streamID uint16)
}

// HiddenServiceConnector enumerates the up-to-six responsible directories
// for a hidden-service identifier. The descriptor-fetch/directory-walk
// machinery lives outside this package (pkg/onion); the circuit core only
// drives the walk described in the hidden-service attachment protocol.
type HiddenServiceConnector interface {
	// Directories returns the responsible directories for serviceID, in the
	// order they should be tried. It does not itself fail on a missing
	// descriptor at any one directory — that is reported per-directory by
	// HSDirectory.Introductions as ErrDescriptorUnavailable.
	Directories(serviceID string) ([]HSDirectory, error)
}

// HSDirectory is one of a hidden service's responsible directories: a relay
// that may hold a current descriptor naming the service's introduction
// points.
type HSDirectory interface {
	// Introductions returns the introduction points advertised in
	// serviceID's descriptor as held by this directory. Returns
	// ErrDescriptorUnavailable if this directory has no descriptor for
	// serviceID, which the caller treats as recoverable and moves on to the
	// next directory.
	Introductions(serviceID string) ([]HSIntroduction, error)
}

// HSIntroduction is one introduction point offered by a directory's
// descriptor. Connect performs step 3 of the hidden-service attachment
// protocol: open a separate introducer circuit to the introduction point,
// build a TAP-handshake CircuitNode bound to it, send RELAY_INTRODUCE1
// carrying rend's rendezvous info and cookie, and wait for
// RELAY_INTRODUCE_ACK. On success it returns the new node to append to the
// rendezvous circuit; on any failure the caller tries the next
// introduction.
type HSIntroduction interface {
	Connect(rend *Router, cookie [20]byte, timeout time.Duration) (*CircuitNode, error)
}
