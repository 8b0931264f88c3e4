package circuit

import (
	"math/big"
	"sync"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

// FlowWindow tracks the classic fixed-window SENDME flow control for one
// hop: cells we may still send to it (package) and cells we may still
// receive from it before we must send a SENDME ourselves (deliver).
// tor-spec.txt 7.4: both windows start at 1000 and every SENDME adjusts the
// counterpart window by 100.
type FlowWindow struct {
	mu       sync.Mutex
	pkg      int
	deliver  int
	received int // data cells received since the last SENDME we emitted
}

// NewFlowWindow creates a window with the tor-spec default starting size.
func NewFlowWindow() *FlowWindow {
	return &FlowWindow{pkg: 1000, deliver: 1000}
}

// PackageInc applies a peer SENDME: we may send 100 more cells.
func (w *FlowWindow) PackageInc() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pkg += 100
}

// PackageDec accounts for one outbound data cell on this hop.
func (w *FlowWindow) PackageDec() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pkg--
}

// DeliverDec accounts for one inbound data cell from this hop and reports
// whether 100 cells have now arrived since our last SENDME — the threshold
// at which the circuit must emit one to avoid stalling the peer.
func (w *FlowWindow) DeliverDec() (needSendme bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliver--
	w.received++
	if w.received >= 100 {
		w.received = 0
		w.deliver += 100
		return true
	}
	return false
}

// Package returns the current package window (cells we may still send).
func (w *FlowWindow) Package() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pkg
}

// Deliver returns the current deliver window (cells we may still receive).
func (w *FlowWindow) Deliver() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deliver
}

// HandshakeType names the per-hop key-exchange protocol; re-exported from
// pkg/crypto so callers building circuits never need to import it directly.
type HandshakeType = crypto.HandshakeType

const (
	HandshakeTAP  = crypto.HandshakeTAP
	HandshakeNTOR = crypto.HandshakeNTOR
)

// Router is the subset of a relay's consensus descriptor the circuit core
// needs to perform a handshake and address a hop. Consensus/directory
// lookup that produces one is out of scope for this package.
type Router struct {
	Nickname    string
	Address     string
	ORPort      uint16
	Fingerprint [20]byte // legacy RSA identity fingerprint

	NtorOnionKey [32]byte
	TAPOnionKeyN *big.Int
	TAPOnionKeyE int
}

// String implements fmt.Stringer for log messages.
func (r *Router) String() string {
	if r == nil {
		return "<nil router>"
	}
	return r.Nickname + "@" + r.Address
}

// CircuitNode is the per-hop state tracked by a Circuit: which router this
// hop is, the handshake in progress or completed with it, and its
// flow-control window. Exactly one CircuitNode exists per hop, in path
// order (index 0 is the guard).
type CircuitNode struct {
	router        *Router
	handshakeType crypto.HandshakeType
	window        *FlowWindow

	mu           sync.Mutex
	keyAgreement crypto.KeyAgreement
	cryptoState  *crypto.CryptoState
}

// NewCircuitNode builds a node for router using the given handshake type.
// No network or crypto work happens until CreateOnionSkin is first called.
func NewCircuitNode(router *Router, handshakeType crypto.HandshakeType) *CircuitNode {
	return &CircuitNode{
		router:        router,
		handshakeType: handshakeType,
		window:        NewFlowWindow(),
	}
}

// Router returns the router this node represents.
func (n *CircuitNode) Router() *Router { return n.router }

// HandshakeType returns the handshake protocol negotiated for this hop.
func (n *CircuitNode) HandshakeType() crypto.HandshakeType { return n.handshakeType }

// Window returns this node's flow-control window.
func (n *CircuitNode) Window() *FlowWindow { return n.window }

// CreateOnionSkin returns the client handshake bytes for this node. It is
// idempotent: the key agreement is created lazily on first call and the
// same bytes are returned on every call until CompleteHandshake succeeds.
func (n *CircuitNode) CreateOnionSkin() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.keyAgreement == nil {
		ka, err := crypto.NewKeyAgreement(n.handshakeType, crypto.RouterHandshakeInfo{
			IdentityFingerprint: n.router.Fingerprint,
			NtorOnionKey:        n.router.NtorOnionKey,
			TAPOnionKeyN:        n.router.TAPOnionKeyN,
			TAPOnionKeyE:        n.router.TAPOnionKeyE,
		})
		if err != nil {
			return nil, err
		}
		n.keyAgreement = ka
	}
	return n.keyAgreement.HandshakeBytes()
}

// CompleteHandshake verifies the server's handshake response and, on
// success, makes this node's crypto state live. It fails with
// ErrHandshakeFailed if the response does not verify.
func (n *CircuitNode) CompleteHandshake(serverBytes []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.keyAgreement == nil {
		return ErrHandshakeFailed
	}
	sharedSecret, err := n.keyAgreement.Complete(serverBytes)
	if err != nil {
		return ErrHandshakeFailed
	}
	cs, err := crypto.NewCryptoState(sharedSecret)
	if err != nil {
		return ErrHandshakeFailed
	}
	n.cryptoState = cs
	return nil
}

// HandshakeDone reports whether CompleteHandshake has succeeded for this node.
func (n *CircuitNode) HandshakeDone() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cryptoState != nil
}

// EncryptForward encrypts relayPayload in place with this hop's forward
// cipher, advancing its forward digest. Must only be called after the
// handshake has completed.
func (n *CircuitNode) EncryptForward(relayPayload []byte) error {
	n.mu.Lock()
	cs := n.cryptoState
	n.mu.Unlock()
	if cs == nil {
		return ErrHandshakeFailed
	}
	return cs.EncryptForward(relayPayload)
}

// DecryptBackward removes this hop's backward cipher layer from
// relayPayload in place and reports whether this hop's digest recognises
// the cell (i.e. this is the originating hop for the cell).
func (n *CircuitNode) DecryptBackward(relayPayload []byte) (recognized bool, err error) {
	n.mu.Lock()
	cs := n.cryptoState
	n.mu.Unlock()
	if cs == nil {
		return false, ErrHandshakeFailed
	}
	return cs.DecryptBackward(relayPayload)
}
