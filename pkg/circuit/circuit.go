// Package circuit provides circuit management for the Tor protocol.
// Circuits are paths through the Tor network used to route traffic.
package circuit

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// randomCookie generates a fresh 20-byte rendezvous cookie, rend-spec.txt 1.8.
func randomCookie() ([20]byte, error) {
	var cookie [20]byte
	_, err := rand.Read(cookie[:])
	return cookie, err
}

// State is the lifecycle stage of a circuit.
type State int

const (
	// StateUnknown is the state of a circuit before its first hop has
	// completed a handshake.
	StateUnknown State = iota
	// StateConnected is reached once the first hop's handshake completes;
	// the circuit may be extended and used to open streams.
	StateConnected
	// StateDestroyed is terminal: a DESTROY cell has been sent or received
	// for this circuit, or its guard connection is gone.
	StateDestroyed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateConnected:
		return "CONNECTED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("UNKNOWN_STATE(%d)", s)
	}
}

// Circuit is one client-initiated path through the Tor network: an ordered
// list of CircuitNodes, each holding its own per-hop crypto state, plus the
// bookkeeping needed to send/receive relay cells along it and multiplex
// application streams over it.
type Circuit struct {
	id        uint32
	createdAt time.Time

	guard    GuardLink
	receiver *Receiver
	handler  *CellHandlerManager
	streams  StreamsManager
	consensus Consensus
	hsConn   HiddenServiceConnector
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu              sync.RWMutex
	state           State
	nodes           []*CircuitNode
	isolationKey    *IsolationKey
	hiddenServiceID string
	nextStreamID    uint16

	extendMu sync.Mutex // serializes ExtendToHidden, tor-spec's extend_lock
	sendMu   sync.Mutex // serializes the encrypt-then-send pair in sendRelay

	destroyOnce sync.Once
}

// Config bundles a Circuit's collaborators; fields other than Guard may be
// nil if the corresponding operations (Extend, BuildHops, OpenStream,
// ExtendToHidden) are never called on this circuit. A nil Log falls back to
// logger.NewDefault().
type Config struct {
	Guard     GuardLink
	Receiver  *Receiver
	Streams   StreamsManager
	Consensus Consensus
	HiddenSvc HiddenServiceConnector
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

// New creates an unconnected circuit with the given ID. Create must be
// called before any other operation to bring it to StateConnected.
func New(id uint32, cfg Config) *Circuit {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	c := &Circuit{
		id:        id,
		createdAt: time.Now(),
		guard:     cfg.Guard,
		receiver:  cfg.Receiver,
		handler:   newCellHandlerManager(),
		streams:   cfg.Streams,
		consensus: cfg.Consensus,
		hsConn:    cfg.HiddenSvc,
		log:       log.Circuit(id),
		metrics:   cfg.Metrics,
		state:     StateUnknown,
	}
	if c.receiver != nil {
		c.receiver.Register(id, c.onCell)
	}
	return c
}

// ID returns the circuit identifier.
func (c *Circuit) ID() uint32 { return c.id }

// State returns the circuit's current lifecycle state.
func (c *Circuit) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Age returns how long ago this circuit was created.
func (c *Circuit) Age() time.Duration { return time.Since(c.createdAt) }

// Length returns the number of hops currently built.
func (c *Circuit) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// IsolationKey returns the isolation key this circuit was built under, or
// nil if it was built without stream isolation.
func (c *Circuit) IsolationKey() *IsolationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isolationKey
}

// SetIsolationKey records the isolation key this circuit satisfies. Callers
// use this to mark a freshly built circuit before it is returned by a pool.
func (c *Circuit) SetIsolationKey(key *IsolationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolationKey = key
}

func (c *Circuit) requireState(want State) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case StateDestroyed:
		return ErrCircuitDestroyed
	case want:
		return nil
	default:
		return ErrCircuitNotConnected
	}
}

// Create performs the first-hop handshake with guard, bringing the circuit
// to StateConnected. Mirrors the reference client's TorCircuit._initialize:
// send CREATE2 with the guard's onion-skin, wait for CREATED2, complete the
// handshake.
func (c *Circuit) Create(guardRouter *Router, handshakeType HandshakeType, timeout time.Duration) error {
	if err := c.requireState(StateUnknown); err != nil {
		return err
	}
	node := NewCircuitNode(guardRouter, handshakeType)
	skin, err := node.CreateOnionSkin()
	if err != nil {
		return fmt.Errorf("circuit: build guard onion skin: %w", err)
	}

	w := newWaiter(matchTopLevel(cell.CmdCreated2))
	unsubscribe := c.handler.subscribe(w)
	defer unsubscribe()

	handshakeType32 := uint16(handshakeType)
	if err := c.guard.SendCell(cell.NewCreate2Cell(c.id, handshakeType32, skin)); err != nil {
		return fmt.Errorf("circuit: send CREATE2: %w", err)
	}

	rc, err := w.await(timeout)
	if err != nil {
		return err
	}
	created, err := cell.DecodeCreated2Payload(rc.payload)
	if err != nil {
		return fmt.Errorf("circuit: decode CREATED2: %w", err)
	}
	if err := node.CompleteHandshake(created.HandshakeData); err != nil {
		return err
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.state = StateConnected
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveCircuits.Inc()
	}
	c.log.Info("circuit connected", "guard", guardRouter.String())
	return nil
}

// Extend grows the circuit by one hop using RELAY_EXTEND2, per tor-spec.txt
// 5.1.2/5.3. The new hop's handshake is carried end-to-end through the
// existing path, onion-encrypted like any other relay payload.
func (c *Circuit) Extend(router *Router, handshakeType HandshakeType, timeout time.Duration) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	node := NewCircuitNode(router, handshakeType)
	skin, err := node.CreateOnionSkin()
	if err != nil {
		return fmt.Errorf("circuit: build extend onion skin: %w", err)
	}

	payload := &cell.Extend2Payload{
		Address:       router.Address,
		Port:          router.ORPort,
		Fingerprint:   router.Fingerprint,
		HandshakeType: uint16(handshakeType),
		HandshakeData: skin,
	}
	data, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("circuit: encode EXTEND2: %w", err)
	}

	w := newWaiter(matchRelay(cell.RelayExtended2), matchRelay(cell.RelayTruncated))
	unsubscribe := c.handler.subscribe(w)
	defer unsubscribe()

	if err := c.sendRelay(cell.CmdRelayEarly, cell.RelayExtend2, 0, data); err != nil {
		return fmt.Errorf("circuit: send RELAY_EXTEND2: %w", err)
	}

	rc, err := w.await(timeout)
	if err != nil {
		return err
	}
	if rc.relayCmd == cell.RelayTruncated {
		reason := cell.TruncatedPayload(rc.payload)
		return &CircuitExtendFailedError{Reason: reason}
	}

	extended, err := cell.DecodeExtended2Payload(rc.payload)
	if err != nil {
		return fmt.Errorf("circuit: decode RELAY_EXTENDED2: %w", err)
	}
	if err := node.CompleteHandshake(extended.HandshakeData); err != nil {
		return err
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()
	c.log.Info("circuit extended", "router", router.String(), "length", c.Length())
	return nil
}

// BuildHops extends the circuit until it has hopCount hops total, selecting
// middle hops for every position but the last and an exit for the last,
// via the circuit's Consensus collaborator. guard's own hop must already
// exist (via Create) before calling this.
func (c *Circuit) BuildHops(hopCount int, timeout time.Duration) error {
	if c.consensus == nil {
		return fmt.Errorf("circuit: BuildHops requires a consensus collaborator")
	}
	for c.Length() < hopCount {
		avoid := c.fingerprints()
		isLast := c.Length() == hopCount-1
		var router *Router
		var err error
		if isLast {
			router, err = c.consensus.RandomExit(avoid)
		} else {
			router, err = c.consensus.RandomMiddle(avoid)
		}
		if err != nil {
			return fmt.Errorf("circuit: select hop %d: %w", c.Length(), err)
		}
		if err := c.Extend(router, HandshakeNTOR, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Circuit) fingerprints() [][20]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][20]byte, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.Router().Fingerprint
	}
	return out
}

// sendRelay onion-encrypts a relay payload through every built hop up to and
// including the target hop (the last built hop, i.e. the far end of the
// circuit) and sends it in a single cell. Matches TorCircuit._send: only the
// final hop's layer carries real plaintext; every other layer is opaque
// encryption applied outside-in as a peer relay would expect to peel it.
func (c *Circuit) sendRelay(outerCmd cell.Command, relayCmd byte, streamID uint16, data []byte) error {
	c.mu.RLock()
	nodes := append([]*CircuitNode(nil), c.nodes...)
	c.mu.RUnlock()
	if len(nodes) == 0 {
		return ErrCircuitNotConnected
	}

	rc := cell.NewRelayCell(streamID, relayCmd, data)
	payload, err := rc.Encode()
	if err != nil {
		return fmt.Errorf("circuit: encode relay cell: %w", err)
	}

	// Encrypt outside-in: the target hop's forward cipher and digest are
	// applied first (stamping the digest), then each earlier hop re-encrypts
	// the whole thing, per tor-spec.txt 5.5.2.1's layering order. sendMu is
	// held across encryption and send so cells reach the wire in the same
	// order each hop's cipher and digest state advanced.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].EncryptForward(payload); err != nil {
			return fmt.Errorf("circuit: encrypt forward at hop %d: %w", i, err)
		}
	}
	return c.guard.SendCell(&cell.Cell{CircID: c.id, Command: outerCmd, Payload: payload})
}

// onCell is the Receiver callback for this circuit's ID: it decrypts one
// onion layer per hop until a hop's digest recognises the cell, then routes
// it either to a waiting handler (CREATED2, RELAY_EXTENDED2/TRUNCATED,
// RELAY_INTRODUCE_ACK, ...) or to the owning stream.
func (c *Circuit) onCell(raw *cell.Cell) {
	switch raw.Command {
	case cell.CmdCreated2:
		c.handler.dispatch(receivedCell{cmd: cell.CmdCreated2, payload: raw.Payload})
		return
	case cell.CmdDestroy:
		reason := cell.DestroyPayload(raw.Payload)
		c.log.Info("circuit destroyed by peer", "reason", reason)
		c.teardown(false)
		return
	case cell.CmdRelay, cell.CmdRelayEarly:
		c.handleRelay(raw.Payload)
	default:
		c.log.Debug("unhandled cell on circuit", "command", raw.Command)
	}
}

// handleRelay peels one onion layer per hop, in path order, until the
// originating hop's running digest recognises the cell (torpy's
// TorCircuit.handle_relay "from_node" loop), then dispatches on the inner
// relay command.
func (c *Circuit) handleRelay(payload []byte) {
	c.mu.RLock()
	nodes := append([]*CircuitNode(nil), c.nodes...)
	c.mu.RUnlock()

	var from *CircuitNode
	for _, n := range nodes {
		recognized, err := n.DecryptBackward(payload)
		if err != nil {
			c.log.Warn("relay decrypt failed", "error", err)
			return
		}
		if recognized {
			from = n
			break
		}
	}
	if from == nil {
		c.log.Warn("relay cell not recognised by any hop, dropping")
		return
	}

	rc, err := cell.DecodeRelayCell(payload)
	if err != nil {
		c.log.Warn("relay cell decode failed", "error", err)
		return
	}

	switch rc.Command {
	case cell.RelayExtended2, cell.RelayTruncated, cell.RelayIntroduceAck,
		cell.RelayRendezvousEstablished, cell.RelayIntroEstablished, cell.RelayRendezvous2:
		c.handler.dispatch(receivedCell{cmd: cell.CmdRelay, relayCmd: rc.Command, payload: rc.Data})
	case cell.RelaySendMe:
		from.Window().PackageInc()
	case cell.RelayData:
		c.onStream(rc)
		if needSendme := from.Window().DeliverDec(); needSendme {
			if err := c.sendRelay(cell.CmdRelay, cell.RelaySendMe, 0, nil); err != nil {
				c.log.Warn("send circuit SENDME failed", "error", err)
			}
		}
	case cell.RelayConnected, cell.RelayEnd:
		c.handler.dispatch(receivedCell{cmd: cell.CmdRelay, relayCmd: rc.Command, payload: rc.Data})
		c.onStream(rc)
	case cell.RelayTruncate:
		c.log.Debug("ignoring inbound RELAY_TRUNCATE, client-initiated circuits do not relay")
	default:
		c.log.Debug("unhandled relay command", "command", cell.RelayCmdString(rc.Command))
	}
}

// onStream routes an inbound DATA/CONNECTED/END relay cell to the stream it
// belongs to, or drops it (with a log line) if no such stream is registered
// — e.g. after the local side has already closed it.
func (c *Circuit) onStream(rc *cell.RelayCell) {
	if c.streams == nil {
		return
	}
	handle, ok := c.streams.ByID(c.id, rc.StreamID)
	if !ok {
		c.log.Debug("relay cell for unknown stream dropped", "stream_id", rc.StreamID)
		return
	}
	if err := handle.Deliver(rc.Command, rc.Data); err != nil {
		c.log.Warn("stream delivery failed", "stream_id", rc.StreamID, "error", err)
	}
	if rc.Command == cell.RelayEnd {
		c.streams.Remove(c.id, rc.StreamID)
	}
}

// NextStreamID allocates the next circuit-local stream identifier.
// tor-spec.txt 7.1: stream ID 0 is reserved for circuit-level commands.
func (c *Circuit) NextStreamID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStreamID++
	if c.nextStreamID == 0 {
		c.nextStreamID = 1
	}
	return c.nextStreamID
}

// OpenStream sends RELAY_BEGIN for target:port on a freshly allocated
// stream ID and waits for RELAY_CONNECTED, mirroring TorCircuit.create_stream.
func (c *Circuit) OpenStream(target string, port uint16, timeout time.Duration) (uint16, error) {
	if err := c.requireState(StateConnected); err != nil {
		return 0, err
	}
	streamID := c.NextStreamID()

	w := newWaiter(matchRelay(cell.RelayConnected), matchRelay(cell.RelayEnd))
	unsubscribe := c.handler.subscribe(w)
	defer unsubscribe()

	begin := []byte(fmt.Sprintf("%s:%d", target, port))
	begin = append(begin, 0)
	if err := c.sendRelay(cell.CmdRelay, cell.RelayBegin, streamID, begin); err != nil {
		return 0, fmt.Errorf("circuit: send RELAY_BEGIN: %w", err)
	}

	rc, err := w.await(timeout)
	if err != nil {
		return 0, err
	}
	if rc.relayCmd == cell.RelayEnd {
		return 0, fmt.Errorf("circuit: stream refused: %s", cell.RelayCmdString(rc.relayCmd))
	}
	return streamID, nil
}

// SendStreamData sends a RELAY_DATA cell carrying data for the given stream.
func (c *Circuit) SendStreamData(streamID uint16, data []byte) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	return c.sendRelay(cell.CmdRelay, cell.RelayData, streamID, data)
}

// CloseStream sends RELAY_END for streamID.
func (c *Circuit) CloseStream(streamID uint16, reason byte) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}
	return c.sendRelay(cell.CmdRelay, cell.RelayEnd, streamID, []byte{reason})
}

// Destroy tears the circuit down, optionally notifying the guard with a
// DESTROY cell first (the local-initiator case; set to false when
// responding to a DESTROY already received from the network).
func (c *Circuit) Destroy(sendDestroy bool) error {
	c.mu.RLock()
	already := c.state == StateDestroyed
	c.mu.RUnlock()
	if already {
		return nil
	}
	if sendDestroy && c.guard != nil {
		if err := c.guard.SendCell(cell.NewDestroyCell(c.id, cell.ReasonNone)); err != nil {
			c.log.Warn("send DESTROY failed", "error", err)
		}
	}
	c.teardown(true)
	return nil
}

func (c *Circuit) teardown(local bool) {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.state == StateConnected
		c.state = StateDestroyed
		c.mu.Unlock()

		c.handler.failAll(ErrCircuitDestroyed)
		if c.receiver != nil {
			c.receiver.Unregister(c.id)
		}
		if c.metrics != nil && wasConnected {
			c.metrics.ActiveCircuits.Dec()
		}
		c.log.Info("circuit torn down", "local", local)
	})
}

// ExtendToHidden pivots this already-built circuit to act as a rendezvous
// circuit for serviceID: it establishes a rendezvous point at the circuit's
// current last hop, then walks serviceID's responsible directories and
// their introduction points (via hsConn) until one accepts a
// RELAY_INTRODUCE1, appending the resulting node to the circuit. Calling it
// twice with the same serviceID is a no-op; calling it with a different
// serviceID than the one already associated fails with ErrAlreadyAssociated.
// Serialized by extendMu (tor-spec's extend_lock) so concurrent callers
// cannot race the rendezvous/introduce exchange.
func (c *Circuit) ExtendToHidden(serviceID string, timeout time.Duration) error {
	if c.hsConn == nil {
		return fmt.Errorf("circuit: ExtendToHidden requires a hidden-service connector")
	}

	c.extendMu.Lock()
	defer c.extendMu.Unlock()

	c.mu.RLock()
	already := c.hiddenServiceID
	c.mu.RUnlock()
	if already == serviceID {
		return nil
	}
	if already != "" {
		return ErrAlreadyAssociated
	}

	if err := c.requireState(StateConnected); err != nil {
		return err
	}

	cookie, err := randomCookie()
	if err != nil {
		return fmt.Errorf("circuit: generate rendezvous cookie: %w", err)
	}
	est, err := cell.NewEstablishRendezvousCookie(cookie[:])
	if err != nil {
		return fmt.Errorf("circuit: build ESTABLISH_RENDEZVOUS: %w", err)
	}

	w := newWaiter(matchRelay(cell.RelayRendezvousEstablished))
	unsubscribe := c.handler.subscribe(w)
	if err := c.sendRelay(cell.CmdRelay, cell.RelayEstablishRendezvous, 0, est.Encode()); err != nil {
		unsubscribe()
		return fmt.Errorf("circuit: send ESTABLISH_RENDEZVOUS: %w", err)
	}
	if _, err := w.await(timeout); err != nil {
		unsubscribe()
		return fmt.Errorf("circuit: rendezvous point refused: %w", err)
	}
	unsubscribe()

	c.mu.RLock()
	rend := c.nodes[len(c.nodes)-1].Router()
	c.mu.RUnlock()

	dirs, err := c.hsConn.Directories(serviceID)
	if err != nil {
		return fmt.Errorf("circuit: %s: enumerate responsible directories: %w", serviceID, err)
	}
	if len(dirs) > 6 {
		dirs = dirs[:6]
	}

	var lastErr error
	for _, dir := range dirs {
		intros, err := dir.Introductions(serviceID)
		if err != nil {
			c.log.Debug("directory has no descriptor, trying next", "service", serviceID, "error", err)
			lastErr = err
			continue
		}
		for _, intro := range intros {
			node, err := intro.Connect(rend, cookie, timeout)
			if err != nil {
				c.log.Warn("introduction failed, trying next", "service", serviceID, "error", err)
				lastErr = err
				continue
			}
			c.mu.Lock()
			c.nodes = append(c.nodes, node)
			c.hiddenServiceID = serviceID
			c.mu.Unlock()
			c.log.Info("hidden-service attached", "service", serviceID, "length", c.Length())
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("circuit: %s: %w: %v", serviceID, ErrHiddenServiceUnreachable, lastErr)
	}
	return fmt.Errorf("circuit: %s: %w", serviceID, ErrHiddenServiceUnreachable)
}

// SendIntroduce1 sends a RELAY_INTRODUCE1 cell over this circuit (expected
// to be a short-lived introducer circuit terminating at intro) carrying
// pubkey as the client's handshake half for the hidden service, and the
// rendezvous point/cookie the service should use to meet the client. It
// waits for RELAY_INTRODUCE_ACK and fails if the introduction point reports
// anything other than success. A HiddenServiceConnector implementation
// (pkg/onion) is expected to be the only caller.
func (c *Circuit) SendIntroduce1(intro *Router, rend *Router, pubkey []byte, cookie [20]byte, timeout time.Duration) error {
	if err := c.requireState(StateConnected); err != nil {
		return err
	}

	payload := &cell.Introduce1Payload{
		IntroPointFingerprint: intro.Fingerprint,
		PublicKeyBytes:        pubkey,
		RendezvousAddress:     rend.Address,
		RendezvousPort:        rend.ORPort,
		RendezvousFingerprint: rend.Fingerprint,
		RendezvousCookie:      cookie,
	}
	data, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("circuit: encode INTRODUCE1: %w", err)
	}

	w := newWaiter(matchRelay(cell.RelayIntroduceAck))
	unsubscribe := c.handler.subscribe(w)
	defer unsubscribe()

	if err := c.sendRelay(cell.CmdRelay, cell.RelayIntroduce1, 0, data); err != nil {
		return fmt.Errorf("circuit: send INTRODUCE1: %w", err)
	}
	rc, err := w.await(timeout)
	if err != nil {
		return fmt.Errorf("circuit: await INTRODUCE_ACK: %w", err)
	}
	ack, err := cell.DecodeIntroduceAckPayload(rc.payload)
	if err != nil {
		return fmt.Errorf("circuit: decode INTRODUCE_ACK: %w", err)
	}
	if !ack.Success() {
		return fmt.Errorf("circuit: introduction refused, status=%d", ack.Status)
	}
	return nil
}

// MarkConnectedForTesting forces a circuit into StateConnected without
// driving a handshake. Exported so other packages (pool, stream) can build
// Circuit fixtures in their own tests without duplicating the handshake
// machinery; not meant to be called outside of tests.
func MarkConnectedForTesting(c *Circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnected
}
