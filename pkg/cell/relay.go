// Package cell provides relay cell functionality for Tor protocol
package cell

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/go-tor/pkg/security"
)

// Relay commands from tor-spec.txt section 6.1
const (
	RelayBegin     byte = 1
	RelayData      byte = 2
	RelayEnd       byte = 3
	RelayConnected byte = 4
	RelaySendMe    byte = 5
	RelayExtend    byte = 6
	RelayExtended  byte = 7
	RelayTruncate  byte = 8
	RelayTruncated byte = 9
	RelayDrop      byte = 10
	RelayResolve   byte = 11
	RelayResolved  byte = 12
	RelayBeginDir  byte = 13
	RelayExtend2   byte = 14
	RelayExtended2 byte = 15

	// Hidden-service (rendezvous) relay commands, tor-spec.txt section 6.1 /
	// rend-spec.txt. Numbering here is v2-compatible per this circuit core's
	// scope (see Non-goals in the spec this package implements).
	RelayEstablishIntro         byte = 32
	RelayEstablishRendezvous    byte = 33
	RelayIntroduce1             byte = 34
	RelayIntroduce2             byte = 35
	RelayRendezvous1            byte = 36
	RelayRendezvous2            byte = 37
	RelayIntroEstablished       byte = 38
	RelayRendezvousEstablished  byte = 39
	RelayIntroduceAck           byte = 40
)

// CircuitReason is the reason field carried by DESTROY and RELAY_TRUNCATED
// cells, tor-spec.txt section 5.4.
type CircuitReason byte

// Circuit teardown reasons, tor-spec.txt section 5.4.
const (
	ReasonNone             CircuitReason = 0
	ReasonProtocol         CircuitReason = 1
	ReasonInternal         CircuitReason = 2
	ReasonRequested        CircuitReason = 3
	ReasonHibernating      CircuitReason = 4
	ReasonResourceLimit    CircuitReason = 5
	ReasonConnectFailed    CircuitReason = 6
	ReasonOrIdentity       CircuitReason = 7
	ReasonOrConnClosed     CircuitReason = 8
	ReasonFinished         CircuitReason = 9
	ReasonTimeout          CircuitReason = 10
	ReasonDestroyed        CircuitReason = 11
	ReasonNoSuchService    CircuitReason = 12
)

// String returns the tor-spec name of the reason, used in error messages
// (e.g. CircuitExtendFailed("RESOURCELIMIT")).
func (r CircuitReason) String() string {
	switch r {
	case ReasonNone:
		return "NONE"
	case ReasonProtocol:
		return "TORPROTOCOL"
	case ReasonInternal:
		return "INTERNAL"
	case ReasonRequested:
		return "REQUESTED"
	case ReasonHibernating:
		return "HIBERNATING"
	case ReasonResourceLimit:
		return "RESOURCELIMIT"
	case ReasonConnectFailed:
		return "CONNECTFAILED"
	case ReasonOrIdentity:
		return "OR_IDENTITY"
	case ReasonOrConnClosed:
		return "OR_CONN_CLOSED"
	case ReasonFinished:
		return "FINISHED"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonDestroyed:
		return "DESTROYED"
	case ReasonNoSuchService:
		return "NOSUCHSERVICE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(r))
	}
}

// RelayCell represents the payload of a RELAY or RELAY_EARLY cell
type RelayCell struct {
	Command    byte    // Relay command
	Recognized uint16  // Must be zero
	StreamID   uint16  // Stream ID
	Digest     [4]byte // Running digest
	Length     uint16  // Length of data
	Data       []byte  // Relay data
}

// RelayCell header size: Command(1) + Recognized(2) + StreamID(2) + Digest(4) + Length(2) = 11 bytes
const RelayCellHeaderLen = 11

// NewRelayCell creates a new relay cell
func NewRelayCell(streamID uint16, cmd byte, data []byte) *RelayCell {
	// Safely convert data length to uint16
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		// Data is too large: clamp the Length field to max uint16; Data
		// itself is kept as given
		length = 65535
	}

	return &RelayCell{
		Command:    cmd,
		Recognized: 0,
		StreamID:   streamID,
		Digest:     [4]byte{0, 0, 0, 0},
		Length:     length,
		Data:       data,
	}
}

// Encode encodes the relay cell into a byte slice
func (rc *RelayCell) Encode() ([]byte, error) {
	// Maximum relay cell data size
	maxDataLen := PayloadLen - RelayCellHeaderLen
	if len(rc.Data) > maxDataLen {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), maxDataLen)
	}

	// Create payload buffer
	payload := make([]byte, PayloadLen)

	// Write header
	payload[0] = rc.Command
	binary.BigEndian.PutUint16(payload[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], rc.Length)

	// Write data
	copy(payload[11:], rc.Data)

	// Rest is zero padding (already initialized to zero)

	return payload, nil
}

// DecodeRelayCell decodes a relay cell from a payload
func DecodeRelayCell(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayCellHeaderLen {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayCellHeaderLen)
	}

	rc := &RelayCell{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(rc.Digest[:], payload[5:9])

	// Validate length - defense in depth (AUDIT-015)
	maxDataLen := uint16(PayloadLen - RelayCellHeaderLen)
	if rc.Length > maxDataLen {
		return nil, fmt.Errorf("relay cell length exceeds maximum: %d > %d", rc.Length, maxDataLen)
	}
	if int(rc.Length) > len(payload)-RelayCellHeaderLen {
		return nil, fmt.Errorf("relay cell data length exceeds payload: %d > %d", rc.Length, len(payload)-RelayCellHeaderLen)
	}

	// Extract data
	if rc.Length > 0 {
		rc.Data = make([]byte, rc.Length)
		copy(rc.Data, payload[11:11+rc.Length])
	}

	return rc, nil
}

// RelayCmdString returns a human-readable string for a relay command
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	case RelaySendMe:
		return "RELAY_SENDME"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayEstablishIntro:
		return "RELAY_ESTABLISH_INTRO"
	case RelayEstablishRendezvous:
		return "RELAY_ESTABLISH_RENDEZVOUS"
	case RelayIntroduce1:
		return "RELAY_INTRODUCE1"
	case RelayIntroduce2:
		return "RELAY_INTRODUCE2"
	case RelayRendezvous1:
		return "RELAY_RENDEZVOUS1"
	case RelayRendezvous2:
		return "RELAY_RENDEZVOUS2"
	case RelayIntroEstablished:
		return "RELAY_INTRO_ESTABLISHED"
	case RelayRendezvousEstablished:
		return "RELAY_RENDEZVOUS_ESTABLISHED"
	case RelayIntroduceAck:
		return "RELAY_INTRODUCE_ACK"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}

// TruncatedPayload decodes the one-byte reason carried by a RELAY_TRUNCATED cell.
func TruncatedPayload(data []byte) CircuitReason {
	if len(data) < 1 {
		return ReasonNone
	}
	return CircuitReason(data[0])
}

// DestroyPayload decodes the one-byte reason carried by a DESTROY cell.
func DestroyPayload(payload []byte) CircuitReason {
	if len(payload) < 1 {
		return ReasonNone
	}
	return CircuitReason(payload[0])
}

// NewDestroyCell builds a DESTROY cell for the given circuit and reason.
func NewDestroyCell(circID uint32, reason CircuitReason) *Cell {
	c := NewCell(circID, CmdDestroy)
	c.Payload = []byte{byte(reason)}
	return c
}

// Create2Payload is the payload of a CREATE2 cell (tor-spec.txt 5.1).
type Create2Payload struct {
	HandshakeType  uint16
	HandshakeData  []byte
}

// Encode encodes a CREATE2 payload.
func (p *Create2Payload) Encode() []byte {
	buf := make([]byte, 4+len(p.HandshakeData))
	binary.BigEndian.PutUint16(buf[0:2], p.HandshakeType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.HandshakeData)))
	copy(buf[4:], p.HandshakeData)
	return buf
}

// NewCreate2Cell builds a CREATE2 cell.
func NewCreate2Cell(circID uint32, handshakeType uint16, handshakeData []byte) *Cell {
	c := NewCell(circID, CmdCreate2)
	c.Payload = (&Create2Payload{HandshakeType: handshakeType, HandshakeData: handshakeData}).Encode()
	return c
}

// DecodeCreate2Payload decodes a CREATE2 cell payload.
func DecodeCreate2Payload(payload []byte) (*Create2Payload, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("CREATE2 payload too short: %d < 4", len(payload))
	}
	hType := binary.BigEndian.Uint16(payload[0:2])
	hLen := binary.BigEndian.Uint16(payload[2:4])
	if int(hLen) > len(payload)-4 {
		return nil, fmt.Errorf("CREATE2 handshake length exceeds payload: %d > %d", hLen, len(payload)-4)
	}
	data := make([]byte, hLen)
	copy(data, payload[4:4+hLen])
	return &Create2Payload{HandshakeType: hType, HandshakeData: data}, nil
}

// Created2Payload is the payload of a CREATED2 cell (tor-spec.txt 5.1).
type Created2Payload struct {
	HandshakeData []byte
}

// DecodeCreated2Payload decodes a CREATED2 cell payload.
func DecodeCreated2Payload(payload []byte) (*Created2Payload, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("CREATED2 payload too short: %d < 2", len(payload))
	}
	hLen := binary.BigEndian.Uint16(payload[0:2])
	if int(hLen) > len(payload)-2 {
		return nil, fmt.Errorf("CREATED2 handshake length exceeds payload: %d > %d", hLen, len(payload)-2)
	}
	data := make([]byte, hLen)
	copy(data, payload[2:2+hLen])
	return &Created2Payload{HandshakeData: data}, nil
}

// NewCreated2Cell builds a CREATED2 cell (used by test doubles that play the relay side).
func NewCreated2Cell(circID uint32, handshakeData []byte) *Cell {
	c := NewCell(circID, CmdCreated2)
	buf := make([]byte, 2+len(handshakeData))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(handshakeData)))
	copy(buf[2:], handshakeData)
	c.Payload = buf
	return c
}

// Extend2Payload is the payload of a RELAY_EXTEND2 cell (tor-spec.txt 5.1.2),
// carrying link specifiers identifying the next hop and its onion skin.
type Extend2Payload struct {
	Address       string
	Port          uint16
	Fingerprint   [20]byte
	HandshakeType uint16
	HandshakeData []byte
}

// Encode encodes an EXTEND2 payload using the two link specifiers this
// implementation needs: TLS-over-TCP address (type 0/1) and legacy RSA
// identity fingerprint (type 2).
func (p *Extend2Payload) Encode() ([]byte, error) {
	ip := parseIPv4(p.Address)
	if ip == nil {
		return nil, fmt.Errorf("unsupported EXTEND2 address: %s", p.Address)
	}

	var buf []byte
	buf = append(buf, 2) // NSPEC = 2 link specifiers

	// Link specifier 0: TLS-over-TCP, IPv4
	lspec0 := make([]byte, 0, 6)
	lspec0 = append(lspec0, ip...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, p.Port)
	lspec0 = append(lspec0, portBytes...)
	buf = append(buf, 0x00, byte(len(lspec0)))
	buf = append(buf, lspec0...)

	// Link specifier 2: legacy RSA identity fingerprint
	buf = append(buf, 0x02, byte(len(p.Fingerprint)))
	buf = append(buf, p.Fingerprint[:]...)

	handshakeLen := make([]byte, 2)
	binary.BigEndian.PutUint16(handshakeLen, p.HandshakeType)
	buf = append(buf, handshakeLen...)
	hDataLen := make([]byte, 2)
	binary.BigEndian.PutUint16(hDataLen, uint16(len(p.HandshakeData)))
	buf = append(buf, hDataLen...)
	buf = append(buf, p.HandshakeData...)

	return buf, nil
}

func parseIPv4(addr string) []byte {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// Extended2Payload is the payload of a RELAY_EXTENDED2 cell.
type Extended2Payload struct {
	HandshakeData []byte
}

// DecodeExtended2Payload decodes a RELAY_EXTENDED2 cell payload.
func DecodeExtended2Payload(payload []byte) (*Extended2Payload, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("EXTENDED2 payload too short: %d < 2", len(payload))
	}
	hLen := binary.BigEndian.Uint16(payload[0:2])
	if int(hLen) > len(payload)-2 {
		return nil, fmt.Errorf("EXTENDED2 payload handshake length exceeds payload: %d > %d", hLen, len(payload)-2)
	}
	data := make([]byte, hLen)
	copy(data, payload[2:2+hLen])
	return &Extended2Payload{HandshakeData: data}, nil
}

// EstablishRendezvousPayload is the payload of a RELAY_ESTABLISH_RENDEZVOUS
// cell: a 20-byte rendezvous cookie chosen by the client (rend-spec.txt 1.3).
type EstablishRendezvousPayload struct {
	Cookie [20]byte
}

// Encode encodes an ESTABLISH_RENDEZVOUS payload.
func (p *EstablishRendezvousPayload) Encode() []byte {
	buf := make([]byte, 20)
	copy(buf, p.Cookie[:])
	return buf
}

// NewEstablishRendezvousCookie validates a client-supplied cookie.
func NewEstablishRendezvousCookie(cookie []byte) (*EstablishRendezvousPayload, error) {
	if len(cookie) != 20 {
		return nil, fmt.Errorf("rendezvous cookie must be 20 bytes, got %d", len(cookie))
	}
	p := &EstablishRendezvousPayload{}
	copy(p.Cookie[:], cookie)
	return p, nil
}

// Introduce1Payload is the payload of a RELAY_INTRODUCE1 cell (v2-compatible
// rendezvous protocol: a legacy RSA identity fingerprint identifies the
// introduction point rather than a v3 auth-key).
type Introduce1Payload struct {
	IntroPointFingerprint [20]byte
	PublicKeyBytes        []byte // TAP handshake public key material for the HS-side exit
	RendezvousAddress     string
	RendezvousPort        uint16
	RendezvousFingerprint [20]byte
	RendezvousCookie      [20]byte
	AuthType              byte
	DescriptorCookie      []byte
}

// Encode encodes an INTRODUCE1 payload.
func (p *Introduce1Payload) Encode() ([]byte, error) {
	ip := parseIPv4(p.RendezvousAddress)
	if ip == nil {
		return nil, fmt.Errorf("unsupported rendezvous address: %s", p.RendezvousAddress)
	}

	var buf []byte
	buf = append(buf, p.IntroPointFingerprint[:]...)
	buf = append(buf, p.AuthType)
	buf = append(buf, byte(len(p.DescriptorCookie)))
	buf = append(buf, p.DescriptorCookie...)
	buf = append(buf, ip...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, p.RendezvousPort)
	buf = append(buf, portBytes...)
	buf = append(buf, p.RendezvousFingerprint[:]...)
	buf = append(buf, p.RendezvousCookie[:]...)
	keyLen := make([]byte, 2)
	binary.BigEndian.PutUint16(keyLen, uint16(len(p.PublicKeyBytes)))
	buf = append(buf, keyLen...)
	buf = append(buf, p.PublicKeyBytes...)
	return buf, nil
}

// IntroduceAckPayload is the payload of a RELAY_INTRODUCE_ACK cell: a
// two-byte big-endian status, 0 for success (rend-spec.txt 1.11). A payload
// shorter than two bytes decodes as success.
type IntroduceAckPayload struct {
	Status uint16
}

// DecodeIntroduceAckPayload decodes a RELAY_INTRODUCE_ACK cell payload.
func DecodeIntroduceAckPayload(payload []byte) (*IntroduceAckPayload, error) {
	if len(payload) < 2 {
		return &IntroduceAckPayload{Status: 0}, nil
	}
	return &IntroduceAckPayload{Status: binary.BigEndian.Uint16(payload[0:2])}, nil
}

// Success reports whether the introduction was acknowledged.
func (p *IntroduceAckPayload) Success() bool {
	return p.Status == 0
}
