// Package stream provides Tor stream management for multiplexing connections over circuits.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// State represents the current state of a stream
type State int

const (
	// StateNew indicates the stream is newly created
	StateNew State = iota
	// StateConnecting indicates the stream is connecting
	StateConnecting
	// StateConnected indicates the stream is connected and ready
	StateConnected
	// StateClosed indicates the stream has been closed
	StateClosed
	// StateFailed indicates the stream failed
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Stream represents a single connection multiplexed over a circuit
type Stream struct {
	id        uint16
	circuitID uint32
	target    string
	port      uint16
	state     State
	createdAt time.Time
	sendQueue chan []byte
	recvQueue chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewStream creates a new stream
func NewStream(id uint16, circuitID uint32, target string, port uint16, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Stream{
		id:        id,
		circuitID: circuitID,
		target:    target,
		port:      port,
		state:     StateNew,
		createdAt: time.Now(),
		sendQueue: make(chan []byte, 32),
		recvQueue: make(chan []byte, 32),
		closeChan: make(chan struct{}),
		logger:    log.Component("stream"),
	}
}

// ID returns the stream's circuit-local identifier.
func (s *Stream) ID() uint16 { return s.id }

// CircuitID returns the ID of the circuit this stream is multiplexed over.
func (s *Stream) CircuitID() uint32 { return s.circuitID }

// Target returns the stream's destination address.
func (s *Stream) Target() string { return s.target }

// Port returns the stream's destination port.
func (s *Stream) Port() uint16 { return s.port }

// CreatedAt returns when the stream was created.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// SetState updates the stream state
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldState := s.state
	s.state = state
	s.logger.Debug("Stream state transition",
		"stream_id", s.id,
		"old_state", oldState,
		"new_state", state)
}

// GetState returns the current stream state
func (s *Stream) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send queues data to be sent on the stream
func (s *Stream) Send(data []byte) error {
	if s.GetState() != StateConnected {
		return fmt.Errorf("stream not connected: state=%s", s.GetState())
	}

	select {
	case s.sendQueue <- data:
		return nil
	case <-s.closeChan:
		return io.EOF
	default:
		return fmt.Errorf("send queue full")
	}
}

// Receive reads data from the stream
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.recvQueue:
		return data, nil
	case <-s.closeChan:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveData delivers received data to the stream (called by circuit layer)
func (s *Stream) ReceiveData(data []byte) error {
	select {
	case s.recvQueue <- data:
		return nil
	case <-s.closeChan:
		return io.EOF
	default:
		return fmt.Errorf("receive queue full")
	}
}

// Deliver hands the stream an inbound relay cell payload, dispatching on the
// relay command the same way the circuit's cell handler does for RELAY_DATA,
// RELAY_CONNECTED, and RELAY_END.
func (s *Stream) Deliver(relayCmd byte, data []byte) error {
	switch relayCmd {
	case cell.RelayConnected:
		s.SetState(StateConnected)
		return nil
	case cell.RelayEnd:
		return s.Close()
	case cell.RelayData:
		return s.ReceiveData(data)
	default:
		return fmt.Errorf("stream %d: unhandled relay command %s", s.id, cell.RelayCmdString(relayCmd))
	}
}

// SendData retrieves data to be sent (called by circuit layer)
func (s *Stream) SendData(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.sendQueue:
		return data, nil
	case <-s.closeChan:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the stream
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.SetState(StateClosed)
		s.logger.Info("Stream closed",
			"stream_id", s.id,
			"circuit_id", s.circuitID)
	})
	return nil
}

// streamKey identifies a stream by the circuit it is multiplexed over plus
// its circuit-local stream ID; stream IDs are only unique within a circuit,
// so lookups must always be scoped to both.
type streamKey struct {
	circuitID uint32
	streamID  uint16
}

// Manager manages multiple streams across circuits
type Manager struct {
	streams   map[streamKey]*Stream
	nextID    uint16
	mu        sync.RWMutex
	logger    *logger.Logger
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewManager creates a new stream manager
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Manager{
		streams:   make(map[streamKey]*Stream),
		nextID:    1,
		logger:    log.Component("stream-manager"),
		closeChan: make(chan struct{}),
	}
}

// CreateStream creates a new stream for a target
func (m *Manager) CreateStream(circuitID uint32, target string, port uint16) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closeChan:
		return nil, fmt.Errorf("manager closed")
	default:
	}

	// Allocate stream ID
	streamID := m.nextID
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1 // Skip 0
	}

	stream := NewStream(streamID, circuitID, target, port, m.logger)
	m.streams[streamKey{circuitID, streamID}] = stream

	m.logger.Info("Stream created",
		"stream_id", streamID,
		"circuit_id", circuitID,
		"target", target,
		"port", port)

	return stream, nil
}

// GetStream retrieves a stream by circuit and stream ID
func (m *Manager) GetStream(circuitID uint32, streamID uint16) (*Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[streamKey{circuitID, streamID}]
	if !exists {
		return nil, fmt.Errorf("stream not found: circuit=%d stream=%d", circuitID, streamID)
	}

	return stream, nil
}

// ByID implements circuit.StreamsManager: it resolves a circuit's inbound
// relay cell to the StreamHandle waiting for it.
func (m *Manager) ByID(circuitID uint32, streamID uint16) (circuit.StreamHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[streamKey{circuitID, streamID}]
	if !exists {
		return nil, false
	}
	return stream, true
}

// Remove implements circuit.StreamsManager, dropping a stream from
// management once the circuit has finished delivering to it (e.g. on
// RELAY_END or circuit teardown).
func (m *Manager) Remove(circuitID uint32, streamID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey{circuitID, streamID}
	stream, exists := m.streams[key]
	if !exists {
		return
	}

	stream.Close() // nolint:errcheck
	delete(m.streams, key)

	m.logger.Info("Stream removed", "stream_id", streamID, "circuit_id", circuitID)
}

// RemoveStream removes a stream from management
func (m *Manager) RemoveStream(circuitID uint32, streamID uint16) error {
	m.mu.RLock()
	_, exists := m.streams[streamKey{circuitID, streamID}]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("stream not found: circuit=%d stream=%d", circuitID, streamID)
	}

	m.Remove(circuitID, streamID)
	return nil
}

// GetStreamsForCircuit returns all streams on a circuit
func (m *Manager) GetStreamsForCircuit(circuitID uint32) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var streams []*Stream
	for key, stream := range m.streams {
		if key.circuitID == circuitID {
			streams = append(streams, stream)
		}
	}

	return streams
}

// Close closes all streams and the manager
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeChan)

		m.mu.Lock()
		defer m.mu.Unlock()

		for key, stream := range m.streams {
			// Best-effort close during shutdown - errors are logged by the stream itself
			stream.Close() // nolint:errcheck
			delete(m.streams, key)
		}

		m.logger.Info("Stream manager closed")
	})

	return nil
}

// Count returns the number of active streams
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
