package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opd-ai/go-tor/pkg/logger"
)

// circuitIDCounter hands out circuit IDs across every Manager in the
// process, mirroring the reference client's process-wide GLOBAL_CIRCUIT_ID
// (torpy's CircuitsManager keeps this at class scope, not per instance, so
// that IDs stay unique even across independently-created managers talking
// to the same guard link).
var circuitIDCounter struct {
	mu   sync.Mutex
	next uint32
}

// nextCircuitID returns a fresh, MSB-set circuit ID: tor-spec.txt 5.1
// requires the initiating side of a link to set the most significant bit
// on circuit IDs it allocates, to disambiguate from IDs the peer allocates.
func nextCircuitID() uint32 {
	circuitIDCounter.mu.Lock()
	defer circuitIDCounter.mu.Unlock()
	if circuitIDCounter.next == 0 {
		var seed [4]byte
		_, _ = rand.Read(seed[:])
		circuitIDCounter.next = binary.BigEndian.Uint32(seed[:]) | 0x1
	}
	id := circuitIDCounter.next | 0x80000000
	circuitIDCounter.next++
	return id
}

// Manager owns the set of circuits multiplexed over one guard connection:
// it allocates IDs and tracks live circuits. Inbound cell routing is done by
// the Receiver's own registration map (filled by New via Config.Receiver),
// not by the Manager.
type Manager struct {
	mu       sync.RWMutex
	circuits map[uint32]*Circuit
	closed   bool
	log      *logger.Logger
}

// NewManager creates an empty circuit manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		circuits: make(map[uint32]*Circuit),
		log:      log.Component("circuit-manager"),
	}
}

// CreateCircuit allocates a fresh circuit ID and registers an unconnected
// Circuit for it. Callers still need to call Create (and Extend/BuildHops)
// to bring it up.
func (m *Manager) CreateCircuit(cfg Config) (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("circuit: manager is closed")
	}
	id := nextCircuitID()
	for _, exists := m.circuits[id]; exists; _, exists = m.circuits[id] {
		id = nextCircuitID()
	}
	c := New(id, cfg)
	m.circuits[id] = c
	return c, nil
}

// GetCircuit returns the circuit with the given ID.
func (m *Manager) GetCircuit(id uint32) (*Circuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.circuits[id]
	if !ok {
		return nil, fmt.Errorf("circuit: no circuit with id %d", id)
	}
	return c, nil
}

// CloseCircuit destroys and removes the circuit with the given ID.
func (m *Manager) CloseCircuit(id uint32, sendDestroy bool) error {
	m.mu.Lock()
	c, ok := m.circuits[id]
	if ok {
		delete(m.circuits, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("circuit: no circuit with id %d", id)
	}
	return c.Destroy(sendDestroy)
}

// ListCircuits returns the IDs of all currently tracked circuits.
func (m *Manager) ListCircuits() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently tracked circuits.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// Close tears down every tracked circuit and marks the manager closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	circuits := make([]*Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		circuits = append(circuits, c)
	}
	m.circuits = make(map[uint32]*Circuit)
	m.mu.Unlock()

	for _, c := range circuits {
		if err := c.Destroy(true); err != nil {
			m.log.Warn("error destroying circuit on shutdown", "circuit_id", c.ID(), "error", err)
		}
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (m *Manager) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
