// Package circuit provides circuit building functionality for the Tor protocol.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/connection"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/path"
)

// Builder drives the network side of circuit construction: dialing the
// guard and running Circuit.Create/Extend against a chosen path.Path.
type Builder struct {
	logger  *logger.Logger
	manager *Manager
	metrics *metrics.Metrics
	mu      sync.Mutex
}

// NewBuilder creates a new circuit builder. m may be nil; circuit build
// metrics are then simply not recorded.
func NewBuilder(manager *Manager, m *metrics.Metrics, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Builder{
		logger:  log.Component("builder"),
		manager: manager,
		metrics: m,
	}
}

// BuildCircuit dials p.Guard, builds the circuit's three hops in order, and
// returns it in StateConnected with all three hops established.
func (b *Builder) BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (circ *Circuit, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.RecordCircuitBuild(err == nil, time.Since(start))
		}
	}()

	b.logger.Info("building circuit",
		"guard", p.Guard.Nickname,
		"middle", p.Middle.Nickname,
		"exit", p.Exit.Nickname)

	guardRouter, err := routerFromRelay(p.Guard)
	if err != nil {
		return nil, fmt.Errorf("builder: guard: %w", err)
	}
	middleRouter, err := routerFromRelay(p.Middle)
	if err != nil {
		return nil, fmt.Errorf("builder: middle: %w", err)
	}
	exitRouter, err := routerFromRelay(p.Exit)
	if err != nil {
		return nil, fmt.Errorf("builder: exit: %w", err)
	}

	guardAddr := fmt.Sprintf("%s:%d", p.Guard.Address, p.Guard.ORPort)
	guardConn, err := b.connectToRelay(ctx, guardAddr)
	if err != nil {
		return nil, fmt.Errorf("builder: connect to guard: %w", err)
	}

	receiver := NewReceiver(guardConn, b.logger)
	circuit, err := b.manager.CreateCircuit(Config{
		Guard:    guardConn,
		Receiver: receiver,
		Log:      b.logger,
		Metrics:  b.metrics,
	})
	if err != nil {
		receiver.Stop()
		_ = guardConn.Close()
		return nil, fmt.Errorf("builder: create circuit: %w", err)
	}

	if err := circuit.Create(guardRouter, HandshakeNTOR, timeout); err != nil {
		_ = b.manager.CloseCircuit(circuit.ID(), false)
		return nil, fmt.Errorf("builder: handshake with guard: %w", err)
	}
	b.logger.Info("connected to guard", "guard", p.Guard.Nickname)

	if err := circuit.Extend(middleRouter, HandshakeNTOR, timeout); err != nil {
		_ = b.manager.CloseCircuit(circuit.ID(), true)
		return nil, fmt.Errorf("builder: extend to middle: %w", err)
	}
	b.logger.Info("extended to middle", "middle", p.Middle.Nickname)

	if err := circuit.Extend(exitRouter, HandshakeNTOR, timeout); err != nil {
		_ = b.manager.CloseCircuit(circuit.ID(), true)
		return nil, fmt.Errorf("builder: extend to exit: %w", err)
	}
	b.logger.Info("extended to exit", "exit", p.Exit.Nickname)

	b.logger.Info("circuit built successfully", "circuit_id", circuit.ID(), "hops", circuit.Length())
	return circuit, nil
}

// connectToRelay establishes a TLS connection to a relay's OR port.
func (b *Builder) connectToRelay(ctx context.Context, address string) (*connection.Connection, error) {
	cfg := connection.DefaultConfig(address)
	conn := connection.New(cfg, b.logger)

	if err := conn.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}
