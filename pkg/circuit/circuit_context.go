// Package circuit provides context-aware operations for circuit management.
package circuit

import (
	"context"
	"fmt"
	"time"
)

// WaitForState blocks until the circuit reaches state or ctx is done.
//
// Example usage:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	err := circuit.WaitForState(ctx, StateConnected)
func (c *Circuit) WaitForState(ctx context.Context, state State) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.State() == state {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for state %s (current: %s): %w",
				state, c.State(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitUntilReady waits for the circuit to reach StateConnected.
func (c *Circuit) WaitUntilReady(ctx context.Context) error {
	return c.WaitForState(ctx, StateConnected)
}

// AgeWithContext returns how long the circuit has existed, or an error if the context is done.
func (c *Circuit) AgeWithContext(ctx context.Context) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		return c.Age(), nil
	}
}

// IsOlderThan returns true if the circuit is older than the specified duration.
// This is useful for implementing circuit rotation policies.
func (c *Circuit) IsOlderThan(duration time.Duration) bool {
	return c.Age() > duration
}

// CloseCircuitWithContext closes a circuit with context support for timeout/cancellation.
//
// Example usage:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	err := manager.CloseCircuitWithContext(ctx, circuitID, true)
func (m *Manager) CloseCircuitWithContext(ctx context.Context, id uint32, sendDestroy bool) error {
	done := make(chan error, 1)
	go func() {
		done <- m.CloseCircuit(id, sendDestroy)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = m.CloseCircuit(id, sendDestroy)
		return fmt.Errorf("close circuit timeout: %w", ctx.Err())
	}
}

// CreateCircuitWithContext creates a new circuit with context support.
// This allows circuit creation to be cancelled if needed.
func (m *Manager) CreateCircuitWithContext(ctx context.Context, cfg Config) (*Circuit, error) {
	done := make(chan struct {
		circuit *Circuit
		err     error
	}, 1)

	go func() {
		circuit, err := m.CreateCircuit(cfg)
		done <- struct {
			circuit *Circuit
			err     error
		}{circuit, err}
	}()

	select {
	case result := <-done:
		return result.circuit, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("create circuit cancelled: %w", ctx.Err())
	}
}

// GetCircuitsByState returns all circuits currently in the given state.
func (m *Manager) GetCircuitsByState(state State) []*Circuit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var circuits []*Circuit
	for _, circuit := range m.circuits {
		if circuit.State() == state {
			circuits = append(circuits, circuit)
		}
	}
	return circuits
}

// CountByState returns the number of circuits in the specified state.
func (m *Manager) CountByState(state State) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, circuit := range m.circuits {
		if circuit.State() == state {
			count++
		}
	}
	return count
}

// WaitForCircuitCount waits until the manager has at least minCount circuits
// in the given state, or until ctx is done.
func (m *Manager) WaitForCircuitCount(ctx context.Context, state State, minCount int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.CountByState(state) >= minCount {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d circuits in state %s: %w",
				minCount, state, ctx.Err())
		case <-ticker.C:
		}
	}
}
