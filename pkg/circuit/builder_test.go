package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/path"
)

func TestNewBuilder(t *testing.T) {
	log := logger.NewDefault()
	manager := NewManager(log)

	builder := NewBuilder(manager, nil, log)

	if builder == nil {
		t.Fatal("NewBuilder returned nil")
	}

	if builder.logger == nil {
		t.Error("Builder logger is nil")
	}

	if builder.manager == nil {
		t.Error("Builder manager is nil")
	}

	// Test with nil logger
	builder2 := NewBuilder(manager, nil, nil)
	if builder2.logger == nil {
		t.Error("Builder should create default logger when nil is passed")
	}
}

func unreachableTestPath() *path.Path {
	return &path.Path{
		Guard: &directory.Relay{
			Nickname:    "TestGuard",
			Fingerprint: "GUARD123",
			Address:     "192.0.2.1", // TEST-NET-1, tor-spec has nothing listening here
			ORPort:      9001,
		},
		Middle: &directory.Relay{
			Nickname:    "TestMiddle",
			Fingerprint: "MIDDLE123",
			Address:     "192.0.2.2",
			ORPort:      9002,
		},
		Exit: &directory.Relay{
			Nickname:    "TestExit",
			Fingerprint: "EXIT123",
			Address:     "192.0.2.3",
			ORPort:      9003,
		},
	}
}

func TestBuildCircuitNoRelay(t *testing.T) {
	log := logger.NewDefault()
	manager := NewManager(log)
	builder := NewBuilder(manager, nil, log)

	ctx := context.Background()
	_, err := builder.BuildCircuit(ctx, unreachableTestPath(), 500*time.Millisecond)
	if err == nil {
		t.Error("expected error when building circuit without a reachable guard")
	}

	// No guard connection means no circuit is registered at all.
	if manager.Count() != 0 {
		t.Errorf("expected 0 circuits in manager after failed dial, got %d", manager.Count())
	}
}

func TestBuilderConcurrentBuilds(t *testing.T) {
	log := logger.NewDefault()
	manager := NewManager(log)
	builder := NewBuilder(manager, nil, log)

	ctx := context.Background()
	done := make(chan bool)

	for i := 0; i < 3; i++ {
		go func() {
			_, _ = builder.BuildCircuit(ctx, unreachableTestPath(), 500*time.Millisecond)
			done <- true
		}()
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("test timed out")
		}
	}
}

func TestBuildCircuitTimeout(t *testing.T) {
	log := logger.NewDefault()
	manager := NewManager(log)
	builder := NewBuilder(manager, nil, log)

	ctx := context.Background()
	_, err := builder.BuildCircuit(ctx, unreachableTestPath(), 100*time.Millisecond)
	if err == nil {
		t.Error("expected error when building circuit to unreachable addresses")
	}
}

func TestBuildCircuitContextCancelled(t *testing.T) {
	log := logger.NewDefault()
	manager := NewManager(log)
	builder := NewBuilder(manager, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := builder.BuildCircuit(ctx, unreachableTestPath(), 5*time.Second)
	if err == nil {
		t.Error("expected error when context is cancelled")
	}
}
