package circuit_test

import "github.com/opd-ai/go-tor/pkg/cell"

// mockGuardLink is a no-op GuardLink shared by the circuit_test package's
// pool/isolation fixtures: it accepts cells without touching the network.
type mockGuardLink struct{}

func (m *mockGuardLink) SendCell(c *cell.Cell) error { return nil }
func (m *mockGuardLink) IsOpen() bool                { return true }
func (m *mockGuardLink) Address() string             { return "mock:0" }
