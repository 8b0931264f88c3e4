// Package path provides path selection algorithms for Tor circuits.
// This package implements guard, middle, and exit node selection.
package path

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// consensusFetcher is the directory behavior Selector depends on; satisfied
// by *directory.Client and by test fakes.
type consensusFetcher interface {
	FetchConsensus(ctx context.Context) ([]*directory.Relay, error)
}

// Path is a selected 3-hop route through the network.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// Selector picks guard/middle/exit relays from the current consensus,
// applying tor-spec.txt 5's path constraints: no two hops from the same
// relay or the same /16 subnet, and flag-appropriate roles per position.
type Selector struct {
	dir    consensusFetcher
	logger *logger.Logger

	mu     sync.RWMutex
	relays []*directory.Relay
	guards []*directory.Relay
}

// NewSelector creates a Selector backed by dir. Call UpdateConsensus before
// the first SelectPath to populate it.
func NewSelector(dir consensusFetcher, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{
		dir:    dir,
		logger: log.Component("path-selector"),
	}
}

// UpdateConsensus refreshes the relay set from the directory client,
// filtering to Running+Valid relays and splitting out those with the Guard flag.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	relays, err := s.dir.FetchConsensus(ctx)
	if err != nil {
		return fmt.Errorf("path: fetch consensus: %w", err)
	}

	var valid, guards []*directory.Relay
	for _, r := range relays {
		if !hasFlag(r, "Running") || !hasFlag(r, "Valid") {
			continue
		}
		valid = append(valid, r)
		if hasFlag(r, "Guard") {
			guards = append(guards, r)
		}
	}

	s.mu.Lock()
	s.relays = valid
	s.guards = guards
	s.mu.Unlock()

	s.logger.Info("consensus updated", "relays", len(valid), "guards", len(guards))
	return nil
}

// SelectPath picks a guard, middle, and exit relay for a circuit intended to
// exit on destPort, guaranteeing all three are distinct relays in distinct /16s.
func (s *Selector) SelectPath(destPort int) (*Path, error) {
	exit, err := s.selectExit(destPort, nil)
	if err != nil {
		return nil, fmt.Errorf("path: select exit: %w", err)
	}
	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("path: select guard: %w", err)
	}
	for attempts := 0; (subnet16(guard.Address) == subnet16(exit.Address) || guard.Fingerprint == exit.Fingerprint) && attempts < 16; attempts++ {
		guard, err = s.selectGuard()
		if err != nil {
			return nil, fmt.Errorf("path: select guard: %w", err)
		}
	}
	if subnet16(guard.Address) == subnet16(exit.Address) || guard.Fingerprint == exit.Fingerprint {
		return nil, fmt.Errorf("path: select guard: no guard outside the exit's /16 subnet")
	}
	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("path: select middle: %w", err)
	}
	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard returns a uniformly random relay from the guard set.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.guards) == 0 {
		return nil, fmt.Errorf("path: no guard relays available")
	}
	idx, err := randomIndex(len(s.guards))
	if err != nil {
		return nil, err
	}
	return s.guards[idx], nil
}

// selectExit returns a relay flagged Exit, excluding guard if given. This
// package does not parse per-relay exit policies (out of scope); it filters
// on the Exit/BadExit consensus flags, leaving port-reachability retry to
// the caller.
func (s *Selector) selectExit(destPort int, guard *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*directory.Relay
	for _, r := range s.relays {
		if !hasFlag(r, "Exit") || hasFlag(r, "BadExit") {
			continue
		}
		if guard != nil && r.Fingerprint == guard.Fingerprint {
			continue
		}
		candidates = append(candidates, r)
	}
	_ = destPort // exit-policy port matching is left to the caller's retry loop
	if len(candidates) == 0 {
		return nil, fmt.Errorf("path: no suitable exit relays found")
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// selectMiddle returns a relay distinct from guard and exit and not sharing
// either one's /16 subnet, with no role-flag requirement (tor-spec.txt 5's
// middle hop may be any running relay).
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	guardSubnet, exitSubnet := subnet16(guard.Address), subnet16(exit.Address)
	var candidates []*directory.Relay
	for _, r := range s.relays {
		if r.Fingerprint == guard.Fingerprint || r.Fingerprint == exit.Fingerprint {
			continue
		}
		if subnet16(r.Address) == guardSubnet || subnet16(r.Address) == exitSubnet {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("path: no suitable middle relays found")
	}
	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// randomIndex returns a cryptographically random index in [0, n).
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("path: randomIndex requires n > 0, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("path: generate random index: %w", err)
	}
	return int(idx.Int64()), nil
}

// subnet16 returns the /16 prefix of addr's IPv4 component, or the raw
// address for anything that does not parse (such addresses only count as
// the same subnet when they are identical).
func subnet16(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return addr
	}
	return fmt.Sprintf("%d.%d", ip[0], ip[1])
}

func hasFlag(r *directory.Relay, flag string) bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
