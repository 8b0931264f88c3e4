package circuit

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
)

// fakeHSIntroduction stands in for pkg/onion's introductionAdapter: it
// returns a canned CircuitNode (or error) from Connect without driving a
// second circuit's real INTRODUCE1/INTRODUCE_ACK wire exchange, which is
// exercised separately by TestSendIntroduce1Success/Rejected below.
type fakeHSIntroduction struct {
	node *CircuitNode
	err  error
}

func (f *fakeHSIntroduction) Connect(rend *Router, cookie [20]byte, timeout time.Duration) (*CircuitNode, error) {
	return f.node, f.err
}

// fakeHSDirectory returns canned introductions, or an error (typically
// ErrDescriptorUnavailable) to exercise the directory-walk fallthrough.
type fakeHSDirectory struct {
	intros []HSIntroduction
	err    error
}

func (f *fakeHSDirectory) Introductions(serviceID string) ([]HSIntroduction, error) {
	return f.intros, f.err
}

// fakeHSConnector returns canned directories and counts calls, so tests can
// assert the idempotence short-circuit never re-enumerates them.
type fakeHSConnector struct {
	dirs  []HSDirectory
	calls int32
}

func (f *fakeHSConnector) Directories(serviceID string) ([]HSDirectory, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.dirs, nil
}

// testCryptoNode builds a CircuitNode with a live (if arbitrary) crypto
// state, so sendRelay's EncryptForward succeeds without driving a real
// NTOR/TAP handshake.
func testCryptoNode(t *testing.T) *CircuitNode {
	t.Helper()
	cs, err := crypto.NewCryptoState(make([]byte, 72))
	if err != nil {
		t.Fatalf("NewCryptoState: %v", err)
	}
	n := NewCircuitNode(&Router{Nickname: "rend", Address: "198.51.100.1", ORPort: 9001}, HandshakeNTOR)
	n.cryptoState = cs
	return n
}

func connectedCircuitWithNode(t *testing.T, hsConn HiddenServiceConnector) *Circuit {
	t.Helper()
	c := New(1, Config{Guard: &mockGuardLink{}, HiddenSvc: hsConn})
	c.nodes = append(c.nodes, testCryptoNode(t))
	MarkConnectedForTesting(c)
	return c
}

// answerOnce dispatches a canned relay cell as soon as ExtendToHidden/
// SendIntroduce1 has subscribed a matching waiter, standing in for the
// peer's ESTABLISH_RENDEZVOUS/INTRODUCE1 response.
func answerOnce(c *Circuit, relayCmd byte, payload []byte) {
	go func() {
		for i := 0; i < 200; i++ {
			if c.handler.dispatch(receivedCell{cmd: cell.CmdRelay, relayCmd: relayCmd, payload: payload}) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestExtendToHiddenRequiresConnector(t *testing.T) {
	c := New(1, Config{Guard: &mockGuardLink{}})
	MarkConnectedForTesting(c)
	if err := c.ExtendToHidden("svc.onion", time.Second); err == nil {
		t.Fatal("expected error with no hidden-service connector configured")
	}
}

func TestExtendToHiddenSuccessAndIdempotence(t *testing.T) {
	intro := &fakeHSIntroduction{node: testCryptoNode(t)}
	dir := &fakeHSDirectory{intros: []HSIntroduction{intro}}
	conn := &fakeHSConnector{dirs: []HSDirectory{dir}}

	c := connectedCircuitWithNode(t, conn)
	answerOnce(c, cell.RelayRendezvousEstablished, nil)

	if err := c.ExtendToHidden("svc.onion", time.Second); err != nil {
		t.Fatalf("ExtendToHidden() error = %v", err)
	}
	if c.Length() != 2 {
		t.Errorf("Length() = %d, want 2 (rendezvous point + introduction)", c.Length())
	}

	// A repeat call for the same service must short-circuit before ever
	// touching the connector again.
	if err := c.ExtendToHidden("svc.onion", time.Second); err != nil {
		t.Fatalf("repeat ExtendToHidden() error = %v", err)
	}
	if calls := atomic.LoadInt32(&conn.calls); calls != 1 {
		t.Errorf("Directories() called %d times on repeat, want 1", calls)
	}

	// A different service ID must fail rather than silently re-associate.
	if err := c.ExtendToHidden("other.onion", time.Second); !errors.Is(err, ErrAlreadyAssociated) {
		t.Errorf("ExtendToHidden() with different service = %v, want ErrAlreadyAssociated", err)
	}
}

func TestExtendToHiddenSkipsUnavailableDirectory(t *testing.T) {
	badDir := &fakeHSDirectory{err: ErrDescriptorUnavailable}
	goodIntro := &fakeHSIntroduction{node: testCryptoNode(t)}
	goodDir := &fakeHSDirectory{intros: []HSIntroduction{goodIntro}}
	conn := &fakeHSConnector{dirs: []HSDirectory{badDir, goodDir}}

	c := connectedCircuitWithNode(t, conn)
	answerOnce(c, cell.RelayRendezvousEstablished, nil)

	if err := c.ExtendToHidden("svc.onion", time.Second); err != nil {
		t.Fatalf("ExtendToHidden() error = %v, want directory fallthrough to succeed", err)
	}
}

func TestExtendToHiddenExhaustedReturnsUnreachable(t *testing.T) {
	badDir := &fakeHSDirectory{err: ErrDescriptorUnavailable}
	conn := &fakeHSConnector{dirs: []HSDirectory{badDir}}

	c := connectedCircuitWithNode(t, conn)
	answerOnce(c, cell.RelayRendezvousEstablished, nil)

	err := c.ExtendToHidden("svc.onion", time.Second)
	if !errors.Is(err, ErrHiddenServiceUnreachable) {
		t.Errorf("ExtendToHidden() error = %v, want ErrHiddenServiceUnreachable", err)
	}
}

func TestSendIntroduce1Success(t *testing.T) {
	c := connectedCircuitWithNode(t, nil)
	intro := &Router{Nickname: "intro", Address: "203.0.113.1", ORPort: 9001}
	rend := &Router{Nickname: "rend", Address: "198.51.100.1", ORPort: 9001}

	answerOnce(c, cell.RelayIntroduceAck, nil)

	if err := c.SendIntroduce1(intro, rend, []byte("pubkey"), [20]byte{}, time.Second); err != nil {
		t.Fatalf("SendIntroduce1() error = %v", err)
	}
}

func TestSendIntroduce1Rejected(t *testing.T) {
	c := connectedCircuitWithNode(t, nil)
	intro := &Router{Nickname: "intro", Address: "203.0.113.1", ORPort: 9001}
	rend := &Router{Nickname: "rend", Address: "198.51.100.1", ORPort: 9001}

	answerOnce(c, cell.RelayIntroduceAck, []byte{0x00, 0x01})

	if err := c.SendIntroduce1(intro, rend, []byte("pubkey"), [20]byte{}, time.Second); err == nil {
		t.Fatal("expected error for a rejected INTRODUCE_ACK")
	}
}
