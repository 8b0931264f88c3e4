package circuit

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// fakeCellSource feeds a scripted sequence of cells (or a terminal error)
// to a Receiver, one ReceiveCell() call at a time.
type fakeCellSource struct {
	mu     sync.Mutex
	cells  []*cell.Cell
	idx    int
	endErr error
}

func (f *fakeCellSource) ReceiveCell() (*cell.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx < len(f.cells) {
		c := f.cells[f.idx]
		f.idx++
		return c, nil
	}
	if f.endErr != nil {
		return nil, f.endErr
	}
	// Block forever once the script is exhausted and no terminal error was
	// configured, so the run loop doesn't spin.
	select {}
}

func TestReceiverDispatchesToRegisteredCircuit(t *testing.T) {
	src := &fakeCellSource{
		cells: []*cell.Cell{
			{CircID: 42, Command: cell.CmdCreated2, Payload: []byte("hop1")},
		},
		endErr: io.EOF,
	}
	log := logger.NewDefault()
	r := NewReceiver(src, log)
	defer r.Stop()

	delivered := make(chan *cell.Cell, 1)
	r.Register(42, func(c *cell.Cell) { delivered <- c })

	select {
	case c := <-delivered:
		if c.CircID != 42 {
			t.Errorf("delivered cell CircID = %d, want 42", c.CircID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cell delivery")
	}
}

func TestReceiverDropsCellForUnknownCircuit(t *testing.T) {
	src := &fakeCellSource{
		cells: []*cell.Cell{
			{CircID: 99, Command: cell.CmdDestroy},
		},
		endErr: io.EOF,
	}
	log := logger.NewDefault()
	r := NewReceiver(src, log)
	defer r.Stop()

	delivered := make(chan *cell.Cell, 1)
	r.Register(42, func(c *cell.Cell) { delivered <- c })

	select {
	case <-delivered:
		t.Fatal("unexpected delivery for a cell on an unregistered circuit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiverUnregisterStopsDelivery(t *testing.T) {
	src := &fakeCellSource{endErr: io.EOF}
	log := logger.NewDefault()
	r := NewReceiver(src, log)
	defer r.Stop()

	delivered := make(chan *cell.Cell, 1)
	r.Register(42, func(c *cell.Cell) { delivered <- c })
	r.Unregister(42)

	src.mu.Lock()
	src.cells = append(src.cells, &cell.Cell{CircID: 42, Command: cell.CmdDestroy})
	src.mu.Unlock()

	select {
	case <-delivered:
		t.Fatal("unexpected delivery after Unregister")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiverStopIsIdempotent(t *testing.T) {
	src := &fakeCellSource{endErr: errors.New("connection reset")}
	log := logger.NewDefault()
	r := NewReceiver(src, log)

	r.Stop()
	r.Stop() // must not panic or block a second time
}
