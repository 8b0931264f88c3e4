package circuit

import (
	"errors"
	"io"
	"sync"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// cellSource is the read side of a guard connection. *connection.Connection
// satisfies it; tests use a channel-backed fake.
type cellSource interface {
	ReceiveCell() (*cell.Cell, error)
}

// Receiver owns the single goroutine that reads cells for one circuit's
// guard connection and routes each to the circuit that owns its circuit ID.
// The reference client runs this as a selector loop over a socket plus a
// self-pipe control channel (torpy's TorReceiver); Go's goroutine-plus-
// channel scheduling replaces both the selector and the self-pipe with a
// single stop channel.
type Receiver struct {
	source cellSource
	log    *logger.Logger

	mu       sync.RWMutex
	circuits map[uint32]func(*cell.Cell)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReceiver starts the receive loop immediately in a background goroutine.
func NewReceiver(source cellSource, log *logger.Logger) *Receiver {
	r := &Receiver{
		source:   source,
		log:      log,
		circuits: make(map[uint32]func(*cell.Cell)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Register arms dispatch for circID: every cell read for that circuit ID is
// handed to deliver. Overwrites any previous registration for the same ID.
func (r *Receiver) Register(circID uint32, deliver func(*cell.Cell)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[circID] = deliver
}

// Unregister removes a circuit's dispatch entry; cells subsequently read for
// that ID are logged and dropped.
func (r *Receiver) Unregister(circID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, circID)
}

// Stop halts the receive loop and waits for it to exit. Safe to call more
// than once.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Receiver) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		c, err := r.source.ReceiveCell()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Debug("guard connection closed")
			} else {
				r.log.Warn("cell receive failed", "error", err)
			}
			return
		}

		r.mu.RLock()
		deliver, ok := r.circuits[c.CircID]
		r.mu.RUnlock()

		if !ok {
			r.log.Debug("cell for unknown circuit dropped", "circ_id", c.CircID, "command", c.Command)
			continue
		}
		deliver(c)
	}
}
