package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle of a link.
//
// Dialing -> Open -> Closed. Closed is terminal: the connection is
// removed from the live mapping immediately and a new dial must create
// a fresh Connection.
type ConnectionState uint8

const (
	StateDialing ConnectionState = iota
	StateOpen
	StateClosed
)

// String returns the state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live link to a peer, keyed by peer id in the
// client's mapping. At most one exists per peer at a time.
type Connection struct {
	peerID string
	ch     Channel

	mu    sync.Mutex
	state ConnectionState
}

func newConnection(peerID string, ch Channel, state ConnectionState) *Connection {
	return &Connection{peerID: peerID, ch: ch, state: state}
}

// PeerID returns the account id of the remote peer.
func (c *Connection) PeerID() string { return c.peerID }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the link accepts sends.
func (c *Connection) IsOpen() bool { return c.State() == StateOpen }

// open completes the handshake: the channel is attached and the state
// moves to Open in one step.
func (c *Connection) open(ch Channel) {
	c.mu.Lock()
	c.ch = ch
	c.state = StateOpen
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "open",
		"peer_id":  c.peerID,
	}).Debug("Connection state changed to open")
}

// send frames a wire message onto the channel if the link is open.
func (c *Connection) send(m WireMessage) error {
	c.mu.Lock()
	ch := c.ch
	isOpen := c.state == StateOpen
	c.mu.Unlock()

	if !isOpen {
		return ErrNotConnected
	}
	frame, err := encodeWire(m)
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

// close tears the link down. Safe to call more than once.
func (c *Connection) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}
