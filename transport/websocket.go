package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// relayFrame is the multiplexing envelope spoken with the relay. Every
// logical link between two addresses shares the session's single
// websocket; the relay routes frames by address.
type relayFrame struct {
	Op      string          `json:"op"` // open | opened | data | close
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	relayOpOpen   = "open"
	relayOpOpened = "opened"
	relayOpData   = "data"
	relayOpClose  = "close"
)

// WSNetwork implements Network over a websocket relay. Claim opens the
// session socket; dials and inbound links are virtual channels
// multiplexed over it, so per-link negotiation stays inside the relay.
type WSNetwork struct {
	relayURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	localAddr string
	channels  map[string]*wsChannel
	accepts   chan Channel
	pending   map[string]chan struct{}
	done      chan struct{}
	closed    bool
}

// NewWSNetwork creates a relay-backed network for one session.
func NewWSNetwork(relayURL string) *WSNetwork {
	return &WSNetwork{
		relayURL: relayURL,
		channels: make(map[string]*wsChannel),
		pending:  make(map[string]chan struct{}),
		accepts:  make(chan Channel, 16),
		done:     make(chan struct{}),
	}
}

// Claim registers addr with the relay and starts the demux loop. The
// relay answers HTTP 409 when another live session holds the address.
func (n *WSNetwork) Claim(ctx context.Context, addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return nil, fmt.Errorf("transport: address %q already claimed on this network", n.localAddr)
	}

	u, err := url.Parse(n.relayURL)
	if err != nil {
		return nil, fmt.Errorf("transport: bad relay url: %w", err)
	}
	q := u.Query()
	q.Set("addr", addr)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrAddressClaimed
		}
		return nil, fmt.Errorf("transport: relay dial: %w", err)
	}

	n.conn = conn
	n.localAddr = addr
	go n.readLoop(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Claim",
		"address":  addr,
		"relay":    n.relayURL,
	}).Info("Claimed relay address")

	return &wsListener{network: n}, nil
}

// Dial opens a virtual channel to a remote address and waits for the
// relay to confirm the far side accepted it.
func (n *WSNetwork) Dial(ctx context.Context, remoteAddr string) (Channel, error) {
	n.mu.Lock()
	if n.conn == nil {
		n.mu.Unlock()
		return nil, ErrNotStarted
	}
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := n.channels[remoteAddr]; ok {
		n.mu.Unlock()
		return existing, nil
	}
	ch := newWSChannel(n, remoteAddr)
	n.channels[remoteAddr] = ch
	ready := make(chan struct{})
	n.pending[remoteAddr] = ready
	n.mu.Unlock()

	if err := n.writeFrame(relayFrame{Op: relayOpOpen, To: remoteAddr}); err != nil {
		n.dropChannel(remoteAddr)
		return nil, err
	}

	select {
	case <-ready:
		n.mu.Lock()
		_, alive := n.channels[remoteAddr]
		n.mu.Unlock()
		if !alive {
			// The far side closed before the handshake settled.
			return nil, ErrClosed
		}
		return ch, nil
	case <-ctx.Done():
		n.dropChannel(remoteAddr)
		return nil, ctx.Err()
	}
}

// Close tears down the relay socket and every virtual channel.
func (n *WSNetwork) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conn := n.conn
	channels := make([]*wsChannel, 0, len(n.channels))
	for _, ch := range n.channels {
		channels = append(channels, ch)
	}
	n.channels = make(map[string]*wsChannel)
	close(n.done)
	n.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (n *WSNetwork) readLoop(conn *websocket.Conn) {
	for {
		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			n.mu.Lock()
			closed := n.closed
			n.mu.Unlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Relay socket failed")
				_ = n.Close()
			}
			return
		}
		n.handleFrame(frame)
	}
}

func (n *WSNetwork) handleFrame(frame relayFrame) {
	switch frame.Op {
	case relayOpOpen:
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return
		}
		accepted := true
		if _, exists := n.channels[frame.From]; !exists {
			ch := newWSChannel(n, frame.From)
			n.channels[frame.From] = ch
			select {
			case n.accepts <- ch:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "handleFrame",
					"from":     frame.From,
				}).Warn("Accept queue full, dropping inbound link")
				delete(n.channels, frame.From)
				accepted = false
			}
		}
		n.mu.Unlock()

		if accepted {
			_ = n.writeFrame(relayFrame{Op: relayOpOpened, To: frame.From})
		}
	case relayOpOpened:
		n.mu.Lock()
		ready, ok := n.pending[frame.From]
		delete(n.pending, frame.From)
		n.mu.Unlock()
		if ok {
			close(ready)
		}
	case relayOpData:
		n.mu.Lock()
		ch, ok := n.channels[frame.From]
		n.mu.Unlock()
		if ok {
			ch.deliver(frame.Payload)
		}
	case relayOpClose:
		n.dropChannel(frame.From)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"op":       frame.Op,
		}).Debug("Ignored relay frame")
	}
}

func (n *WSNetwork) writeFrame(frame relayFrame) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (n *WSNetwork) dropChannel(remoteAddr string) {
	n.mu.Lock()
	ch, ok := n.channels[remoteAddr]
	delete(n.channels, remoteAddr)
	if ready, pending := n.pending[remoteAddr]; pending {
		delete(n.pending, remoteAddr)
		close(ready)
	}
	n.mu.Unlock()
	if ok {
		ch.shutdown()
	}
}

// wsListener exposes the network's accept queue as a Listener.
type wsListener struct {
	network *WSNetwork
}

func (l *wsListener) Accept() (Channel, error) {
	select {
	case ch := <-l.network.accepts:
		return ch, nil
	case <-l.network.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Close() error {
	return l.network.Close()
}

// wsChannel is one virtual link multiplexed over the relay socket.
type wsChannel struct {
	network    *WSNetwork
	remoteAddr string

	inboxMu sync.Mutex
	inbox   chan []byte
	dead    bool
}

func newWSChannel(n *WSNetwork, remoteAddr string) *wsChannel {
	return &wsChannel{
		network:    n,
		remoteAddr: remoteAddr,
		inbox:      make(chan []byte, 64),
	}
}

func (c *wsChannel) RemoteAddr() string { return c.remoteAddr }

func (c *wsChannel) Send(frame []byte) error {
	return c.network.writeFrame(relayFrame{
		Op:      relayOpData,
		To:      c.remoteAddr,
		Payload: json.RawMessage(frame),
	})
}

func (c *wsChannel) Receive() ([]byte, error) {
	frame, ok := <-c.inbox
	if !ok {
		return nil, ErrClosed
	}
	return frame, nil
}

func (c *wsChannel) Close() error {
	_ = c.network.writeFrame(relayFrame{Op: relayOpClose, To: c.remoteAddr})
	c.network.dropChannel(c.remoteAddr)
	return nil
}

// deliver routes an inbound payload into the channel, dropping when
// the receiver has fallen behind. Senders are never blocked.
func (c *wsChannel) deliver(payload []byte) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.dead {
		return
	}
	select {
	case c.inbox <- payload:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"remote":   c.remoteAddr,
		}).Debug("Inbox full, dropped frame")
	}
}

func (c *wsChannel) shutdown() {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	close(c.inbox)
}
