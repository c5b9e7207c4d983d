// Package transport maintains direct logical links between peers and
// moves typed wire messages across them, independent of the discovery
// registry. Peers are located by an address derived from the account
// id alone (prefix + id), so a stale registry never blocks dialing.
//
// Delivery is at-most-once and best-effort: a send without an open link
// is dropped, never queued. Reconnection is the caller's concern.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

// MessageHandler receives inbound chat messages.
type MessageHandler func(chatID string, msg types.Message)

// TypingHandler receives inbound typing indicators.
type TypingHandler func(chatID, userID string, isTyping bool)

// PostHandler receives inbound post broadcasts.
type PostHandler func(post types.Post)

// Options configures a transport client.
type Options struct {
	// AddressPrefix derives transport addresses: prefix + account id.
	AddressPrefix string
	// Network is the negotiation service used to claim an address and
	// dial peers.
	Network Network
	// Synthetic marks peer ids that are not dialable (for example
	// assistant-simulated identities); Dial treats them as a no-op.
	// Nil means every peer is dialable.
	Synthetic func(peerID string) bool
}

// Client owns the live connection mapping for one session.
type Client struct {
	prefix    string
	network   Network
	synthetic func(string) bool

	mu        sync.RWMutex
	selfID    string
	localAddr string
	degraded  bool
	started   bool
	closed    bool
	conns     map[string]*Connection

	subMu       sync.Mutex
	nextSubID   int
	messageSubs []subscriber[MessageHandler]
	typingSubs  []subscriber[TypingHandler]
	postSubs    []subscriber[PostHandler]

	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type subscriber[H any] struct {
	id int
	fn H
}

// NewClient creates a transport client. Start must be called before
// dialing or sending.
func NewClient(opts Options) *Client {
	return &Client{
		prefix:    opts.AddressPrefix,
		network:   opts.Network,
		synthetic: opts.Synthetic,
		conns:     make(map[string]*Connection),
	}
}

// Address derives the canonical transport address for an account id.
func (c *Client) Address(peerID string) string {
	return c.prefix + peerID
}

// peerIDFromAddress recovers the account id from a transport address.
func (c *Client) peerIDFromAddress(addr string) (string, bool) {
	if !strings.HasPrefix(addr, c.prefix) {
		return "", false
	}
	return strings.TrimPrefix(addr, c.prefix), true
}

// Start claims this session's address and begins accepting inbound
// links. If the canonical address is already claimed by a duplicate
// session for the same account, one retry is made with a random
// suffix; the resulting instance is degraded: reachable only at the
// suffixed address, never at the canonical one.
func (c *Client) Start(ctx context.Context, selfID string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := c.Address(selfID)
	degraded := false

	listener, err := c.network.Claim(ctx, addr)
	if errors.Is(err, ErrAddressClaimed) {
		suffixed := addr + "-" + randomSuffix()
		logrus.WithFields(logrus.Fields{
			"function":  "Start",
			"canonical": addr,
			"fallback":  suffixed,
		}).Warn("Canonical address claimed by another session, falling back to suffixed address")

		listener, err = c.network.Claim(ctx, suffixed)
		if err != nil {
			return err
		}
		addr = suffixed
		degraded = true
	} else if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.selfID = selfID
	c.localAddr = addr
	c.degraded = degraded
	c.started = true
	c.closed = false
	c.listener = listener
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.acceptLoop(listener)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self_id":  selfID,
		"address":  addr,
		"degraded": degraded,
	}).Info("Transport started")
	return nil
}

// AddressDegraded reports whether this session fell back to a suffixed
// address and is unreachable at the canonical one.
func (c *Client) AddressDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// LocalAddress returns the address this session actually claimed.
func (c *Client) LocalAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localAddr
}

// Dial opens a link to a peer. A no-op when a live connection already
// exists or the peer is synthetic. The new connection occupies the
// mapping slot immediately so a concurrent dial cannot duplicate it.
func (c *Client) Dial(ctx context.Context, peerID string) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.synthetic != nil && c.synthetic(peerID) {
		c.mu.Unlock()
		return nil
	}
	if _, exists := c.conns[peerID]; exists {
		c.mu.Unlock()
		return nil
	}
	conn := newConnection(peerID, nil, StateDialing)
	c.conns[peerID] = conn
	c.mu.Unlock()

	ch, err := c.network.Dial(ctx, c.Address(peerID))
	if err != nil {
		c.remove(conn)
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"peer_id":  peerID,
			"error":    err,
		}).Warn("Dial failed")
		return err
	}

	conn.open(ch)

	c.wg.Add(1)
	go c.readLoop(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"peer_id":  peerID,
	}).Info("Connection open")
	return nil
}

// Send delivers a wire message to a peer over an open link. With no
// open link the message is dropped and ErrNotConnected returned; it is
// never queued and the call never blocks on connection establishment.
func (c *Client) Send(peerID string, m WireMessage) error {
	c.mu.RLock()
	conn, exists := c.conns[peerID]
	c.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"peer_id":  peerID,
		}).Debug("Dropped send, no connection")
		return ErrNotConnected
	}
	return conn.send(m)
}

// Broadcast sends a wire message to every open connection, best effort.
func (c *Client) Broadcast(m WireMessage) {
	c.mu.RLock()
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.send(m); err != nil && !errors.Is(err, ErrNotConnected) {
			logrus.WithFields(logrus.Fields{
				"function": "Broadcast",
				"peer_id":  conn.PeerID(),
				"error":    err,
			}).Debug("Broadcast send failed")
		}
	}
}

// ConnectionCount returns the number of entries in the live mapping.
func (c *Client) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// IsConnected reports whether an open link to the peer exists.
func (c *Client) IsConnected(peerID string) bool {
	c.mu.RLock()
	conn, exists := c.conns[peerID]
	c.mu.RUnlock()
	return exists && conn.IsOpen()
}

// OnMessage registers a handler for inbound chat messages. Handlers
// run synchronously in registration order; the returned function
// removes the registration.
func (c *Client) OnMessage(h MessageHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.messageSubs = append(c.messageSubs, subscriber[MessageHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.messageSubs {
			if s.id == id {
				c.messageSubs = append(c.messageSubs[:i], c.messageSubs[i+1:]...)
				return
			}
		}
	}
}

// OnTyping registers a handler for inbound typing indicators.
func (c *Client) OnTyping(h TypingHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.typingSubs = append(c.typingSubs, subscriber[TypingHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.typingSubs {
			if s.id == id {
				c.typingSubs = append(c.typingSubs[:i], c.typingSubs[i+1:]...)
				return
			}
		}
	}
}

// OnPost registers a handler for inbound post broadcasts.
func (c *Client) OnPost(h PostHandler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.postSubs = append(c.postSubs, subscriber[PostHandler]{id: id, fn: h})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.postSubs {
			if s.id == id {
				c.postSubs = append(c.postSubs[:i], c.postSubs[i+1:]...)
				return
			}
		}
	}
}

// Close tears down the listener and every live connection. The client
// cannot be restarted; a new session builds a new client.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed || !c.started {
		c.closed = true
		c.mu.Unlock()
		return
	}
	c.closed = true
	listener := c.listener
	cancel := c.cancel
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[string]*Connection)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}
	for _, conn := range conns {
		conn.close()
	}
	c.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Transport closed")
}

// acceptLoop registers inbound links under the peer id recovered from
// the remote address.
func (c *Client) acceptLoop(listener Listener) {
	defer c.wg.Done()

	for {
		ch, err := listener.Accept()
		if err != nil {
			return
		}

		peerID, ok := c.peerIDFromAddress(ch.RemoteAddr())
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"remote":   ch.RemoteAddr(),
			}).Warn("Rejected inbound link with foreign address")
			_ = ch.Close()
			continue
		}

		conn := newConnection(peerID, ch, StateOpen)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.close()
			return
		}
		if prev, exists := c.conns[peerID]; exists {
			// One live connection per peer: the newest link wins so
			// a reconnecting peer is not stuck behind a dead entry.
			prev.close()
		}
		c.conns[peerID] = conn
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(conn)

		logrus.WithFields(logrus.Fields{
			"function": "acceptLoop",
			"peer_id":  peerID,
		}).Info("Accepted inbound connection")
	}
}

// readLoop pumps frames off one connection until it dies, then removes
// it from the mapping.
func (c *Client) readLoop(conn *Connection) {
	defer c.wg.Done()
	defer c.remove(conn)

	for {
		frame, err := conn.ch.Receive()
		if err != nil {
			return
		}

		m, err := decodeWire(frame)
		if err != nil {
			// Unknown kinds and malformed frames are ignored.
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer_id":  conn.PeerID(),
				"error":    err,
			}).Debug("Ignored inbound frame")
			continue
		}

		c.dispatch(m)
	}
}

// dispatch routes a decoded wire message to its subscribers. The
// switch is exhaustive over the sealed union.
func (c *Client) dispatch(m WireMessage) {
	switch msg := m.(type) {
	case ChatMessage:
		c.subMu.Lock()
		subs := append([]subscriber[MessageHandler](nil), c.messageSubs...)
		c.subMu.Unlock()
		for _, s := range subs {
			s.fn(msg.ChatID, msg.Message)
		}
	case TypingStatus:
		c.subMu.Lock()
		subs := append([]subscriber[TypingHandler](nil), c.typingSubs...)
		c.subMu.Unlock()
		for _, s := range subs {
			s.fn(msg.ChatID, msg.UserID, msg.IsTyping)
		}
	case PostBroadcast:
		c.subMu.Lock()
		subs := append([]subscriber[PostHandler](nil), c.postSubs...)
		c.subMu.Unlock()
		for _, s := range subs {
			s.fn(msg.Post)
		}
	}
}

// remove closes the connection and drops it from the mapping if it is
// still the registered entry for its peer.
func (c *Client) remove(conn *Connection) {
	conn.close()

	c.mu.Lock()
	if current, exists := c.conns[conn.peerID]; exists && current == conn {
		delete(c.conns, conn.peerID)
	}
	c.mu.Unlock()
}

// randomSuffix returns 4 hex characters for address collision fallback.
func randomSuffix() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
