package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemFabric is an in-process negotiation service: every node claimed on
// the same fabric can dial every other by address. It backs the test
// suite and any embedded multi-session setup that needs no relay.
type MemFabric struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

// NewMemFabric creates an empty fabric.
func NewMemFabric() *MemFabric {
	return &MemFabric{nodes: make(map[string]*memNode)}
}

// Network returns a Network bound to this fabric for one session.
func (f *MemFabric) Network() Network {
	return &memNetwork{fabric: f}
}

func (f *MemFabric) claim(addr string, node *memNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.nodes[addr]; taken {
		return ErrAddressClaimed
	}
	f.nodes[addr] = node
	return nil
}

func (f *MemFabric) release(addr string) {
	f.mu.Lock()
	delete(f.nodes, addr)
	f.mu.Unlock()
}

func (f *MemFabric) lookup(addr string) (*memNode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[addr]
	return node, ok
}

// memNetwork is one session's view of the fabric.
type memNetwork struct {
	fabric *MemFabric

	mu   sync.Mutex
	node *memNode
}

func (n *memNetwork) Claim(ctx context.Context, addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.node != nil {
		return nil, fmt.Errorf("transport: address %q already claimed on this network", n.node.addr)
	}

	node := &memNode{
		addr:    addr,
		fabric:  n.fabric,
		accepts: make(chan Channel, 16),
		done:    make(chan struct{}),
	}
	if err := n.fabric.claim(addr, node); err != nil {
		return nil, err
	}
	n.node = node
	return node, nil
}

func (n *memNetwork) Dial(ctx context.Context, remoteAddr string) (Channel, error) {
	n.mu.Lock()
	node := n.node
	n.mu.Unlock()

	if node == nil {
		return nil, ErrNotStarted
	}

	remote, ok := n.fabric.lookup(remoteAddr)
	if !ok {
		return nil, fmt.Errorf("transport: no peer at address %q", remoteAddr)
	}

	local, far := newMemChannelPair(node.addr, remoteAddr)
	if err := remote.push(far); err != nil {
		return nil, err
	}
	return local, nil
}

func (n *memNetwork) Close() error {
	n.mu.Lock()
	node := n.node
	n.node = nil
	n.mu.Unlock()

	if node != nil {
		return node.Close()
	}
	return nil
}

// memNode is a claimed address on the fabric; it doubles as Listener.
type memNode struct {
	addr    string
	fabric  *MemFabric
	accepts chan Channel
	done    chan struct{}
	once    sync.Once
}

func (n *memNode) Accept() (Channel, error) {
	select {
	case ch := <-n.accepts:
		return ch, nil
	case <-n.done:
		return nil, ErrClosed
	}
}

func (n *memNode) Close() error {
	n.once.Do(func() {
		n.fabric.release(n.addr)
		close(n.done)
	})
	return nil
}

func (n *memNode) push(ch Channel) error {
	select {
	case n.accepts <- ch:
		return nil
	case <-n.done:
		return ErrClosed
	}
}

// memPair is the shared state of one in-memory link: two directed
// frame queues and a single closed flag. Closing either end tears the
// whole link down, matching how a real channel close/error behaves.
type memPair struct {
	mu     sync.Mutex
	closed bool
	ab     chan []byte
	ba     chan []byte
}

func (p *memPair) send(dir chan []byte, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	// Frames are copied so callers can reuse their buffers.
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case dir <- buf:
		return nil
	default:
		return fmt.Errorf("transport: in-memory link backlogged")
	}
}

func (p *memPair) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ab)
	close(p.ba)
}

// memChannel is one end of a paired in-memory link.
type memChannel struct {
	remoteAddr string
	pair       *memPair
	out        chan []byte
	in         chan []byte
}

// newMemChannelPair wires two ends together. localAddr is what the far
// end sees as its remote address, and vice versa.
func newMemChannelPair(localAddr, remoteAddr string) (*memChannel, *memChannel) {
	pair := &memPair{
		ab: make(chan []byte, 64),
		ba: make(chan []byte, 64),
	}
	local := &memChannel{remoteAddr: remoteAddr, pair: pair, out: pair.ab, in: pair.ba}
	far := &memChannel{remoteAddr: localAddr, pair: pair, out: pair.ba, in: pair.ab}
	return local, far
}

func (c *memChannel) RemoteAddr() string { return c.remoteAddr }

func (c *memChannel) Send(frame []byte) error {
	return c.pair.send(c.out, frame)
}

func (c *memChannel) Receive() ([]byte, error) {
	frame, ok := <-c.in
	if !ok {
		return nil, ErrClosed
	}
	return frame, nil
}

func (c *memChannel) Close() error {
	c.pair.shutdown()
	return nil
}
