package transport

import "context"

// Channel is one duplex link handed out by the negotiation service.
// Frames arrive in the order sent; ordering across distinct channels is
// not guaranteed. Receive blocks until a frame arrives or the channel
// fails, after which the channel is dead and must be discarded.
type Channel interface {
	// RemoteAddr is the peer's transport address as reported by the
	// negotiation service.
	RemoteAddr() string
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Listener yields inbound channels for a claimed address.
type Listener interface {
	// Accept blocks until an inbound link arrives or the listener is
	// closed, in which case it returns ErrClosed.
	Accept() (Channel, error)
	Close() error
}

// Network is the external peer-connection service that locates peers by
// their derived transport address. Negotiation and handshake details
// live behind this interface.
type Network interface {
	// Claim registers addr as this instance's inbound address. Returns
	// ErrAddressClaimed if another live session holds it.
	Claim(ctx context.Context, addr string) (Listener, error)
	// Dial opens a link to a remote address. Claim must have succeeded
	// first so the remote side can identify the caller.
	Dial(ctx context.Context, remoteAddr string) (Channel, error)
	Close() error
}
