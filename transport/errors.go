package transport

import "errors"

var (
	// ErrNotConnected means no open link exists to the peer; the send
	// was dropped, not queued.
	ErrNotConnected = errors.New("transport: no open connection to peer")

	// ErrAddressClaimed means the address is already registered with
	// the negotiation service, typically by a second session for the
	// same account.
	ErrAddressClaimed = errors.New("transport: address already claimed")

	// ErrUnknownKind marks a frame whose kind tag is not part of the
	// wire protocol. Such frames are ignored by receivers.
	ErrUnknownKind = errors.New("transport: unknown wire kind")

	// ErrNotStarted means the client has not claimed an address yet.
	ErrNotStarted = errors.New("transport: client not started")

	// ErrClosed means the client or channel has been shut down.
	ErrClosed = errors.New("transport: closed")
)
