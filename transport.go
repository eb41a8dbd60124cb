package meshcoap

import "context"

// Transport is the CoAP layer the dispatcher builds requests on.
// The current implementation uses go-coap over UDP (coap_transport.go).
type Transport interface {
	// NewMessage allocates a message buffer carrying the given header.
	// It returns ErrNoBufs when no buffer is available.
	NewMessage(h Header) (OutboundMessage, error)

	// Send hands msg to the network. On success the transport owns msg;
	// on error the caller still owns it and must Release it.
	Send(ctx context.Context, msg OutboundMessage, peer PeerAddress) error

	// SetDefaultHandler registers the callback for inbound messages that match
	// no outstanding request.
	SetDefaultHandler(fn func(Inbound))

	// Close releases sockets and outstanding buffers.
	Close() error
}

// OutboundMessage is an allocated, not yet sent, CoAP message.
type OutboundMessage interface {
	// Append adds payload bytes. It returns ErrNoCapacity when the message
	// cannot hold them.
	Append(p []byte) error

	// Release returns the buffer to the transport. Calling it twice is a no-op.
	Release()
}
