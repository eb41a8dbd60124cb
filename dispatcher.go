package meshcoap

import (
	"context"
	"errors"
)

// Dispatcher builds and sends a single CoAP request per call.
// Requests are fire-and-forget: nothing waits for a response.
type Dispatcher struct {
	transport Transport
	metrics   *Metrics
}

// NewDispatcher returns a dispatcher sending over t. m may be nil.
func NewDispatcher(t Transport, m *Metrics) *Dispatcher {
	return &Dispatcher{transport: t, metrics: m}
}

// Send builds the request described by h and payload and hands it to the transport.
// Every error is a *SendError. No buffer is left allocated when Send fails.
func (d *Dispatcher) Send(ctx context.Context, peer PeerAddress, h Header, payload []byte) error {
	err := d.send(ctx, peer, h, payload)
	d.metrics.observeSend(err)
	return err
}

func (d *Dispatcher) send(ctx context.Context, peer PeerAddress, h Header, payload []byte) error {
	if peer.IsUnspecified() {
		return &SendError{Kind: SendNoPeer, Peer: peer}
	}

	msg, err := d.transport.NewMessage(h)
	if err != nil {
		if errors.Is(err, ErrNoBufs) {
			return &SendError{Kind: SendAllocationFailed, Peer: peer, Cause: err}
		}
		return &SendError{Kind: SendTransportError, Code: transportCode(err), Peer: peer, Cause: err}
	}

	if len(payload) > 0 {
		if err := msg.Append(payload); err != nil {
			msg.Release()
			if errors.Is(err, ErrNoCapacity) {
				return &SendError{Kind: SendPayloadTooLarge, Peer: peer, Cause: err}
			}
			return &SendError{Kind: SendTransportError, Code: transportCode(err), Peer: peer, Cause: err}
		}
	}

	if err := d.transport.Send(ctx, msg, peer); err != nil {
		msg.Release()
		return &SendError{Kind: SendTransportError, Code: transportCode(err), Peer: peer, Cause: err}
	}
	return nil
}

// buildHeader turns the configured request into a protocol header. Confirmable
// requests get a fresh token.
func buildHeader(req Request) Header {
	h := Header{
		Type:          NonConfirmable,
		Method:        req.Method,
		Path:          splitURIPath(req.URIPath),
		ContentFormat: req.ContentFormat,
	}
	if req.Confirmable {
		h.Type = Confirmable
		h.Token = generateToken()
	}
	return h
}
