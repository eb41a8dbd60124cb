package meshcoap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/net/blockwise"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/client"
	udpMessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
	"golang.org/x/sync/semaphore"
)

// CoAP transport defaults.
const (
	DefaultCoAPPort       = 5683
	DefaultMaxBuffers     = 8
	DefaultMaxMessageSize = 1024
)

// Payloads fit one datagram, so blockwise transfer stays off. It would also
// rewrite non-confirmable requests as confirmable ones.
const blockwiseTransferTimeout = 3 * time.Second

// CoAPTransportConfig configures a CoAPTransport.
type CoAPTransportConfig struct {
	// Port on the peer. Defaults to DefaultCoAPPort.
	Port int

	// MaxBuffers bounds the messages allocated at once, sent or not.
	MaxBuffers int64

	// MaxMessageSize bounds header plus payload of one message.
	MaxMessageSize int

	Logger *slog.Logger
}

var codeForMethod = map[Method]codes.Code{
	MethodGet:    codes.GET,
	MethodPost:   codes.POST,
	MethodPut:    codes.PUT,
	MethodDelete: codes.DELETE,
}

// CoAPTransport implements Transport over go-coap UDP. It keeps one connection,
// to the most recent peer, and re-dials when the peer changes.
type CoAPTransport struct {
	cfg    CoAPTransportConfig
	bufs   *semaphore.Weighted
	pool   *pool.Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           *client.ClientConn
	connPeer       PeerAddress
	defaultHandler func(Inbound)
	closed         bool

	exchanges sync.WaitGroup
}

// NewCoAPTransport returns a transport. It does not dial until the first Send.
func NewCoAPTransport(cfg CoAPTransportConfig) *CoAPTransport {
	if cfg.Port == 0 {
		cfg.Port = DefaultCoAPPort
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = DefaultMaxBuffers
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CoAPTransport{
		cfg:    cfg,
		bufs:   semaphore.NewWeighted(cfg.MaxBuffers),
		pool:   pool.New(uint32(cfg.MaxBuffers), uint16(cfg.MaxMessageSize)),
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// coapMessage is one allocated request.
type coapMessage struct {
	t        *CoAPTransport
	req      *pool.Message
	header   Header
	payload  []byte
	capacity int

	releaseOnce sync.Once
}

func (m *coapMessage) Append(p []byte) error {
	if len(m.payload)+len(p) > m.capacity {
		return ErrNoCapacity
	}
	m.payload = append(m.payload, p...)
	return nil
}

func (m *coapMessage) Release() {
	m.releaseOnce.Do(func() {
		m.t.pool.ReleaseMessage(m.req)
		m.t.bufs.Release(1)
	})
}

func (t *CoAPTransport) NewMessage(h Header) (OutboundMessage, error) {
	code, ok := codeForMethod[h.Method]
	if !ok {
		return nil, &TransportFailure{Status: StatusInvalidState, Err: fmt.Errorf("unsupported method %s", h.Method)}
	}
	room := t.cfg.MaxMessageSize - headerSize(h)
	if room < 0 {
		return nil, &TransportFailure{Status: StatusInvalidState, Err: errors.New("header exceeds message size")}
	}
	if !t.bufs.TryAcquire(1) {
		return nil, ErrNoBufs
	}

	req := t.pool.AcquireMessage(t.ctx)
	req.SetCode(code)
	if h.Type == Confirmable {
		req.SetType(udpMessage.Confirmable)
	} else {
		req.SetType(udpMessage.NonConfirmable)
	}
	if len(h.Token) > 0 {
		req.SetToken(message.Token(h.Token))
	}
	if len(h.Path) > 0 {
		if err := req.SetPath(h.PathString()); err != nil {
			t.pool.ReleaseMessage(req)
			t.bufs.Release(1)
			return nil, &TransportFailure{Status: StatusInvalidState, Err: err}
		}
	}
	req.SetContentFormat(message.MediaType(h.ContentFormat))

	return &coapMessage{t: t, req: req, header: h, capacity: room}, nil
}

// headerSize estimates the encoded size of h: fixed header, token, options and
// payload marker.
func headerSize(h Header) int {
	n := 4 + len(h.Token) + 1
	for _, seg := range h.Path {
		n += 1 + optionExtension(len(seg)) + len(seg)
	}
	n += 1 + 2 // content-format option, up to two value bytes
	return n
}

func optionExtension(length int) int {
	switch {
	case length >= 269:
		return 2
	case length >= 13:
		return 1
	default:
		return 0
	}
}

func (t *CoAPTransport) Send(ctx context.Context, msg OutboundMessage, peer PeerAddress) error {
	m, ok := msg.(*coapMessage)
	if !ok || m.t != t {
		return &TransportFailure{Status: StatusInvalidState, Err: errors.New("message was not allocated by this transport")}
	}

	conn, err := t.connFor(peer)
	if err != nil {
		return err
	}

	if len(m.payload) > 0 {
		m.req.SetBody(bytes.NewReader(m.payload))
	}
	m.req.SetMessageID(udpMessage.GetMID())

	if m.header.Type == Confirmable {
		// go-coap retransmits until acknowledged; that finishes in the background.
		if err := t.beginExchange(); err != nil {
			return err
		}
		go func() {
			defer t.exchanges.Done()
			defer m.Release()
			resp, err := conn.Do(m.req)
			if err != nil {
				t.logger.Warn("confirmable exchange failed", "peer", peer, "path", m.header.PathString(), "error", err)
				return
			}
			t.logger.Debug("confirmable exchange completed", "peer", peer, "code", resp.Code())
			conn.ReleaseMessage(resp)
		}()
		return nil
	}

	if err := conn.WriteMessage(m.req); err != nil {
		return &TransportFailure{Status: StatusFailed, Err: err}
	}
	m.Release()
	return nil
}

// connFor returns the connection to peer, dialing if the peer changed.
func (t *CoAPTransport) connFor(peer PeerAddress) (*client.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &TransportFailure{Status: StatusInvalidState, Err: errors.New("transport closed")}
	}
	if t.conn != nil && t.connPeer == peer {
		return t.conn, nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	target := net.JoinHostPort(peer.Addr().String(), strconv.Itoa(t.cfg.Port))
	conn, err := udp.Dial(target,
		udp.WithHandlerFunc(t.handleInbound),
		udp.WithBlockwise(false, blockwise.SZX1024, blockwiseTransferTimeout))
	if err != nil {
		return nil, &TransportFailure{Status: StatusDialFailed, Err: err}
	}
	t.conn = conn
	t.connPeer = peer
	return conn, nil
}

// beginExchange registers a confirmable exchange with Close. It fails once the
// transport is closed, so Close never waits on an exchange added after it.
func (t *CoAPTransport) beginExchange() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportFailure{Status: StatusInvalidState, Err: errors.New("transport closed")}
	}
	t.exchanges.Add(1)
	return nil
}

func (t *CoAPTransport) handleInbound(w *client.ResponseWriter, r *pool.Message) {
	t.mu.Lock()
	fn := t.defaultHandler
	from := t.connPeer
	t.mu.Unlock()

	if fn == nil {
		return
	}
	path, _ := r.Path()
	size, _ := r.BodySize()
	fn(Inbound{
		From:       from,
		Code:       r.Code().String(),
		Path:       path,
		Token:      append([]byte(nil), r.Token()...),
		PayloadLen: int(size),
	})
}

func (t *CoAPTransport) SetDefaultHandler(fn func(Inbound)) {
	t.mu.Lock()
	t.defaultHandler = fn
	t.mu.Unlock()
}

// Close cancels confirmable exchanges, waits for them and closes the connection.
func (t *CoAPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.exchanges.Wait()
	return err
}
