package meshcoap

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// relayRecord is the JSON frame written for each diagnostic.
type relayRecord struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Kind    string    `json:"kind"`
	Text    string    `json:"text"`
	Session string    `json:"session"`
	Role    string    `json:"role"`
	Peer    string    `json:"peer"`
	Error   string    `json:"error,omitempty"`
}

func newRelayRecord(d Diagnostic) relayRecord {
	r := relayRecord{
		Time:    d.Time,
		Level:   d.Level.String(),
		Kind:    d.Kind.String(),
		Text:    d.Text,
		Session: d.Session,
		Role:    d.Role.String(),
		Peer:    d.Peer.String(),
	}
	if d.Err != nil {
		r.Error = d.Err.Error()
	}
	return r
}

// RelaySink streams diagnostics as JSON text frames to a WebSocket monitor.
// Emit never blocks: lines are buffered and dropped when the buffer is full or the
// monitor is unreachable for long enough to fill it.
type RelaySink struct {
	wsURL  string
	dialer websocket.Dialer
	logger *slog.Logger

	queue   chan Diagnostic
	dropped atomic.Uint64

	mu   sync.Mutex // protects conn
	conn *websocket.Conn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRelaySink starts a relay to wsURL holding at most buffer pending lines.
func NewRelaySink(wsURL string, buffer int, logger *slog.Logger) *RelaySink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &RelaySink{
		wsURL:  wsURL,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		queue:  make(chan Diagnostic, buffer),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *RelaySink) Emit(d Diagnostic) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.queue <- d:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded.
func (r *RelaySink) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *RelaySink) run() {
	defer r.wg.Done()
	b := newBackoff(100*time.Millisecond, 30*time.Second)

	for {
		ok := redial(r.done, b, r.connect, func(err error) {
			r.logger.Debug("diagnostics relay dial failed", "url", r.wsURL, "error", err)
		})
		if !ok {
			return
		}
		if !r.pump() {
			return
		}
	}
}

func (r *RelaySink) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
	defer cancel()

	conn, _, err := r.dialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// pump writes queued lines until a write fails (returns true to reconnect) or the
// sink is closed (returns false).
func (r *RelaySink) pump() bool {
	for {
		select {
		case <-r.done:
			return false
		case d := <-r.queue:
			if err := r.write(d); err != nil {
				r.logger.Debug("diagnostics relay write failed", "url", r.wsURL, "error", err)
				r.dropped.Add(1)
				r.closeConn()
				return true
			}
		}
	}
}

func (r *RelaySink) write(d Diagnostic) error {
	data, err := json.Marshal(newRelayRecord(d))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return websocket.ErrCloseSent
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *RelaySink) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close stops the relay and closes the connection with a normal close frame.
func (r *RelaySink) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
