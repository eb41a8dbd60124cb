package meshcoap

import (
	"context"
	"sync"
)

// fakeTransport records every call and tracks buffers that were allocated but
// neither sent nor released.
type fakeTransport struct {
	mu          sync.Mutex
	allocErr    error
	appendErr   error
	sendErr     error
	allocs      int
	releases    int
	sendCalls   int
	outstanding int
	sent        []sentMessage
	handler     func(Inbound)
	closed      bool
}

type sentMessage struct {
	peer    PeerAddress
	header  Header
	payload []byte
}

type fakeMessage struct {
	t        *fakeTransport
	header   Header
	payload  []byte
	released bool
}

func (m *fakeMessage) Append(p []byte) error {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.t.appendErr != nil {
		return m.t.appendErr
	}
	m.payload = append(m.payload, p...)
	return nil
}

func (m *fakeMessage) Release() {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	m.t.releases++
	m.t.outstanding--
}

func (t *fakeTransport) NewMessage(h Header) (OutboundMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allocErr != nil {
		return nil, t.allocErr
	}
	t.allocs++
	t.outstanding++
	return &fakeMessage{t: t, header: h}, nil
}

func (t *fakeTransport) Send(ctx context.Context, msg OutboundMessage, peer PeerAddress) error {
	m := msg.(*fakeMessage)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendCalls++
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, sentMessage{peer: peer, header: m.header, payload: append([]byte(nil), m.payload...)})
	// The transport owns the buffer from here on and frees it once written.
	m.released = true
	t.outstanding--
	return nil
}

func (t *fakeTransport) SetDefaultHandler(fn func(Inbound)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) sentMessages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMessage(nil), t.sent...)
}

func (t *fakeTransport) deliver(m Inbound) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// fakeResolver answers from a queue of results, falling back to a fixed answer.
type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	results []fakeResult
	answer  Resolution
	err     error
}

type fakeResult struct {
	res Resolution
	err error
}

func (r *fakeResolver) Resolve(ctx context.Context, hostname string) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, hostname)
	if len(r.results) > 0 {
		next := r.results[0]
		r.results = r.results[1:]
		return next.res, next.err
	}
	return r.answer, r.err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// recordingSink keeps every diagnostic it receives.
type recordingSink struct {
	mu    sync.Mutex
	lines []Diagnostic
}

func (s *recordingSink) Emit(d Diagnostic) {
	s.mu.Lock()
	s.lines = append(s.lines, d)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Diagnostic(nil), s.lines...)
}

func (s *recordingSink) ofKind(k DiagnosticKind) []Diagnostic {
	var out []Diagnostic
	for _, d := range s.all() {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.lines = nil
	s.mu.Unlock()
}
