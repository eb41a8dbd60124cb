package meshcoap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Session keeps one peer address current and sends the configured request to it
// on every tick.
//
// Mesh notifications, resolution results, ticks and unmatched inbound messages are
// posted to one queue and handled in order by a single goroutine. Handlers never block
// on the network: resolution runs in its own goroutine and reports back through the
// queue.
type Session struct {
	cfg        Config
	req        Request
	mesh       Mesh
	resolver   Resolver
	transport  Transport
	dispatcher *Dispatcher
	sink       Sink
	resources  *resourceRegistry
	metrics    *Metrics
	clock      clock.Clock
	logger     *slog.Logger
	external   bool
	id         string

	events chan event
	group  errgroup.Group

	// Owned by the event loop.
	store peerStore
	role  NetworkRole
	buf   *PayloadBuffer

	snapshot atomic.Pointer[Snapshot]

	mu      sync.Mutex
	started bool
	closed  bool
	done    <-chan struct{}
	cancel  context.CancelFunc
}

// Snapshot is a read-only view of the session, refreshed after every event.
type Snapshot struct {
	Session    string
	Role       NetworkRole
	Peer       PeerAddress
	Generation uint64
}

type event interface{}

type stateChangedEvent struct {
	flags StateFlags
	role  NetworkRole
}

type resolvedEvent struct {
	gen      uint64
	hostname string
	res      Resolution
	err      error
}

type tickEvent struct{}

type inboundEvent struct {
	msg Inbound
}

// NewSession creates a session. It does not touch the network until Start.
func NewSession(cfg Config, mesh Mesh, transport Transport, opts ...SessionOption) (*Session, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mesh == nil {
		return nil, errors.New("Mesh must not be nil")
	}
	if transport == nil {
		return nil, errors.New("Transport must not be nil")
	}

	o := sessionDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	if o.resolver == nil {
		o.resolver, err = defaultResolver(resolved)
		if err != nil {
			return nil, err
		}
	}
	if o.sink == nil {
		o.sink = LogDiagnostics(o.logger)
	}

	req := resolved.request()
	if o.payload != nil {
		req.Payload = o.payload
	}

	s := &Session{
		cfg:        resolved,
		req:        req,
		mesh:       mesh,
		resolver:   o.resolver,
		transport:  transport,
		dispatcher: NewDispatcher(transport, o.metrics),
		sink:       o.sink,
		resources:  newResourceRegistry(),
		metrics:    o.metrics,
		clock:      o.clock,
		logger:     o.logger,
		external:   o.externalTicks,
		id:         generateID(),
		events:     make(chan event, o.queueSize),
		buf:        NewPayloadBuffer(o.payloadCapacity),
		role:       mesh.Role(),
	}
	s.publish()
	return s, nil
}

func defaultResolver(cfg Config) (Resolver, error) {
	if cfg.Peer != "" {
		addr, err := ParsePeerAddress(cfg.Peer)
		if err != nil {
			return nil, err
		}
		return StaticResolver{Address: addr}, nil
	}
	return NewDNSResolver(cfg.ResolverAddr, cfg.ResolveTimeout)
}

// ID returns the session's unique ID, attached to every diagnostic.
func (s *Session) ID() string {
	return s.id
}

// HandleResource serves inbound messages for path with fn. Messages for paths
// without a handler are reported as unmatched.
func (s *Session) HandleResource(path string, fn ResourceHandler) error {
	return s.resources.register(path, fn)
}

// Snapshot returns the state as of the last handled event.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Start applies the commissioning rule, subscribes to mesh and transport callbacks
// and starts the event loop and trigger. It returns once they are running.
// A Close that lands while commissioning is in progress makes Start return
// ErrSessionClosed without starting anything.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.done = runCtx.Done()
	s.cancel = cancel
	s.mu.Unlock()

	if ShouldCommission(s.mesh.Commissioned(), s.cfg.AutoCommission) {
		s.emit(Diagnostic{Level: slog.LevelInfo, Kind: DiagCommissioning, Text: "commissioning device"})
		if err := s.mesh.Commission(ctx); err != nil {
			s.abortStart(cancel)
			return fmt.Errorf("commission: %w", err)
		}
		s.role = s.mesh.Role()
		s.publish()
	}

	s.transport.SetDefaultHandler(func(m Inbound) {
		s.post(inboundEvent{msg: m})
	})
	s.mesh.SetStateChangedCallback(func(flags StateFlags) {
		s.post(stateChangedEvent{flags: flags, role: s.mesh.Role()})
	})

	// Close waits on the group, so goroutines are only added while it cannot
	// have started waiting.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	s.logger.Info("session starting",
		"session", s.id,
		"hostname", s.cfg.Hostname,
		"peer", s.cfg.Peer,
		"path", s.cfg.URIPath,
		"interval", s.cfg.Interval,
		"resources", s.resources.paths(),
		"role", s.role)

	s.group.Go(func() error {
		s.run(runCtx)
		return nil
	})
	if !s.external {
		trigger := NewTrigger(s.clock, s.cfg.Interval, s.postTick)
		s.group.Go(func() error {
			trigger.Run(runCtx)
			return nil
		})
	}

	return nil
}

// abortStart undoes the claim Start took, so a failed Start can be retried.
func (s *Session) abortStart(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.started = false
	s.cancel = nil
}

// Close stops the loop, waits for outstanding resolutions and closes the transport
// and any sink that implements io.Closer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.group.Wait()

	err := s.transport.Close()
	if c, ok := s.sink.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// NotifyStateChanged delivers a mesh notification, for drivers that do not go
// through Mesh.SetStateChangedCallback.
func (s *Session) NotifyStateChanged(flags StateFlags, role NetworkRole) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.post(stateChangedEvent{flags: flags, role: role})
	return nil
}

// Tick delivers one timer tick. Used with WithExternalTicks.
func (s *Session) Tick() error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.postTick()
	return nil
}

func (s *Session) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// post queues ev, waiting for room unless the session stops first.
func (s *Session) post(ev event) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-done:
	}
}

// postTick queues a tick unless the queue is full. Ticks are never backlogged.
func (s *Session) postTick() {
	select {
	case s.events <- tickEvent{}:
	default:
		s.logger.Debug("tick dropped, event queue full", "session", s.id)
	}
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case stateChangedEvent:
		s.handleStateChanged(ev.flags, ev.role)
	case resolvedEvent:
		s.handleResolved(ev)
	case tickEvent:
		s.handleTick(ctx)
	case inboundEvent:
		s.handleInbound(ev.msg)
	}
	s.publish()
}

// handleStateChanged forgets the peer when the device loses its role or moves to
// another partition. Other transitions leave the peer alone.
func (s *Session) handleStateChanged(flags StateFlags, role NetworkRole) {
	s.role = role
	s.metrics.observeRole(role)

	if flags.Has(FlagRoleChanged) && !role.attached() {
		s.store.reset()
		s.metrics.observeReset("role")
	}
	if flags.Has(FlagPartitionIDChanged) {
		s.store.reset()
		s.metrics.observeReset("partition")
	}

	s.emit(Diagnostic{
		Level: slog.LevelInfo,
		Kind:  DiagStateChanged,
		Text:  fmt.Sprintf("state changed: flags=0x%08x role=%s", uint32(flags), role),
	})
}

func (s *Session) handleResolved(ev resolvedEvent) {
	s.metrics.observeResolution(ev.err)
	if ev.err != nil {
		s.emit(Diagnostic{
			Level: slog.LevelWarn,
			Kind:  DiagResolutionFailed,
			Text:  "DNS response error for " + ev.hostname,
			Err:   ev.err,
		})
		return
	}

	if !s.store.set(ev.res.Address, ev.gen) {
		s.metrics.observeStale()
		s.logger.Debug("discarding stale resolution",
			"session", s.id,
			"hostname", ev.hostname,
			"address", ev.res.Address,
			"issued_gen", ev.gen,
			"current_gen", s.store.generation())
		return
	}

	s.emit(Diagnostic{
		Level: slog.LevelInfo,
		Kind:  DiagResolved,
		Text:  fmt.Sprintf("resolved %s to %s (ttl %s)", ev.hostname, ev.res.Address, ev.res.TTL),
	})
}

// handleTick is the whole scheduling policy: no peer means resolve, otherwise send.
// The next tick is the only retry.
func (s *Session) handleTick(ctx context.Context) {
	peer := s.store.current()
	s.logger.Debug("tick", "session", s.id, "role", s.role, "peer", peer)

	if peer.IsUnspecified() {
		s.startResolve(ctx)
		return
	}

	s.buf.Reset()
	if s.req.Payload != nil {
		if err := s.req.Payload(s.buf); err != nil {
			s.emit(Diagnostic{
				Level: slog.LevelWarn,
				Kind:  DiagPayloadFailed,
				Text:  "failed to build payload",
				Err:   err,
			})
			return
		}
	}

	if err := s.dispatcher.Send(ctx, peer, buildHeader(s.req), s.buf.Bytes()); err != nil {
		s.emit(Diagnostic{
			Level: slog.LevelWarn,
			Kind:  DiagSendFailed,
			Text:  "failed to send CoAP request",
			Err:   err,
		})
	}
}

// startResolve runs the resolver off the loop. The result carries the generation
// current at issue time so a reset in between voids it.
func (s *Session) startResolve(ctx context.Context) {
	gen := s.store.generation()
	hostname := s.cfg.Hostname

	s.group.Go(func() error {
		res, err := s.resolver.Resolve(ctx, hostname)
		if ctx.Err() != nil {
			return nil
		}
		s.post(resolvedEvent{gen: gen, hostname: hostname, res: res, err: err})
		return nil
	})
}

func (s *Session) handleInbound(m Inbound) {
	if fn, ok := s.resources.lookup(m.Path); ok {
		s.logger.Debug("inbound message", "session", s.id, "from", m.From, "code", m.Code, "path", m.Path)
		fn(m)
		return
	}
	s.emit(Diagnostic{
		Level: slog.LevelInfo,
		Kind:  DiagUnmatchedMessage,
		Text:  "received CoAP message that does not match any request or resource: " + m.String(),
	})
}

func (s *Session) emit(d Diagnostic) {
	d.Time = s.clock.Now()
	d.Session = s.id
	d.Role = s.role
	d.Peer = s.store.current()
	s.sink.Emit(d)
}

func (s *Session) publish() {
	s.snapshot.Store(&Snapshot{
		Session:    s.id,
		Role:       s.role,
		Peer:       s.store.current(),
		Generation: s.store.generation(),
	})
}
