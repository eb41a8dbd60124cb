package meshcoap

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

const defaultQueueSize = 64

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	clock           clock.Clock
	resolver        Resolver
	sink            Sink
	metrics         *Metrics
	logger          *slog.Logger
	payload         PayloadFunc
	payloadCapacity int
	queueSize       int
	externalTicks   bool
}

func sessionDefaults() sessionOptions {
	return sessionOptions{
		clock:           clock.New(),
		logger:          slog.Default(),
		payloadCapacity: DefaultPayloadCapacity,
		queueSize:       defaultQueueSize,
	}
}

// WithClock replaces the wall clock, typically with clock.NewMock() in tests.
func WithClock(c clock.Clock) SessionOption {
	return func(o *sessionOptions) {
		o.clock = c
	}
}

// WithResolver overrides the resolver derived from Config.
func WithResolver(r Resolver) SessionOption {
	return func(o *sessionOptions) {
		o.resolver = r
	}
}

// WithSink sets where diagnostic lines go. Defaults to LogDiagnostics on the session logger.
func WithSink(s Sink) SessionOption {
	return func(o *sessionOptions) {
		o.sink = s
	}
}

// WithMetrics records session metrics.
func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) {
		o.metrics = m
	}
}

// WithLogger sets the logger for debug tracing.
func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// WithPayload sets the payload builder called on every send.
func WithPayload(fn PayloadFunc) SessionOption {
	return func(o *sessionOptions) {
		o.payload = fn
	}
}

// WithPayloadCapacity bounds the payload buffer. Defaults to DefaultPayloadCapacity;
// n <= 0 keeps the default.
func WithPayloadCapacity(n int) SessionOption {
	return func(o *sessionOptions) {
		if n > 0 {
			o.payloadCapacity = n
		}
	}
}

// WithQueueSize sets the event queue depth. n <= 0 keeps the default.
func WithQueueSize(n int) SessionOption {
	return func(o *sessionOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithExternalTicks disables the built-in trigger. The caller drives the
// session through Session.Tick instead.
func WithExternalTicks() SessionOption {
	return func(o *sessionOptions) {
		o.externalTicks = true
	}
}
