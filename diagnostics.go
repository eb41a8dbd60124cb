package meshcoap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// DiagnosticKind classifies a diagnostic line.
type DiagnosticKind int

const (
	DiagStateChanged DiagnosticKind = iota
	DiagResolutionFailed
	DiagResolved
	DiagSendFailed
	DiagPayloadFailed
	DiagUnmatchedMessage
	DiagCommissioning
)

var diagnosticKindNames = [...]string{
	DiagStateChanged:     "state_changed",
	DiagResolutionFailed: "resolution_failed",
	DiagResolved:         "resolved",
	DiagSendFailed:       "send_failed",
	DiagPayloadFailed:    "payload_failed",
	DiagUnmatchedMessage: "unmatched_message",
	DiagCommissioning:    "commissioning",
}

func (k DiagnosticKind) String() string {
	if int(k) >= 0 && int(k) < len(diagnosticKindNames) {
		return diagnosticKindNames[k]
	}
	return fmt.Sprintf("DiagnosticKind(%d)", k)
}

// Diagnostic is one line of diagnostic text plus the context it was produced in.
type Diagnostic struct {
	Time    time.Time
	Level   slog.Level
	Kind    DiagnosticKind
	Text    string
	Session string
	Role    NetworkRole
	Peer    PeerAddress
	Err     error
}

func (d Diagnostic) String() string {
	if d.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", d.Kind, d.Text, d.Err)
	}
	return fmt.Sprintf("[%s] %s", d.Kind, d.Text)
}

// Sink accepts diagnostic lines. Emit must not block the caller.
type Sink interface {
	Emit(Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Diagnostic)

func (f SinkFunc) Emit(d Diagnostic) { f(d) }

// LogDiagnostics returns a Sink that writes every diagnostic to the given logger.
func LogDiagnostics(logger *slog.Logger) SinkFunc {
	return func(d Diagnostic) {
		attrs := []slog.Attr{
			slog.String("kind", d.Kind.String()),
			slog.String("session", d.Session),
			slog.String("role", d.Role.String()),
			slog.String("peer", d.Peer.String()),
		}
		if d.Err != nil {
			attrs = append(attrs, slog.Any("error", d.Err))
		}
		logger.LogAttrs(context.Background(), d.Level, d.Text, attrs...)
	}
}

// MultiSink fans a diagnostic out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(d Diagnostic) {
	for _, s := range m {
		s.Emit(d)
	}
}

// Close closes every member that implements io.Closer.
func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
