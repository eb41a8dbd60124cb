package meshcoap

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticKind_String(t *testing.T) {
	assert.Equal(t, "resolution_failed", DiagResolutionFailed.String())
	assert.Equal(t, "DiagnosticKind(42)", DiagnosticKind(42).String())
}

func TestDiagnostic_String(t *testing.T) {
	d := Diagnostic{Kind: DiagSendFailed, Text: "failed to send CoAP request", Err: errors.New("boom")}
	assert.Equal(t, "[send_failed] failed to send CoAP request: boom", d.String())

	d.Err = nil
	assert.Equal(t, "[send_failed] failed to send CoAP request", d.String())
}

func TestLogDiagnostics_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := LogDiagnostics(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(Diagnostic{
		Level:   slog.LevelWarn,
		Kind:    DiagResolutionFailed,
		Text:    "DNS response error for coap.example.com",
		Session: "s-1",
		Role:    RoleChild,
		Err:     errors.New("NXDOMAIN"),
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "DNS response error for coap.example.com", rec["msg"])
	assert.Equal(t, "resolution_failed", rec["kind"])
	assert.Equal(t, "s-1", rec["session"])
	assert.Equal(t, "child", rec["role"])
	assert.Equal(t, "::", rec["peer"])
	assert.Equal(t, "NXDOMAIN", rec["error"])
}

func TestLogDiagnostics_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := LogDiagnostics(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	sink.Emit(Diagnostic{Level: slog.LevelInfo, Kind: DiagResolved, Text: "resolved"})

	assert.Empty(t, buf.String())
}

type closingSink struct {
	recordingSink
	err    error
	closed bool
}

func (c *closingSink) Close() error {
	c.closed = true
	return c.err
}

func TestMultiSink_FansOutAndClosesAll(t *testing.T) {
	plain := &recordingSink{}
	first := &closingSink{err: errors.New("first")}
	second := &closingSink{err: errors.New("second")}
	m := MultiSink{plain, first, second}

	m.Emit(Diagnostic{Kind: DiagResolved, Text: "x"})

	assert.Len(t, plain.all(), 1)
	assert.Len(t, first.all(), 1)
	assert.Len(t, second.all(), 1)

	err := m.Close()
	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.ErrorContains(t, err, "first")
	assert.ErrorContains(t, err, "second")
}
