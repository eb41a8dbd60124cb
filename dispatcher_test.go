package meshcoap

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return buildHeader(Request{
		Method:        MethodPost,
		URIPath:       "v2/things/token",
		ContentFormat: ContentFormatJSON,
	})
}

func TestDispatcher_NoPeerSkipsTransport(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), Unspecified, testHeader(), []byte("x"))

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendNoPeer, se.Kind)
	assert.ErrorIs(t, err, ErrNoPeer)
	assert.Zero(t, tr.allocs)
	assert.Zero(t, tr.sendCalls)
}

func TestDispatcher_SendsHeaderAndPayload(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)

	require.NoError(t, d.Send(context.Background(), peerA, testHeader(), []byte(`{"v":1}`)))

	sent := tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, peerA, sent[0].peer)
	assert.Equal(t, NonConfirmable, sent[0].header.Type)
	assert.Equal(t, []string{"v2", "things", "token"}, sent[0].header.Path)
	assert.Empty(t, sent[0].header.Token)
	assert.Equal(t, `{"v":1}`, string(sent[0].payload))
	assert.Zero(t, tr.outstanding)
}

func TestDispatcher_EmptyPayloadSkipsAppend(t *testing.T) {
	tr := &fakeTransport{appendErr: errors.New("must not be called")}
	d := NewDispatcher(tr, nil)

	require.NoError(t, d.Send(context.Background(), peerA, testHeader(), nil))
	assert.Len(t, tr.sentMessages(), 1)
}

func TestDispatcher_AllocationFailure(t *testing.T) {
	tr := &fakeTransport{allocErr: ErrNoBufs}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), peerA, testHeader(), []byte("x"))

	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.ErrorIs(t, err, ErrNoBufs)
	assert.Zero(t, tr.sendCalls)
	assert.Zero(t, tr.outstanding)
}

func TestDispatcher_RejectedHeaderIsTransportError(t *testing.T) {
	tr := &fakeTransport{allocErr: &TransportFailure{Status: StatusInvalidState, Err: errors.New("unsupported method")}}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), peerA, testHeader(), []byte("x"))

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendTransportError, se.Kind)
	assert.Equal(t, StatusInvalidState, se.Code)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrAllocationFailed)
	assert.Zero(t, tr.sendCalls)
	assert.Zero(t, tr.outstanding)
}

func TestDispatcher_PayloadTooLargeReleasesBuffer(t *testing.T) {
	tr := &fakeTransport{appendErr: ErrNoCapacity}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), peerA, testHeader(), make([]byte, 2048))

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 1, tr.releases)
	assert.Zero(t, tr.outstanding)
	assert.Zero(t, tr.sendCalls)
}

func TestDispatcher_AppendOtherErrorIsTransportError(t *testing.T) {
	tr := &fakeTransport{appendErr: &TransportFailure{Status: 3, Err: errors.New("bad option")}}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), peerA, testHeader(), []byte("x"))

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendTransportError, se.Kind)
	assert.Equal(t, 3, se.Code)
	assert.Zero(t, tr.outstanding)
}

func TestDispatcher_TransportFailureReleasesBuffer(t *testing.T) {
	tr := &fakeTransport{sendErr: &TransportFailure{Status: StatusDialFailed, Err: errors.New("unreachable")}}
	d := NewDispatcher(tr, nil)

	err := d.Send(context.Background(), peerA, testHeader(), []byte("x"))

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SendTransportError, se.Kind)
	assert.Equal(t, StatusDialFailed, se.Code)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, tr.releases)
	assert.Zero(t, tr.outstanding)
}

func TestDispatcher_NoLeakUnderInjectedFailures(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, nil)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		tr.mu.Lock()
		tr.allocErr, tr.appendErr, tr.sendErr = nil, nil, nil
		switch i % 4 {
		case 1:
			tr.allocErr = ErrNoBufs
		case 2:
			tr.appendErr = ErrNoCapacity
		case 3:
			tr.sendErr = errors.New("down")
		}
		tr.mu.Unlock()

		d.Send(ctx, peerA, testHeader(), []byte("payload"))

		tr.mu.Lock()
		outstanding := tr.outstanding
		tr.mu.Unlock()
		require.Zero(t, outstanding, "iteration %d leaked a buffer", i)
	}
	assert.Len(t, tr.sentMessages(), 10)
}

func TestDispatcher_RecordsResultMetric(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	tr := &fakeTransport{}
	d := NewDispatcher(tr, m)
	ctx := context.Background()

	d.Send(ctx, peerA, testHeader(), []byte("x"))
	d.Send(ctx, Unspecified, testHeader(), []byte("x"))
	tr.appendErr = ErrNoCapacity
	d.Send(ctx, peerA, testHeader(), []byte("x"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sends.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sends.WithLabelValues("NoPeer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sends.WithLabelValues("PayloadTooLarge")))
}

func TestBuildHeader_ConfirmableGetsToken(t *testing.T) {
	h := buildHeader(Request{Method: MethodGet, URIPath: "/a/b", Confirmable: true})

	assert.Equal(t, Confirmable, h.Type)
	assert.Equal(t, MethodGet, h.Method)
	assert.Equal(t, []string{"a", "b"}, h.Path)
	assert.Len(t, h.Token, 8)
}
