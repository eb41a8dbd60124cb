package meshcoap

import (
	"encoding/json"
	"errors"
	"strconv"
)

// DefaultPayloadCapacity matches the formatting buffer of the JSON telemetry sender.
const DefaultPayloadCapacity = 64

// ErrPayloadOverflow is returned when a payload does not fit its declared capacity.
var ErrPayloadOverflow = errors.New("payload exceeds buffer capacity")

// PayloadBuffer is a bounded byte buffer. Writes past the capacity fail and leave
// the buffer unchanged.
type PayloadBuffer struct {
	buf []byte
	cap int
}

// NewPayloadBuffer returns an empty buffer holding at most capacity bytes.
func NewPayloadBuffer(capacity int) *PayloadBuffer {
	return &PayloadBuffer{buf: make([]byte, 0, capacity), cap: capacity}
}

func (b *PayloadBuffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.cap {
		return 0, ErrPayloadOverflow
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *PayloadBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *PayloadBuffer) Bytes() []byte { return b.buf }
func (b *PayloadBuffer) Len() int      { return len(b.buf) }
func (b *PayloadBuffer) Cap() int      { return b.cap }

func (b *PayloadBuffer) Reset() {
	b.buf = b.buf[:0]
}

// PayloadFunc fills buf with the payload for one request.
type PayloadFunc func(buf *PayloadBuffer) error

// RawPayload sends the same bytes on every request.
func RawPayload(p []byte) PayloadFunc {
	data := append([]byte(nil), p...)
	return func(buf *PayloadBuffer) error {
		_, err := buf.Write(data)
		return err
	}
}

// JSONValues formats a single reading as {"values":[{"key":"<key>","value":"<n>"}]},
// the body accepted by thethings.io style resources. read is called once per request.
func JSONValues(key string, read func() int) PayloadFunc {
	quoted, _ := json.Marshal(key)
	prefix := `{"values":[{"key":` + string(quoted) + `,"value":"`
	return func(buf *PayloadBuffer) error {
		out := make([]byte, 0, buf.Cap())
		out = append(out, prefix...)
		out = strconv.AppendInt(out, int64(read()), 10)
		out = append(out, `"}]}`...)
		_, err := buf.Write(out)
		return err
	}
}
