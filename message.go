package meshcoap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Method is a CoAP request method.
type Method int

const (
	MethodGet Method = iota + 1
	MethodPost
	MethodPut
	MethodDelete
)

var methodNames = [...]string{
	MethodGet:    "GET",
	MethodPost:   "POST",
	MethodPut:    "PUT",
	MethodDelete: "DELETE",
}

func (m Method) String() string {
	if int(m) > 0 && int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", m)
}

// ParseMethod accepts a method name in any case.
func ParseMethod(s string) (Method, error) {
	up := strings.ToUpper(s)
	for i, name := range methodNames {
		if i > 0 && name == up {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("unknown CoAP method %q", s)
}

// Common content-format codes (RFC 7252 section 12.3).
const (
	ContentFormatTextPlain   uint16 = 0
	ContentFormatOctetStream uint16 = 42
	ContentFormatJSON        uint16 = 50
	ContentFormatCBOR        uint16 = 60
)

// MessageType is the CoAP message type of a request.
type MessageType int

const (
	NonConfirmable MessageType = iota
	Confirmable
)

func (t MessageType) String() string {
	if t == Confirmable {
		return "CON"
	}
	return "NON"
}

// Header is everything the dispatcher hands to the transport before the payload:
// type, method, URI-path options, content-format option and token. The payload
// marker is implied when the message carries a payload.
type Header struct {
	Type          MessageType
	Method        Method
	Path          []string
	ContentFormat uint16
	Token         []byte
}

// PathString renders the URI-path options as "/a/b/c".
func (h Header) PathString() string {
	return "/" + strings.Join(h.Path, "/")
}

// Request describes the exchange sent on every tick.
type Request struct {
	Method        Method
	URIPath       string
	ContentFormat uint16
	Confirmable   bool
	Payload       PayloadFunc
}

// splitURIPath turns "v2/things/abc" into URI-path option values. Empty segments
// are dropped.
func splitURIPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Inbound is a CoAP message that matched no outstanding request.
type Inbound struct {
	From       PeerAddress
	Code       string
	Path       string
	Token      []byte
	PayloadLen int
}

func (m Inbound) String() string {
	return "from=" + m.From.String() + " code=" + m.Code + " path=" + m.Path +
		" payload=" + strconv.Itoa(m.PayloadLen) + "B"
}

// generateID returns a new unique session ID.
func generateID() string {
	return uuid.New().String()
}

// generateToken returns a fresh 8-byte CoAP token drawn from a random UUID.
func generateToken() []byte {
	id := uuid.New()
	tok := make([]byte, 8)
	copy(tok, id[8:])
	return tok
}
