package meshcoap

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// DefaultDNSPort is the resolver port queried by DNSResolver.
const DefaultDNSPort = 53

// Resolution is a successful hostname lookup. TTL is recorded but not enforced.
type Resolution struct {
	Address PeerAddress
	TTL     time.Duration
}

// Resolver turns the configured hostname into a peer address. Calls may overlap;
// implementations must tolerate a predecessor still being outstanding.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (Resolution, error)
}

// DNSResolver queries a single configured DNS server for AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a resolver that sends queries to server, which must be an
// IP address, optionally with a port ("[2001:4860:4860::8888]:53").
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	addr, err := resolverAddrPort(server)
	if err != nil {
		return nil, err
	}
	return &DNSResolver{
		server: addr.String(),
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

func resolverAddrPort(server string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolver address %q is not an IP address: %w", server, err)
	}
	return netip.AddrPortFrom(addr, DefaultDNSPort), nil
}

// Server returns the host:port queries are sent to.
func (r *DNSResolver) Server() string {
	return r.server
}

// Resolve sends one recursive AAAA query for hostname and returns the first answer.
func (r *DNSResolver) Resolve(ctx context.Context, hostname string) (Resolution, error) {
	if hostname == "" {
		return Resolution{}, &ResolutionError{Hostname: hostname, Reason: "empty hostname"}
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(hostname), dns.TypeAAAA)
	q.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, q, r.server)
	if err != nil {
		return Resolution{}, &ResolutionError{Hostname: hostname, Reason: "resolver unreachable", Cause: err}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Resolution{}, &ResolutionError{Hostname: hostname, Reason: rcodeName(resp.Rcode)}
	}

	for _, rr := range resp.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(aaaa.AAAA.To16())
		if !ok {
			continue
		}
		return Resolution{
			Address: PeerAddressFrom(addr),
			TTL:     time.Duration(aaaa.Hdr.Ttl) * time.Second,
		}, nil
	}
	return Resolution{}, &ResolutionError{Hostname: hostname, Reason: "no AAAA record"}
}

func rcodeName(rcode int) string {
	if name, ok := dns.RcodeToString[rcode]; ok {
		return name
	}
	return "rcode " + strconv.Itoa(rcode)
}

// StaticResolver answers every query with a fixed address, for deployments where
// the peer is known in advance.
type StaticResolver struct {
	Address PeerAddress
}

func (r StaticResolver) Resolve(ctx context.Context, hostname string) (Resolution, error) {
	if r.Address.IsUnspecified() {
		return Resolution{}, &ResolutionError{Hostname: hostname, Reason: "no fixed peer configured"}
	}
	return Resolution{Address: r.Address}, nil
}
