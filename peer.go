package meshcoap

import (
	"fmt"
	"net/netip"
)

// NetworkRole is a node's position in the Thread topology, as reported by the mesh stack.
type NetworkRole int

const (
	RoleDisabled NetworkRole = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

var roleNames = [...]string{
	RoleDisabled: "disabled",
	RoleDetached: "detached",
	RoleChild:    "child",
	RoleRouter:   "router",
	RoleLeader:   "leader",
}

func (r NetworkRole) String() string {
	if int(r) >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("NetworkRole(%d)", r)
}

// ParseNetworkRole maps a role name ("child", "leader", ...) to its NetworkRole.
func ParseNetworkRole(s string) (NetworkRole, error) {
	for i, name := range roleNames {
		if name == s {
			return NetworkRole(i), nil
		}
	}
	return RoleDisabled, fmt.Errorf("unknown network role %q", s)
}

// attached reports whether the role implies the device can reach a peer.
// Unknown roles count as detached.
func (r NetworkRole) attached() bool {
	switch r {
	case RoleChild, RoleRouter, RoleLeader:
		return true
	default:
		return false
	}
}

// StateFlags is the bitmask carried by a mesh state-change notification.
type StateFlags uint32

const (
	FlagRoleChanged        StateFlags = 1 << 0
	FlagPartitionIDChanged StateFlags = 1 << 1
)

func (f StateFlags) Has(flag StateFlags) bool {
	return f&flag != 0
}

// PeerAddress is an IPv6 address held by value. The all-zero value is Unspecified.
type PeerAddress [16]byte

// Unspecified means no peer is known.
var Unspecified PeerAddress

// ParsePeerAddress parses a textual IPv6 address. IPv4 addresses are accepted in their
// IPv4-mapped form.
func ParsePeerAddress(s string) (PeerAddress, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Unspecified, fmt.Errorf("parse peer address: %w", err)
	}
	return PeerAddressFrom(addr), nil
}

// PeerAddressFrom converts a netip.Addr, dropping any zone.
func PeerAddressFrom(addr netip.Addr) PeerAddress {
	return PeerAddress(addr.As16())
}

func (p PeerAddress) IsUnspecified() bool {
	return p == Unspecified
}

func (p PeerAddress) Addr() netip.Addr {
	return netip.AddrFrom16(p).Unmap()
}

func (p PeerAddress) String() string {
	return netip.AddrFrom16(p).String()
}

// peerStore holds the current peer. Only the event loop touches it.
//
// Every reset bumps the generation; a resolution result is applied only if it was
// issued under the generation that is still current.
type peerStore struct {
	addr PeerAddress
	gen  uint64
}

func (s *peerStore) current() PeerAddress {
	return s.addr
}

func (s *peerStore) generation() uint64 {
	return s.gen
}

func (s *peerStore) reset() {
	s.addr = Unspecified
	s.gen++
}

// set stores addr if gen still matches. It reports whether the store changed hands.
func (s *peerStore) set(addr PeerAddress, gen uint64) bool {
	if gen != s.gen {
		return false
	}
	s.addr = addr
	return true
}
