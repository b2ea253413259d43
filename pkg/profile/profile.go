// Package profile discovers wg-quick tunnel profiles and holds them, with
// their connection state, in a refreshable store.
package profile

import (
	"net/netip"
	"slices"
)

// Kind enumerates connection states.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Disconnecting
	Failed // Error(reason)
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// State is the connection state of one profile. Reason is only set for
// Failed.
type State struct {
	Kind   Kind
	Reason string
}

// Error returns the Failed state carrying reason.
func Error(reason string) State { return State{Kind: Failed, Reason: reason} }

func (s State) String() string {
	if s.Kind == Failed && s.Reason != "" {
		return "error: " + s.Reason
	}
	return s.Kind.String()
}

// InTransition reports whether a toggle is in flight.
func (s State) InTransition() bool {
	return s.Kind == Connecting || s.Kind == Disconnecting
}

// Endpoint is a peer endpoint as written in the config, with the
// addresses it resolved to at load time.
type Endpoint struct {
	Host  string
	Port  uint16
	Addrs []netip.Addr
}

// Peer holds the per-peer metadata needed for kill-switch scoping. Key
// material is not read.
type Peer struct {
	Endpoint   *Endpoint
	AllowedIPs []netip.Prefix
}

// Profile is one tunnel configuration file.
type Profile struct {
	Name       string
	Path       string
	Interface  string
	Addresses  []netip.Prefix
	DNS        []string
	ListenPort int
	Peers      []Peer
	// ParseErr is set when the file could not be parsed. The profile is
	// still listed so it can be edited.
	ParseErr string
	// Empty is set when the file holds nothing but whitespace.
	Empty bool
}

// Endpoints returns every resolved peer endpoint, deduplicated.
func (p Profile) Endpoints() []netip.AddrPort {
	var eps []netip.AddrPort
	for _, peer := range p.Peers {
		if peer.Endpoint == nil {
			continue
		}
		for _, a := range peer.Endpoint.Addrs {
			ap := netip.AddrPortFrom(a, peer.Endpoint.Port)
			if !slices.Contains(eps, ap) {
				eps = append(eps, ap)
			}
		}
	}
	return eps
}

// AllowedIPs returns the union of the peers' allowed IPs.
func (p Profile) AllowedIPs() []netip.Prefix {
	var out []netip.Prefix
	for _, peer := range p.Peers {
		for _, pfx := range peer.AllowedIPs {
			if !slices.Contains(out, pfx) {
				out = append(out, pfx)
			}
		}
	}
	return out
}
