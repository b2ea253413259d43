package profile

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Metadata is what a wg-quick config reveals about routing and endpoints.
type Metadata struct {
	Addresses  []netip.Prefix
	DNS        []string
	ListenPort int
	Peers      []Peer
	Empty      bool
}

// ParseConfig reads the [Interface] and [Peer] sections of a wg-quick
// config. Keys it does not need are skipped; key material is never read.
// Endpoint hostnames are left unresolved.
func ParseConfig(r io.Reader) (*Metadata, error) {
	md := &Metadata{Empty: true}
	section := ""
	var peer *Peer

	flushPeer := func() {
		if peer != nil {
			md.Peers = append(md.Peers, *peer)
			peer = nil
		}
	}

	lineNo := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\xEF\xBB\xBF")
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		md.Empty = false

		if strings.HasPrefix(line, "[") {
			flushPeer()
			section = strings.ToLower(strings.Trim(line, "[] "))
			switch section {
			case "interface":
			case "peer":
				peer = &Peer{}
			default:
				return nil, fmt.Errorf("line %d: unknown section %q", lineNo, line)
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch section {
		case "interface":
			err = parseInterfaceKey(key, value, md)
		case "peer":
			err = parsePeerKey(key, value, peer)
		default:
			err = fmt.Errorf("key outside of a section")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	flushPeer()
	return md, nil
}

func parseInterfaceKey(key, value string, md *Metadata) error {
	switch key {
	case "address":
		for _, s := range splitList(value) {
			p, err := parsePrefix(s)
			if err != nil {
				return err
			}
			md.Addresses = append(md.Addresses, p)
		}
	case "dns":
		md.DNS = append(md.DNS, splitList(value)...)
	case "listenport":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q", value)
		}
		md.ListenPort = int(port)
	}
	return nil
}

func parsePeerKey(key, value string, peer *Peer) error {
	switch key {
	case "endpoint":
		ep, err := parseEndpoint(value)
		if err != nil {
			return err
		}
		peer.Endpoint = ep
	case "allowedips":
		for _, s := range splitList(value) {
			p, err := parsePrefix(s)
			if err != nil {
				return err
			}
			peer.AllowedIPs = append(peer.AllowedIPs, p)
		}
	}
	return nil
}

func parseEndpoint(value string) (*Endpoint, error) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", value, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid endpoint port %q", portStr)
	}
	ep := &Endpoint{Host: host, Port: uint16(port)}
	if addr, err := netip.ParseAddr(host); err == nil {
		ep.Addrs = []netip.Addr{addr.Unmap()}
	}
	return ep, nil
}

// parsePrefix accepts a CIDR or a bare address (taken as a host route).
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
