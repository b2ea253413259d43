// Package resolve looks up WireGuard endpoint hostnames so the kill-switch
// can permit the exact server addresses.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"
)

// Resolver queries A and AAAA records from a fixed set of nameservers.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// New returns a resolver using server ("addr" or "addr:port"). An empty
// server reads the nameservers from /etc/resolv.conf.
func New(server string) (*Resolver, error) {
	var servers []string
	if server != "" {
		servers = []string{withPort(server, "53")}
	} else {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, withPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}
	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: 3 * time.Second},
	}, nil
}

func withPort(s, port string) string {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.String()
	}
	return net.JoinHostPort(s, port)
}

// LookupAddrs resolves host to its IPv4 and IPv6 addresses. IP literals
// are returned as-is.
func (r *Resolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no addresses")
		}
		return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(addrs), nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", server, dns.RcodeToString[in.Rcode])
			continue
		}
		var addrs []netip.Addr
		for _, rr := range in.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}
