package profile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Resolver resolves endpoint hostnames.
type Resolver interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// Scanner discovers profiles in a directory.
type Scanner interface {
	Scan(ctx context.Context, dir string) ([]Profile, error)
}

// interfaceName matches the names wg-quick accepts.
var interfaceName = regexp.MustCompile(`^[a-zA-Z0-9_=+.-]{1,15}$`)

// DirScanner lists *.conf files the way wg-quick resolves them: the file
// name without extension is both the profile and the interface name.
type DirScanner struct {
	// Resolver, when set, resolves endpoint hostnames. Without it only IP
	// literal endpoints are usable for kill-switch scoping.
	Resolver Resolver
}

func (d DirScanner) Scan(ctx context.Context, dir string) ([]Profile, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	var profiles []Profile
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".conf")
		if !interfaceName.MatchString(name) {
			slog.Warn("skipping profile with invalid interface name", "path", path)
			continue
		}
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		profiles = append(profiles, d.load(ctx, name, path))
	}
	return profiles, nil
}

func (d DirScanner) load(ctx context.Context, name, path string) Profile {
	p := Profile{Name: name, Path: path, Interface: name}
	data, err := os.ReadFile(path)
	if err != nil {
		p.ParseErr = err.Error()
		return p
	}
	md, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		p.ParseErr = err.Error()
		return p
	}
	p.Addresses = md.Addresses
	p.DNS = md.DNS
	p.ListenPort = md.ListenPort
	p.Peers = md.Peers
	p.Empty = md.Empty

	if d.Resolver == nil {
		return p
	}
	for i := range p.Peers {
		ep := p.Peers[i].Endpoint
		if ep == nil || len(ep.Addrs) > 0 {
			continue
		}
		addrs, err := d.Resolver.LookupAddrs(ctx, ep.Host)
		if err != nil {
			slog.Warn("endpoint resolution failed", "profile", name, "host", ep.Host, "err", err)
			continue
		}
		ep.Addrs = addrs
	}
	return p
}
