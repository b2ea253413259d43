package gateway

import (
	"context"
	"sort"
	"strings"
)

// Tunnel controls WireGuard interfaces.
type Tunnel interface {
	Up(ctx context.Context, configPath string) error
	Down(ctx context.Context, iface string) error
	// Status returns the names of the currently active tunnel interfaces.
	Status(ctx context.Context) ([]string, error)
}

// StatusSource reports the active tunnel interfaces.
type StatusSource interface {
	ActiveInterfaces(ctx context.Context) ([]string, error)
}

// WGQuick drives tunnels through wg-quick and wg.
type WGQuick struct {
	Runner Runner
	// Source overrides `wg show interfaces` as the status source.
	Source StatusSource
}

func (w *WGQuick) Up(ctx context.Context, configPath string) error {
	_, err := w.Runner.Run(ctx, "wg-quick", "up", configPath)
	return err
}

func (w *WGQuick) Down(ctx context.Context, iface string) error {
	_, err := w.Runner.Run(ctx, "wg-quick", "down", iface)
	return err
}

func (w *WGQuick) Status(ctx context.Context) ([]string, error) {
	if w.Source != nil {
		return w.Source.ActiveInterfaces(ctx)
	}
	return WGShow{Runner: w.Runner}.ActiveInterfaces(ctx)
}

// Show returns the raw `wg show <iface>` text.
func (w *WGQuick) Show(ctx context.Context, iface string) (string, error) {
	res, err := w.Runner.Run(ctx, "wg", "show", iface)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// WGShow reads the active interfaces from `wg show interfaces`.
type WGShow struct {
	Runner Runner
}

func (s WGShow) ActiveInterfaces(ctx context.Context) ([]string, error) {
	res, err := s.Runner.Run(ctx, "wg", "show", "interfaces")
	if err != nil {
		return nil, err
	}
	return parseInterfaces(res.Stdout), nil
}

// parseInterfaces accepts both the `wg show interfaces` form (names
// separated by whitespace) and full `wg show` output, where each device
// starts with an "interface: <name>" line.
func parseInterfaces(output string) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	if strings.Contains(output, "interface:") {
		for _, line := range strings.Split(output, "\n") {
			trimmed := strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(trimmed, "interface:"); ok {
				add(strings.TrimSpace(rest))
			}
		}
	} else {
		for _, f := range strings.Fields(output) {
			add(f)
		}
	}
	sort.Strings(names)
	return names
}
