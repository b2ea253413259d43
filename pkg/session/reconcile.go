package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
)

// Reconcile compares every profile that is not mid-transition against the
// active interfaces reported by the tunnel and corrects drift. Error
// states are corrected only when the interface turns out to be up. Only
// actual corrections are logged, so repeated calls with no external change
// are silent.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	active, err := c.tunnel.Status(ctx)
	if err != nil {
		c.stats.gatewayFailure("status")
		if msg := err.Error(); msg != c.lastStatusErr {
			c.lastStatusErr = msg
			c.emit(logging.Entry{Action: "reconcile", Message: "status query failed: " + msg})
		}
		return fmt.Errorf("reconcile: %w", err)
	}
	c.lastStatusErr = ""

	up := make(map[string]bool, len(active))
	for _, iface := range active {
		up[iface] = true
	}

	for _, e := range c.store.List() {
		name, iface := e.Profile.Name, e.Profile.Interface
		from, to, err := c.update(name, func(cur profile.State) (profile.State, error) {
			if cur.InTransition() {
				return cur, nil
			}
			isUp := up[iface]
			switch {
			case isUp && cur.Kind != profile.Connected:
				return profile.State{Kind: profile.Connected}, nil
			case !isUp && cur.Kind == profile.Connected:
				return profile.State{Kind: profile.Disconnected}, nil
			}
			return cur, nil
		})
		if err != nil || from == to {
			continue
		}
		c.stats.drift()
		msg := fmt.Sprintf("state corrected: %s -> %s", from, to)
		if to.Kind == profile.Disconnected && c.ks.State(name).Active {
			msg += " (kill-switch remains engaged)"
		}
		slog.Info("reconciliation drift", "profile", name, "from", from.String(), "to", to.String())
		c.emit(logging.Entry{Profile: name, Action: "reconcile", OK: true, Message: msg})
	}
	return nil
}

// ReconcileKillSwitch adopts rule sets left in the firewall by a previous
// run and drops records of rule sets that disappeared.
func (c *Controller) ReconcileKillSwitch(ctx context.Context) error {
	rep, err := c.ks.Reconcile(ctx)
	for _, tok := range rep.Adopted {
		c.emit(logging.Entry{Profile: tok.Profile, Action: "killswitch", OK: true, Message: "adopted " + tok.String()})
	}
	for _, tok := range rep.Removed {
		c.emit(logging.Entry{Profile: tok.Profile, Action: "killswitch", OK: true, Message: "removed stale " + tok.String()})
	}
	for _, tok := range rep.Lost {
		c.emit(logging.Entry{Profile: tok.Profile, Action: "killswitch", Message: "rules disappeared: " + tok.String()})
	}
	if err != nil {
		c.emit(logging.Entry{Action: "killswitch", Message: err.Error()})
	}
	return err
}

// Run reconciles the kill-switch once, then the tunnel state every
// interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if err := c.ReconcileKillSwitch(ctx); err != nil {
		slog.Warn("kill-switch reconciliation failed", "err", err)
	}
	if err := c.Reconcile(ctx); err != nil {
		slog.Warn("initial reconciliation failed", "err", err)
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				slog.Debug("reconciliation failed", "err", err)
			}
		}
	}
}
