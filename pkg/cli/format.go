package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/session"
)

func formatProfiles(statuses []session.Status) string {
	if len(statuses) == 0 {
		return "No profiles found\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-16s %-14s %-10s %s\n", "Profile", "State", "Kill-sw", "Notes")
	for _, s := range statuses {
		ks := "-"
		if s.KillSwitch.Active {
			ks = "active"
		}
		var notes []string
		if s.State.Reason != "" {
			notes = append(notes, s.State.Reason)
		}
		if s.ParseErr != "" {
			notes = append(notes, "parse: "+s.ParseErr)
		}
		if s.Missing {
			notes = append(notes, "file removed")
		}
		if s.KillSwitch.Alert != "" {
			notes = append(notes, "ALERT: "+s.KillSwitch.Alert)
		}
		fmt.Fprintf(&sb, "%-16s %-14s %-10s %s\n", s.Name, s.State.Kind, ks, strings.Join(notes, "; "))
	}
	return sb.String()
}

func formatKillSwitch(statuses []session.Status, onConnect bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Kill-switch on connect: %s\n", onOff(onConnect))
	n := 0
	for _, s := range statuses {
		ks := s.KillSwitch
		if !ks.Active && ks.Alert == "" {
			continue
		}
		n++
		fmt.Fprintf(&sb, "  %s:\n", s.Name)
		if ks.Active {
			fmt.Fprintf(&sb, "    Token: %s, Chain: %s\n", ks.Token, ks.Token.Chain())
		}
		if ks.Alert != "" {
			fmt.Fprintf(&sb, "    ALERT: %s\n", ks.Alert)
		}
	}
	if n == 0 {
		sb.WriteString("  No rule sets installed\n")
	}
	return sb.String()
}

// formatLog prints entries oldest first; latest is newest first.
func formatLog(latest []logging.Entry) string {
	var sb strings.Builder
	for i := len(latest) - 1; i >= 0; i-- {
		sb.WriteString(latest[i].String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func formatDetails(d *gateway.DeviceInfo, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "interface: %s\n", d.Name)
	if d.PublicKey != "" {
		fmt.Fprintf(&sb, "  public key: %s\n", d.PublicKey)
	}
	if d.ListenPort != 0 {
		fmt.Fprintf(&sb, "  listening port: %d\n", d.ListenPort)
	}
	for _, p := range d.Peers {
		fmt.Fprintf(&sb, "\npeer: %s\n", p.PublicKey)
		if p.Endpoint.IsValid() {
			fmt.Fprintf(&sb, "  endpoint: %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			ips := make([]string, len(p.AllowedIPs))
			for i, a := range p.AllowedIPs {
				ips[i] = a.String()
			}
			fmt.Fprintf(&sb, "  allowed ips: %s\n", strings.Join(ips, ", "))
		}
		if !p.LastHandshake.IsZero() {
			fmt.Fprintf(&sb, "  latest handshake: %s ago\n", now.Sub(p.LastHandshake).Truncate(time.Second))
		}
		fmt.Fprintf(&sb, "  transfer: %s received, %s sent\n", formatBytes(p.RxBytes), formatBytes(p.TxBytes))
	}
	return sb.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
