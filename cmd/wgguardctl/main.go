// wgguardctl is the remote client for a wgguard process with its HTTP API
// enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/psaab/wgguard/pkg/api"
)

const usage = `usage: wgguardctl [flags] <command> [args]

commands:
  status                      process status
  list                        profiles and their state
  show <profile>              profile details with live peer state
  toggle <profile>            connect or disconnect
  killswitch <profile> on|off enable or disable the kill-switch
  reconcile                   reconcile state against running tunnels
  log [n]                     recent status log entries
  follow [profile]            stream status log entries
`

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "wgguard API address")
	key := flag.String("key", os.Getenv("WGGUARD_API_KEY"), "API key (default $WGGUARD_API_KEY)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &api.Client{BaseURL: *addr, APIKey: *key}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if flag.Arg(0) != "follow" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := run(ctx, c, os.Stdout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "wgguardctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *api.Client, w io.Writer, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Uptime:               %s\n", st.Uptime)
		fmt.Fprintf(w, "Profile directory:    %s\n", st.ProfileDir)
		fmt.Fprintf(w, "Profiles:             %d\n", st.ProfileCount)
		fmt.Fprintf(w, "Kill-switch on connect: %v\n", st.KillSwitchOnConnect)
		return nil

	case "list":
		profiles, err := c.Profiles(ctx)
		if err != nil {
			return err
		}
		writeProfiles(w, profiles)
		return nil

	case "show":
		if len(rest) != 1 {
			return fmt.Errorf("usage: show <profile>")
		}
		p, err := c.Profile(ctx, rest[0])
		if err != nil {
			return err
		}
		writeProfile(w, p)
		return nil

	case "toggle":
		if len(rest) != 1 {
			return fmt.Errorf("usage: toggle <profile>")
		}
		p, err := c.Toggle(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", p.Name, p.State)
		return nil

	case "killswitch":
		if len(rest) != 2 || (rest[1] != "on" && rest[1] != "off") {
			return fmt.Errorf("usage: killswitch <profile> on|off")
		}
		p, err := c.SetKillSwitch(ctx, rest[0], rest[1] == "on")
		if err != nil {
			return err
		}
		if p.KillSwitch.Active {
			fmt.Fprintf(w, "%s: kill-switch active (%s)\n", p.Name, p.KillSwitch.Chain)
		} else {
			fmt.Fprintf(w, "%s: kill-switch inactive\n", p.Name)
		}
		return nil

	case "reconcile":
		profiles, err := c.Reconcile(ctx)
		if err != nil {
			return err
		}
		writeProfiles(w, profiles)
		return nil

	case "log":
		n := 20
		if len(rest) > 0 {
			v, err := strconv.Atoi(rest[0])
			if err != nil || v < 1 {
				return fmt.Errorf("invalid count %q", rest[0])
			}
			n = v
		}
		entries, err := c.Log(ctx, n)
		if err != nil {
			return err
		}
		// Oldest first, like a log file.
		for i := len(entries) - 1; i >= 0; i-- {
			fmt.Fprintln(w, formatEntry("", entries[i]))
		}
		return nil

	case "follow":
		var profile string
		if len(rest) > 0 {
			profile = rest[0]
		}
		return c.Follow(ctx, profile, func(event string, e api.LogEntry) {
			fmt.Fprintln(w, formatEntry(event, e))
		})

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func writeProfiles(w io.Writer, profiles []api.ProfileInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tSTATE\tKILL-SWITCH\tNOTE")
	for _, p := range profiles {
		ks := "-"
		if p.KillSwitch.Active {
			ks = "on"
		}
		var note []string
		if p.Reason != "" {
			note = append(note, p.Reason)
		}
		if p.KillSwitch.Alert != "" {
			note = append(note, "ALERT: "+p.KillSwitch.Alert)
		}
		if p.Missing {
			note = append(note, "file removed")
		}
		if p.ParseError != "" {
			note = append(note, p.ParseError)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.State, ks, strings.Join(note, "; "))
	}
	tw.Flush()
}

func writeProfile(w io.Writer, p *api.ProfileInfo) {
	fmt.Fprintf(w, "Profile: %s\n", p.Name)
	fmt.Fprintf(w, "  Interface: %s\n", p.Interface)
	fmt.Fprintf(w, "  Config: %s\n", p.Path)
	fmt.Fprintf(w, "  State: %s", p.State)
	if p.Reason != "" {
		fmt.Fprintf(w, " (%s)", p.Reason)
	}
	fmt.Fprintln(w)
	if p.KillSwitch.Active {
		fmt.Fprintf(w, "  Kill-switch: active, token %s\n", p.KillSwitch.Token)
	} else {
		fmt.Fprintln(w, "  Kill-switch: inactive")
	}
	if p.KillSwitch.Alert != "" {
		fmt.Fprintf(w, "  ALERT: %s\n", p.KillSwitch.Alert)
	}
	if p.Device == nil {
		return
	}
	if p.Device.ListenPort != 0 {
		fmt.Fprintf(w, "  Listen port: %d\n", p.Device.ListenPort)
	}
	for _, peer := range p.Device.Peers {
		fmt.Fprintf(w, "  Peer %s\n", peer.PublicKey)
		if peer.Endpoint != "" {
			fmt.Fprintf(w, "    Endpoint: %s\n", peer.Endpoint)
		}
		if len(peer.AllowedIPs) > 0 {
			fmt.Fprintf(w, "    Allowed IPs: %s\n", strings.Join(peer.AllowedIPs, ", "))
		}
		if peer.LastHandshake != "" {
			fmt.Fprintf(w, "    Last handshake: %s\n", peer.LastHandshake)
		}
		fmt.Fprintf(w, "    Transfer: %d B received, %d B sent\n", peer.RxBytes, peer.TxBytes)
	}
}

func formatEntry(event string, e api.LogEntry) string {
	mark := "OK"
	switch {
	case e.Alert || event == "alert":
		mark = "ALERT"
	case !e.OK:
		mark = "FAIL"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]", e.Time, mark)
	if e.Profile != "" {
		fmt.Fprintf(&sb, " %s:", e.Profile)
	}
	sb.WriteString(" " + e.Action)
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	return sb.String()
}
