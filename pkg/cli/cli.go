// Package cli implements the interactive wgguard manager shell.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/psaab/wgguard/pkg/cmdtree"
	"github.com/psaab/wgguard/pkg/editor"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
	"github.com/psaab/wgguard/pkg/session"
)

const opTimeout = 30 * time.Second

// CLI is the interactive command-line interface.
type CLI struct {
	rl          *readline.Instance
	ctrl        *session.Controller
	store       *profile.Store
	log         *logging.StatusLog
	historyFile string
	hostname    string

	mu      sync.Mutex
	out     io.Writer
	editing bool
	pending []string // notices held back while the editor owns the terminal
}

// New creates a new CLI.
func New(ctrl *session.Controller, store *profile.Store, log *logging.StatusLog, historyFile string) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "wgguard"
	}
	return &CLI{
		ctrl:        ctrl,
		store:       store,
		log:         log,
		historyFile: historyFile,
		hostname:    hostname,
		out:         os.Stdout,
	}
}

func (c *CLI) newReadline() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     c.historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{cli: c},
		Listener:        readline.FuncListener(c.helpListener),
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.mu.Unlock()
	return nil
}

func (c *CLI) closeReadline() {
	c.mu.Lock()
	rl := c.rl
	c.mu.Unlock()
	if rl != nil {
		rl.Close()
	}
}

// Run starts the interactive CLI loop. It returns when the user quits or
// ctx is cancelled.
func (c *CLI) Run(ctx context.Context) error {
	if err := c.newReadline(); err != nil {
		return err
	}
	defer c.closeReadline()

	if c.log != nil {
		sub := c.log.Subscribe(64)
		defer sub.Close()
		go c.watchAlerts(ctx, sub)
	}
	go func() {
		<-ctx.Done()
		c.closeReadline()
	}()

	c.printf("wgguard - WireGuard session manager\n")
	c.printf("Type '?' for help\n\n")
	c.showProfiles()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF || ctx.Err() != nil {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(ctx, line); err != nil {
			if err == errExit {
				return nil
			}
			c.printf("error: %v\n", err)
		}
	}
	return nil
}

var errExit = fmt.Errorf("exit")

// printf writes to the terminal, or queues the text while the editor is
// open.
func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if c.editing {
		c.pending = append(c.pending, msg)
		return
	}
	io.WriteString(c.out, msg)
}

func (c *CLI) watchAlerts(ctx context.Context, sub *logging.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			if e.Alert {
				c.printf("\n*** ALERT *** %s\n", e)
			}
		}
	}
}

func (c *CLI) dispatch(ctx context.Context, line string) error {
	parts := cmdtree.Resolve(cmdtree.Tree, strings.Fields(line))
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(ctx, parts[1:])

	case "list":
		c.showProfiles()
		return nil

	case "toggle", "connect", "disconnect":
		if len(parts) < 2 {
			return fmt.Errorf("usage: %s <profile>", parts[0])
		}
		return c.handleToggle(parts[0], parts[1])

	case "killswitch":
		return c.handleKillSwitch(ctx, parts[1:])

	case "set":
		return c.handleSet(ctx, parts[1:])

	case "reconcile":
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		ksErr := c.ctrl.ReconcileKillSwitch(ctx)
		if err := c.ctrl.Reconcile(ctx); err != nil {
			return err
		}
		if ksErr != nil {
			return ksErr
		}
		c.showProfiles()
		return nil

	case "reload":
		res, err := c.store.Load(ctx)
		if err != nil {
			return err
		}
		c.printf("profiles reloaded: %d added, %d removed, %d kept while active\n",
			len(res.Added), len(res.Removed), len(res.Retained))
		return nil

	case "edit":
		if len(parts) < 2 {
			return fmt.Errorf("usage: edit <profile>")
		}
		return c.handleEdit(ctx, parts[1])

	case "?", "help":
		var sb strings.Builder
		cmdtree.WriteHelp(&sb, cmdtree.HelpCandidates(cmdtree.Tree))
		c.printf("%s", sb.String())
		return nil

	case "quit", "exit":
		return errExit

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) handleShow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: specify profiles, details, killswitch or log")
	}
	switch args[0] {
	case "profiles":
		c.showProfiles()
		return nil

	case "details":
		if len(args) < 2 {
			return fmt.Errorf("usage: show details <profile>")
		}
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		d, err := c.ctrl.Details(ctx, args[1])
		if err == nil {
			c.printf("%s", formatDetails(d, time.Now()))
			return nil
		}
		if errors.Is(err, session.ErrUnknownProfile) {
			return err
		}
		text, showErr := c.ctrl.ShowText(ctx, args[1])
		if showErr != nil {
			return err
		}
		c.printf("%s\n", strings.TrimRight(text, "\n"))
		return nil

	case "killswitch":
		c.printf("%s", formatKillSwitch(c.ctrl.Snapshot(), c.ctrl.KillSwitchOnConnect()))
		return nil

	case "log":
		n := 20
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v < 1 {
				return fmt.Errorf("invalid count: %s", args[1])
			}
			n = v
		}
		c.printf("%s", formatLog(c.log.Latest(n)))
		return nil

	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *CLI) showProfiles() {
	c.printf("%s", formatProfiles(c.ctrl.Snapshot()))
}

func (c *CLI) handleToggle(cmd, name string) error {
	st, ok := c.ctrl.Query(name)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownProfile, name)
	}
	switch {
	case cmd == "connect" && st.Kind == profile.Connected:
		return fmt.Errorf("%s is already connected", name)
	case cmd == "disconnect" && st.Kind != profile.Connected:
		return fmt.Errorf("%s is not connected", name)
	}

	done, err := c.ctrl.Toggle(name)
	if err != nil {
		return err
	}
	next, _ := c.ctrl.Query(name)
	c.printf("%s: %s\n", name, next)
	go func() {
		if err := <-done; err != nil {
			c.printf("\n%s: failed: %v\n", name, err)
			return
		}
		st, _ := c.ctrl.Query(name)
		c.printf("\n%s: %s\n", name, st)
	}()
	return nil
}

func (c *CLI) handleKillSwitch(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: killswitch enable|disable <profile>")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	switch args[0] {
	case "enable":
		if err := c.ctrl.EnableKillSwitch(ctx, args[1]); err != nil {
			return err
		}
		c.printf("%s: kill-switch enabled\n", args[1])
	case "disable":
		if err := c.ctrl.DisableKillSwitch(ctx, args[1]); err != nil {
			return err
		}
		c.printf("%s: kill-switch disabled\n", args[1])
	default:
		return fmt.Errorf("unknown killswitch action: %s", args[0])
	}
	return nil
}

func (c *CLI) handleSet(ctx context.Context, args []string) error {
	if len(args) < 2 || args[0] != "killswitch" {
		return fmt.Errorf("usage: set killswitch on|off")
	}
	var on bool
	switch args[1] {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("usage: set killswitch on|off")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	err := c.ctrl.SetKillSwitchOnConnect(ctx, on)
	c.printf("kill-switch on connect: %s\n", onOff(on))
	return err
}

func (c *CLI) handleEdit(ctx context.Context, name string) error {
	e, ok := c.store.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownProfile, name)
	}
	buf, err := editor.OpenProfile(c.ctrl, name, e.Profile.Path)
	if err != nil {
		return err
	}

	// readline reads the terminal in the background; it is closed while the
	// editor screen owns raw input.
	c.closeReadline()
	c.mu.Lock()
	c.editing = true
	c.mu.Unlock()

	saved, editErr := runEditScreen(buf, name)

	c.mu.Lock()
	c.editing = false
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if err := c.newReadline(); err != nil {
		return err
	}
	for _, msg := range pending {
		c.printf("%s", msg)
	}
	if editErr != nil {
		return editErr
	}

	switch {
	case buf.Dirty():
		c.printf("%s: changes discarded\n", name)
	case saved:
		c.printf("%s: saved\n", name)
	}
	if saved {
		if _, err := c.store.Load(ctx); err != nil {
			return fmt.Errorf("reload after edit: %w", err)
		}
	}
	return nil
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("wgguard@%s> ", c.hostname)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
