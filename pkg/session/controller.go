// Package session owns the per-profile connection state machine and
// coordinates tunnel control with the kill-switch.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/killswitch"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
)

// Options configures a Controller.
type Options struct {
	Store      *profile.Store
	Tunnel     gateway.Tunnel
	KillSwitch *killswitch.Manager
	// Inspector, when set, supplies the negotiated peer endpoints used to
	// scope the kill-switch and the data behind Details.
	Inspector gateway.Inspector
	Log       logging.Sink
	// KillSwitchOnConnect enables the kill-switch for every profile that
	// connects.
	KillSwitchOnConnect bool
	// Transient removes kill-switch rules on Shutdown.
	Transient bool
	// OnTransition observes every state change.
	OnTransition func(name string, from, to profile.State)
}

// Controller serializes transitions per profile and reconciles the
// in-memory state against the tunnels that are actually up.
type Controller struct {
	store     *profile.Store
	tunnel    gateway.Tunnel
	ks        *killswitch.Manager
	inspector gateway.Inspector
	log       logging.Sink
	transient bool
	observe   func(name string, from, to profile.State)

	ksOnConnect atomic.Bool

	// closeMu orders inflight.Add in Toggle before the Wait in Shutdown.
	closeMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	stats    stats

	reconcileMu   sync.Mutex
	lastStatusErr string
}

// New returns a controller. Store, Tunnel and KillSwitch are required.
func New(opts Options) *Controller {
	c := &Controller{
		store:     opts.Store,
		tunnel:    opts.Tunnel,
		ks:        opts.KillSwitch,
		inspector: opts.Inspector,
		log:       opts.Log,
		transient: opts.Transient,
		observe:   opts.OnTransition,
	}
	c.stats.init()
	if c.log == nil {
		c.log = logging.SlogSink{}
	}
	c.ksOnConnect.Store(opts.KillSwitchOnConnect)
	return c
}

func (c *Controller) emit(e logging.Entry) {
	c.log.Append(e)
}

// update applies fn to the profile's state and reports the change.
func (c *Controller) update(name string, fn func(profile.State) (profile.State, error)) (from, to profile.State, err error) {
	from, to, err = c.store.Update(name, fn)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return from, to, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
		}
		return from, to, err
	}
	if from != to {
		c.stats.transition(from.Kind, to.Kind)
		if c.observe != nil {
			c.observe(name, from, to)
		}
	}
	return from, to, nil
}

func (c *Controller) set(name string, st profile.State) {
	if _, _, err := c.update(name, func(profile.State) (profile.State, error) { return st, nil }); err != nil {
		slog.Warn("state update failed", "profile", name, "state", st.String(), "err", err)
	}
}

// Query returns the profile's current state.
func (c *Controller) Query(name string) (profile.State, bool) {
	e, ok := c.store.Get(name)
	return e.State, ok
}

// Toggle starts connecting a Disconnected or failed profile, or
// disconnecting a Connected one. The work runs in the background; the
// returned channel yields its result once and is then closed. Toggling a
// profile that is mid-transition returns ErrBusy.
func (c *Controller) Toggle(name string) (<-chan error, error) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil, ErrClosed
	}
	from, to, err := c.update(name, func(cur profile.State) (profile.State, error) {
		switch cur.Kind {
		case profile.Connecting, profile.Disconnecting:
			return cur, ErrBusy
		case profile.Connected:
			return profile.State{Kind: profile.Disconnecting}, nil
		default:
			return profile.State{Kind: profile.Connecting}, nil
		}
	})
	if err != nil {
		c.closeMu.Unlock()
		return nil, err
	}
	c.inflight.Add(1)
	c.closeMu.Unlock()

	entry, _ := c.store.Get(name)
	p := entry.Profile
	slog.Debug("toggle", "profile", name, "from", from.String(), "to", to.String())

	done := make(chan error, 1)
	go func() {
		defer c.inflight.Done()
		defer close(done)
		// An external command that was started is allowed to finish.
		ctx := context.Background()
		if to.Kind == profile.Connecting {
			done <- c.connect(ctx, p)
		} else {
			done <- c.disconnect(ctx, p)
		}
	}()
	return done, nil
}

func (c *Controller) connect(ctx context.Context, p profile.Profile) error {
	if empty, _ := configEmpty(p.Path); empty {
		return c.fail(p.Name, "up", errEmptyConfig)
	}
	if err := c.tunnel.Up(ctx, p.Path); err != nil {
		c.stats.gatewayFailure("up")
		return c.fail(p.Name, "up", err)
	}
	c.emit(logging.Entry{Profile: p.Name, Action: "up", OK: true, Message: "tunnel up"})
	if c.ksOnConnect.Load() {
		// Failure here leaves the tunnel up without protection; it is
		// reported, and a partial failure raises an alert.
		c.enableKillSwitch(ctx, p)
	}
	c.set(p.Name, profile.State{Kind: profile.Connected})
	return nil
}

func (c *Controller) disconnect(ctx context.Context, p profile.Profile) error {
	if err := c.tunnel.Down(ctx, p.Interface); err != nil {
		c.stats.gatewayFailure("down")
		if c.ks.State(p.Name).Active {
			c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", OK: true, Message: "rules retained after failed teardown"})
		}
		return c.fail(p.Name, "down", err)
	}
	c.emit(logging.Entry{Profile: p.Name, Action: "down", OK: true, Message: "tunnel down"})
	if c.ks.State(p.Name).Active {
		if err := c.ks.Disable(ctx, p.Name); err != nil {
			c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", Message: err.Error()})
		} else {
			c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", OK: true, Message: "disabled"})
		}
	}
	c.set(p.Name, profile.State{Kind: profile.Disconnected})
	return nil
}

// fail moves the profile to Error carrying the gateway's message verbatim.
func (c *Controller) fail(name, action string, err error) error {
	reason := err.Error()
	c.set(name, profile.Error(reason))
	c.emit(logging.Entry{Profile: name, Action: action, Message: reason})
	return err
}

func configEmpty(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "", nil
}

// targetFor scopes a rule set to the profile's interface, its configured
// endpoints and whatever endpoints the live device negotiated.
func (c *Controller) targetFor(ctx context.Context, p profile.Profile) killswitch.Target {
	eps := p.Endpoints()
	if c.inspector != nil {
		if d, err := c.inspector.Inspect(ctx, p.Interface); err == nil {
			for _, ep := range d.Endpoints() {
				if !slices.Contains(eps, ep) {
					eps = append(eps, ep)
				}
			}
		} else {
			slog.Debug("device inspect failed", "profile", p.Name, "err", err)
		}
	}
	slices.SortFunc(eps, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return killswitch.Target{Profile: p.Name, Interface: p.Interface, Endpoints: eps}
}

func (c *Controller) enableKillSwitch(ctx context.Context, p profile.Profile) error {
	t := c.targetFor(ctx, p)
	if len(t.Endpoints) == 0 {
		slog.Warn("kill-switch has no endpoint to permit", "profile", p.Name)
	}
	err := c.ks.Enable(ctx, t)
	var pf *killswitch.PartialFailure
	switch {
	case errors.As(err, &pf):
		c.stats.alert()
		c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", Alert: true, Message: pf.Error()})
	case err != nil:
		c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", Message: err.Error()})
	default:
		c.emit(logging.Entry{Profile: p.Name, Action: "killswitch", OK: true,
			Message: "enabled " + c.ks.State(p.Name).Token.String()})
	}
	return err
}

// EnableKillSwitch installs the kill-switch for name on explicit request.
func (c *Controller) EnableKillSwitch(ctx context.Context, name string) error {
	e, ok := c.store.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	if e.State.InTransition() {
		return ErrBusy
	}
	return c.enableKillSwitch(ctx, e.Profile)
}

// DisableKillSwitch removes the kill-switch for name on explicit request,
// whatever the connection state.
func (c *Controller) DisableKillSwitch(ctx context.Context, name string) error {
	if err := c.ks.Disable(ctx, name); err != nil {
		c.emit(logging.Entry{Profile: name, Action: "killswitch", Message: err.Error()})
		return err
	}
	c.emit(logging.Entry{Profile: name, Action: "killswitch", OK: true, Message: "disabled by user"})
	return nil
}

// SetKillSwitchOnConnect changes the policy for future connections. When
// turned on it is also applied to profiles that are already Connected.
func (c *Controller) SetKillSwitchOnConnect(ctx context.Context, on bool) error {
	c.ksOnConnect.Store(on)
	if !on {
		return nil
	}
	var errs []error
	for _, e := range c.store.List() {
		if e.State.Kind == profile.Connected && !c.ks.State(e.Profile.Name).Active {
			if err := c.enableKillSwitch(ctx, e.Profile); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// KillSwitchOnConnect reports the current policy.
func (c *Controller) KillSwitchOnConnect() bool { return c.ksOnConnect.Load() }

// EditAllowed refuses editing a profile whose tunnel is live or changing.
func (c *Controller) EditAllowed(name string) error {
	e, ok := c.store.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	switch {
	case e.State.Kind == profile.Connected:
		return ErrConnected
	case e.State.InTransition():
		return ErrBusy
	}
	return nil
}

// Details returns the live device state of a profile's interface.
func (c *Controller) Details(ctx context.Context, name string) (*gateway.DeviceInfo, error) {
	e, ok := c.store.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	if c.inspector == nil {
		return nil, errors.New("device inspection unavailable")
	}
	return c.inspector.Inspect(ctx, e.Profile.Interface)
}

// ShowText returns `wg show` output for the profile when the tunnel
// implementation supports it.
func (c *Controller) ShowText(ctx context.Context, name string) (string, error) {
	e, ok := c.store.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	sh, ok := c.tunnel.(interface {
		Show(ctx context.Context, iface string) (string, error)
	})
	if !ok {
		return "", errors.New("tunnel does not support show")
	}
	return sh.Show(ctx, e.Profile.Interface)
}

// Status is a point-in-time view of one profile.
type Status struct {
	Name       string
	Interface  string
	Path       string
	State      profile.State
	KillSwitch killswitch.State
	Missing    bool
	ParseErr   string
}

// Snapshot returns the status of every profile sorted by name.
func (c *Controller) Snapshot() []Status {
	entries := c.store.List()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, Status{
			Name:       e.Profile.Name,
			Interface:  e.Profile.Interface,
			Path:       e.Profile.Path,
			State:      e.State,
			KillSwitch: c.ks.State(e.Profile.Name),
			Missing:    e.Missing,
			ParseErr:   e.Profile.ParseErr,
		})
	}
	return out
}

// Wait blocks until every dispatched transition has finished or ctx is
// done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting toggles, waits for in-flight transitions and,
// when the kill-switch is transient, removes every active rule set.
// Persistent rule sets are left in place.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for transitions: %w", err)
	}
	if !c.transient {
		for name, st := range c.ks.States() {
			if st.Active {
				slog.Info("kill-switch rules left in place", "profile", name, "token", st.Token.String())
			}
		}
		return nil
	}
	var errs []error
	for name, st := range c.ks.States() {
		if !st.Active {
			continue
		}
		if err := c.ks.Disable(ctx, name); err != nil {
			errs = append(errs, err)
			c.emit(logging.Entry{Profile: name, Action: "killswitch", Message: err.Error()})
			continue
		}
		c.emit(logging.Entry{Profile: name, Action: "killswitch", OK: true, Message: "removed on exit"})
	}
	return errors.Join(errs...)
}
