package session

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/gateway/gatewaytest"
	"github.com/psaab/wgguard/pkg/killswitch"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
)

type fakeTunnel struct {
	mu        sync.Mutex
	active    map[string]bool
	upErr     error
	downErr   error
	statusErr error
	gate      chan struct{} // when set, Up and Down wait for it to close
	calls     []string
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{active: make(map[string]bool)}
}

func (f *fakeTunnel) wait() {
	f.mu.Lock()
	g := f.gate
	f.mu.Unlock()
	if g != nil {
		<-g
	}
}

func (f *fakeTunnel) Up(_ context.Context, path string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "up "+path)
	f.mu.Unlock()
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return f.upErr
	}
	f.active[strings.TrimSuffix(filepath.Base(path), ".conf")] = true
	return nil
}

func (f *fakeTunnel) Down(_ context.Context, iface string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "down "+iface)
	f.mu.Unlock()
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downErr != nil {
		return f.downErr
	}
	delete(f.active, iface)
	return nil
}

func (f *fakeTunnel) Status(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	var names []string
	for n := range f.active {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (f *fakeTunnel) setActive(name string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up {
		f.active[name] = true
	} else {
		delete(f.active, name)
	}
}

func (f *fakeTunnel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type recorder struct {
	mu      sync.Mutex
	entries []logging.Entry
}

func (r *recorder) Append(e logging.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) Entries() []logging.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

type transition struct {
	name     string
	from, to profile.Kind
}

type fixture struct {
	ctrl   *Controller
	tunnel *fakeTunnel
	sim    *gatewaytest.IPTables
	ks     *killswitch.Manager
	log    *recorder
	dir    string

	mu          sync.Mutex
	transitions []transition
}

func (fx *fixture) Transitions() []transition {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return slices.Clone(fx.transitions)
}

type fixtureOpt func(*Options)

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	dir := t.TempDir()
	confs := map[string]string{
		"office.conf": "[Interface]\nAddress = 10.8.0.2/24\n\n[Peer]\nEndpoint = 203.0.113.7:51820\nAllowedIPs = 0.0.0.0/0\n",
		"home.conf":   "[Interface]\nAddress = 10.9.0.2/24\n\n[Peer]\nEndpoint = 198.51.100.9:51820\nAllowedIPs = 10.9.0.0/24\n",
		"blank.conf":  "  \n",
	}
	for name, body := range confs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
	}
	store := profile.NewStore(dir, profile.DirScanner{})
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	fx := &fixture{tunnel: newFakeTunnel(), sim: gatewaytest.NewIPTables(), log: &recorder{}, dir: dir}
	fx.ks = killswitch.New(&gateway.IPTables{Runner: fx.sim}, killswitch.Policy{AllowDHCP: true})
	o := Options{
		Store:      store,
		Tunnel:     fx.tunnel,
		KillSwitch: fx.ks,
		Log:        fx.log,
		OnTransition: func(name string, from, to profile.State) {
			fx.mu.Lock()
			fx.transitions = append(fx.transitions, transition{name, from.Kind, to.Kind})
			fx.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	fx.ctrl = New(o)
	return fx
}

func withKillSwitch(o *Options) { o.KillSwitchOnConnect = true }

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("transition did not complete")
		return nil
	}
}

func toggle(t *testing.T, c *Controller, name string) error {
	t.Helper()
	ch, err := c.Toggle(name)
	if err != nil {
		t.Fatalf("Toggle(%s): %v", name, err)
	}
	return await(t, ch)
}

func mustState(t *testing.T, c *Controller, name string, want profile.Kind) profile.State {
	t.Helper()
	st, ok := c.Query(name)
	if !ok {
		t.Fatalf("profile %s missing", name)
	}
	if st.Kind != want {
		t.Fatalf("%s state = %s, want %s", name, st, want)
	}
	return st
}

func TestScenarioConnectDisconnectWithKillSwitch(t *testing.T) {
	fx := newFixture(t, withKillSwitch)

	mustState(t, fx.ctrl, "office", profile.Disconnected)
	if err := toggle(t, fx.ctrl, "office"); err != nil {
		t.Fatal(err)
	}
	mustState(t, fx.ctrl, "office", profile.Connected)
	ks := fx.ks.State("office")
	if !ks.Active || ks.Token.Profile != "office" || ks.Token.Generation == 0 {
		t.Fatalf("kill-switch after connect = %+v", ks)
	}
	tag := ks.Token.String()
	if fx.sim.Tagged(tag) == 0 {
		t.Fatal("no kill-switch rules installed")
	}
	rules := fx.sim.Rules("iptables", ks.Token.Chain())
	if !slices.ContainsFunc(rules, func(r []string) bool { return slices.Contains(r, "203.0.113.7") }) {
		t.Errorf("endpoint not permitted by rule set: %v", rules)
	}

	if err := toggle(t, fx.ctrl, "office"); err != nil {
		t.Fatal(err)
	}
	mustState(t, fx.ctrl, "office", profile.Disconnected)
	if fx.ks.State("office").Active {
		t.Error("kill-switch still active after disconnect")
	}
	if n := fx.sim.Tagged(tag); n != 0 {
		t.Errorf("%d rules tagged %s remain", n, tag)
	}

	want := []transition{
		{"office", profile.Disconnected, profile.Connecting},
		{"office", profile.Connecting, profile.Connected},
		{"office", profile.Connected, profile.Disconnecting},
		{"office", profile.Disconnecting, profile.Disconnected},
	}
	if got := fx.Transitions(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestScenarioFailedDownRetainsRules(t *testing.T) {
	fx := newFixture(t, withKillSwitch)
	if err := toggle(t, fx.ctrl, "office"); err != nil {
		t.Fatal(err)
	}
	tag := fx.ks.State("office").Token.String()

	fx.tunnel.downErr = &gateway.Error{Cmd: "wg-quick down office", Kind: gateway.KindExit, ExitCode: 1,
		Output: "wg-quick: `office' is not a WireGuard interface", Err: errors.New("exit status 1")}
	err := toggle(t, fx.ctrl, "office")
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("toggle error = %v, want gateway error", err)
	}
	st := mustState(t, fx.ctrl, "office", profile.Failed)
	if st.Reason != fx.tunnel.downErr.Error() {
		t.Errorf("reason = %q, want verbatim gateway error", st.Reason)
	}
	if !fx.ks.State("office").Active || fx.sim.Tagged(tag) == 0 {
		t.Error("kill-switch rules must be retained after failed teardown")
	}
	entries := fx.log.Entries()
	last := entries[len(entries)-1]
	if last.OK || last.Action != "down" || last.Message != st.Reason {
		t.Errorf("last log entry = %+v", last)
	}
}

func TestFailedUpGoesToErrorAndRetries(t *testing.T) {
	fx := newFixture(t, withKillSwitch)
	fx.tunnel.upErr = &gateway.Error{Cmd: "wg-quick up", Kind: gateway.KindPermission, Err: errors.New("exit status 1"), Output: "wg-quick must be run as root"}
	if err := toggle(t, fx.ctrl, "office"); err == nil {
		t.Fatal("expected error")
	}
	mustState(t, fx.ctrl, "office", profile.Failed)
	if fx.ks.State("office").Active {
		t.Error("failed connect must not touch the kill-switch")
	}
	if got := fx.ctrl.Stats().GatewayFailures["up"]; got != 1 {
		t.Errorf("gateway failures = %d, want 1", got)
	}

	fx.tunnel.upErr = nil
	if err := toggle(t, fx.ctrl, "office"); err != nil {
		t.Fatal(err)
	}
	mustState(t, fx.ctrl, "office", profile.Connected)
	if got := fx.Transitions()[2]; got != (transition{"office", profile.Failed, profile.Connecting}) {
		t.Errorf("retry transition = %v", got)
	}
}

func TestEmptyConfigRefused(t *testing.T) {
	fx := newFixture(t)
	err := toggle(t, fx.ctrl, "blank")
	if !errors.Is(err, errEmptyConfig) {
		t.Fatalf("error = %v, want empty config", err)
	}
	st := mustState(t, fx.ctrl, "blank", profile.Failed)
	if st.Reason != "configuration file is empty" {
		t.Errorf("reason = %q", st.Reason)
	}
	if calls := fx.tunnel.Calls(); len(calls) != 0 {
		t.Errorf("gateway invoked for empty config: %v", calls)
	}
}

func TestToggleBusyAndConcurrentProfiles(t *testing.T) {
	fx := newFixture(t)
	gate := make(chan struct{})
	fx.tunnel.gate = gate

	office, err := fx.ctrl.Toggle("office")
	if err != nil {
		t.Fatal(err)
	}
	home, err := fx.ctrl.Toggle("home")
	if err != nil {
		t.Fatalf("second profile should toggle concurrently: %v", err)
	}
	mustState(t, fx.ctrl, "office", profile.Connecting)
	mustState(t, fx.ctrl, "home", profile.Connecting)

	if _, err := fx.ctrl.Toggle("office"); !errors.Is(err, ErrBusy) || !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("toggle mid-transition = %v, want ErrBusy", err)
	}
	if err := fx.ctrl.EditAllowed("office"); !errors.Is(err, ErrBusy) {
		t.Errorf("EditAllowed mid-transition = %v", err)
	}

	close(gate)
	if err := await(t, office); err != nil {
		t.Fatal(err)
	}
	if err := await(t, home); err != nil {
		t.Fatal(err)
	}
	mustState(t, fx.ctrl, "office", profile.Connected)
	mustState(t, fx.ctrl, "home", profile.Connected)
}

func TestToggleUnknownProfile(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.ctrl.Toggle("nope"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("Toggle(nope) = %v", err)
	}
}

func TestTransitionsFollowTable(t *testing.T) {
	fx := newFixture(t, withKillSwitch)
	ctx := context.Background()
	failErr := errors.New("exit status 1")

	steps := []func(){
		func() { toggle(t, fx.ctrl, "office") },
		func() { fx.tunnel.downErr = failErr; toggle(t, fx.ctrl, "office") },
		func() { fx.tunnel.downErr = nil; fx.tunnel.upErr = failErr; toggle(t, fx.ctrl, "office") },
		func() { fx.tunnel.upErr = nil; toggle(t, fx.ctrl, "office") },
		func() { toggle(t, fx.ctrl, "office") },
		func() { toggle(t, fx.ctrl, "home") },
		func() { fx.ctrl.Reconcile(ctx) },
	}
	for _, s := range steps {
		s()
	}

	allowed := map[[2]profile.Kind]bool{
		{profile.Disconnected, profile.Connecting}:    true,
		{profile.Connecting, profile.Connected}:       true,
		{profile.Connecting, profile.Failed}:          true,
		{profile.Connected, profile.Disconnecting}:    true,
		{profile.Disconnecting, profile.Disconnected}: true,
		{profile.Disconnecting, profile.Failed}:       true,
		{profile.Failed, profile.Connecting}:          true,
	}
	for _, tr := range fx.Transitions() {
		if !allowed[[2]profile.Kind{tr.from, tr.to}] {
			t.Errorf("unexpected transition %s: %s -> %s", tr.name, tr.from, tr.to)
		}
	}
}

func TestEditAllowed(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.EditAllowed("office"); err != nil {
		t.Errorf("disconnected profile: %v", err)
	}
	toggle(t, fx.ctrl, "office")
	err := fx.ctrl.EditAllowed("office")
	if !errors.Is(err, ErrConnected) || !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("connected profile: %v", err)
	}
	if err := fx.ctrl.EditAllowed("nope"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("unknown profile: %v", err)
	}
}

type fakeInspector map[string]*gateway.DeviceInfo

func (f fakeInspector) Inspect(_ context.Context, iface string) (*gateway.DeviceInfo, error) {
	if d, ok := f[iface]; ok {
		return d, nil
	}
	return nil, errors.New("no such device")
}

func TestKillSwitchUsesNegotiatedEndpoint(t *testing.T) {
	live := netip.MustParseAddrPort("192.0.2.44:51820")
	fx := newFixture(t, withKillSwitch, func(o *Options) {
		o.Inspector = fakeInspector{"office": {Name: "office", Peers: []gateway.PeerInfo{{Endpoint: live}}}}
	})
	if err := toggle(t, fx.ctrl, "office"); err != nil {
		t.Fatal(err)
	}
	chain := fx.ks.State("office").Token.Chain()
	rules := fx.sim.Rules("iptables", chain)
	for _, want := range []string{"203.0.113.7", "192.0.2.44"} {
		if !slices.ContainsFunc(rules, func(r []string) bool { return slices.Contains(r, want) }) {
			t.Errorf("%s not permitted: %v", want, rules)
		}
	}
	d, err := fx.ctrl.Details(context.Background(), "office")
	if err != nil || d.Name != "office" {
		t.Errorf("Details = %+v, %v", d, err)
	}
}

func TestExplicitKillSwitchControl(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	toggle(t, fx.ctrl, "office")
	if fx.ks.State("office").Active {
		t.Fatal("kill-switch enabled without policy")
	}
	if err := fx.ctrl.EnableKillSwitch(ctx, "office"); err != nil {
		t.Fatal(err)
	}
	if !fx.ks.State("office").Active {
		t.Fatal("explicit enable did not activate")
	}
	// The user may drop the kill-switch while connected.
	if err := fx.ctrl.DisableKillSwitch(ctx, "office"); err != nil {
		t.Fatal(err)
	}
	if fx.ks.State("office").Active {
		t.Error("explicit disable did not deactivate")
	}
	mustState(t, fx.ctrl, "office", profile.Connected)

	if err := fx.ctrl.SetKillSwitchOnConnect(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !fx.ks.State("office").Active {
		t.Error("turning the policy on should cover connected profiles")
	}
	if fx.ks.State("home").Active {
		t.Error("disconnected profile should not get a kill-switch")
	}
}

func TestShutdownPersistentLeavesRules(t *testing.T) {
	fx := newFixture(t, withKillSwitch)
	toggle(t, fx.ctrl, "office")
	tag := fx.ks.State("office").Token.String()

	if err := fx.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.sim.Tagged(tag) == 0 {
		t.Error("persistent kill-switch removed on shutdown")
	}
	if _, err := fx.ctrl.Toggle("office"); !errors.Is(err, ErrClosed) {
		t.Errorf("Toggle after shutdown = %v", err)
	}
}

func TestShutdownTransientWaitsAndRemoves(t *testing.T) {
	fx := newFixture(t, withKillSwitch, func(o *Options) { o.Transient = true })
	gate := make(chan struct{})
	fx.tunnel.gate = gate
	ch, err := fx.ctrl.Toggle("office")
	if err != nil {
		t.Fatal(err)
	}

	shutdown := make(chan error, 1)
	go func() { shutdown <- fx.ctrl.Shutdown(context.Background()) }()
	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a transition was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	await(t, ch)
	if err := <-shutdown; err != nil {
		t.Fatal(err)
	}
	mustState(t, fx.ctrl, "office", profile.Connected)
	if len(fx.sim.Chains("iptables")) != 0 {
		t.Error("transient kill-switch rules left after shutdown")
	}
}

func TestShutdownRacingToggles(t *testing.T) {
	for i := 0; i < 20; i++ {
		fx := newFixture(t)
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []<-chan error
		)
		for _, name := range []string{"office", "home", "office", "home"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ch, err := fx.ctrl.Toggle(name)
				switch {
				case err == nil:
					mu.Lock()
					accepted = append(accepted, ch)
					mu.Unlock()
				case !errors.Is(err, ErrClosed) && !errors.Is(err, ErrBusy):
					t.Errorf("Toggle(%s) = %v", name, err)
				}
			}()
		}
		if err := fx.ctrl.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
		// Toggles accepted before Shutdown have finished; later ones were refused.
		for _, ch := range accepted {
			select {
			case <-ch:
			default:
				t.Fatal("Shutdown returned before an accepted toggle finished")
			}
		}
	}
}
