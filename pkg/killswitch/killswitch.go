// Package killswitch keeps per-profile firewall rule sets that block all
// traffic except the tunnel interface and its endpoints.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/psaab/wgguard/pkg/gateway"
)

// Policy holds the exceptions every rule set carries.
type Policy struct {
	AllowLAN  []netip.Prefix
	AllowDHCP bool
	IPv6      bool
}

// Target is what a rule set is scoped to.
type Target struct {
	Profile   string
	Interface string
	Endpoints []netip.AddrPort
}

// State is the kill-switch state of one profile.
type State struct {
	Active bool
	// Token identifies the installed rule set while Active, and the last
	// one removed afterwards.
	Token gateway.Token
	// Alert is set after a failed rollback left rules in an unknown state.
	Alert string
}

// PartialFailure means a rule set was partly installed and could not be
// rolled back. The host firewall is in a state nobody chose.
type PartialFailure struct {
	Profile     string
	Token       gateway.Token
	Err         error
	RollbackErr error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("kill-switch %s: partial install of %s not rolled back: %v (rollback: %v)",
		e.Profile, e.Token, e.Err, e.RollbackErr)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// Manager tracks kill-switch state per profile. Operations on one profile
// are serialized; different profiles proceed independently.
type Manager struct {
	fw     gateway.Firewall
	policy Policy
	now    func() time.Time

	// fwMu is held shared by single-profile changes and exclusively by
	// passes over the whole firewall, which would otherwise see a rule set
	// mid-install as an orphan chain. Taken before the profile lock.
	fwMu sync.RWMutex

	mu     sync.Mutex
	states map[string]State
	scopes map[gateway.Token]Target // what each installed token permits
	ops    map[string]*sync.Mutex
	gen    uint64
}

// New returns a manager with no recorded rule sets. Call Reconcile to
// adopt rule sets left by a previous run.
func New(fw gateway.Firewall, policy Policy) *Manager {
	return &Manager{
		fw:     fw,
		policy: policy,
		now:    time.Now,
		states: make(map[string]State),
		scopes: make(map[gateway.Token]Target),
		ops:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(profile string) func() {
	m.mu.Lock()
	op, ok := m.ops[profile]
	if !ok {
		op = &sync.Mutex{}
		m.ops[profile] = op
	}
	m.mu.Unlock()
	op.Lock()
	return op.Unlock
}

// nextGeneration returns a generation greater than any issued or adopted.
// Wall-clock seeding keeps generations increasing across restarts.
func (m *Manager) nextGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := uint64(m.now().UnixNano())
	if g <= m.gen {
		g = m.gen + 1
	}
	m.gen = g
	return g
}

func (m *Manager) observeGeneration(g uint64) {
	m.mu.Lock()
	if g > m.gen {
		m.gen = g
	}
	m.mu.Unlock()
}

func (m *Manager) setState(profile string, st State) {
	m.mu.Lock()
	m.states[profile] = st
	m.mu.Unlock()
}

// State returns the kill-switch state of profile.
func (m *Manager) State(profile string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[profile]
}

// States returns a copy of every recorded state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Enable installs a rule set for t under a fresh token. It is a no-op when
// the profile's active rule set was installed for the same target. An
// active rule set with a different or unknown scope is replaced: the new
// one is installed before the old one is removed. On failure the applied
// part is rolled back and the previous state kept; if the rollback fails
// too a *PartialFailure is returned and the token stays recorded as Active
// so a later Disable can clear it.
func (m *Manager) Enable(ctx context.Context, t Target) error {
	m.fwMu.RLock()
	defer m.fwMu.RUnlock()
	unlock := m.lock(t.Profile)
	defer unlock()

	cur := m.State(t.Profile)
	if cur.Active {
		if prev, ok := m.scope(cur.Token); ok && sameScope(prev, t) {
			return nil
		}
	}

	tok := gateway.Token{Profile: t.Profile, Generation: m.nextGeneration()}
	rs := gateway.RuleSet{
		Token:     tok,
		Interface: t.Interface,
		Endpoints: t.Endpoints,
		AllowLAN:  m.policy.AllowLAN,
		AllowDHCP: m.policy.AllowDHCP,
		IPv6:      m.policy.IPv6,
	}
	err := m.fw.InstallRules(ctx, rs)
	if err == nil {
		m.mu.Lock()
		m.scopes[tok] = t
		m.mu.Unlock()
		m.setState(t.Profile, State{Active: true, Token: tok})
		slog.Info("kill-switch enabled", "profile", t.Profile, "token", tok.String(), "endpoints", len(t.Endpoints))
		if cur.Active {
			m.retire(ctx, cur.Token)
		}
		return nil
	}

	if rbErr := m.rollback(context.WithoutCancel(ctx), tok); rbErr != nil {
		pf := &PartialFailure{Profile: t.Profile, Token: tok, Err: err, RollbackErr: rbErr}
		m.setState(t.Profile, State{Active: true, Token: tok, Alert: pf.Error()})
		slog.Error("kill-switch rollback failed", "profile", t.Profile, "token", tok.String(), "err", err, "rollback_err", rbErr)
		return pf
	}
	return fmt.Errorf("kill-switch %s: %w", t.Profile, err)
}

func (m *Manager) scope(tok gateway.Token) (Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.scopes[tok]
	return t, ok
}

func sameScope(a, b Target) bool {
	return a.Interface == b.Interface && slices.Equal(a.Endpoints, b.Endpoints)
}

// retire removes a rule set superseded by a newer one. A failure leaves it
// installed; Reconcile removes it later as an older generation.
func (m *Manager) retire(ctx context.Context, tok gateway.Token) {
	if err := m.fw.RemoveRules(ctx, tok); err != nil {
		slog.Warn("superseded kill-switch rules not removed", "profile", tok.Profile, "token", tok.String(), "err", err)
		return
	}
	m.mu.Lock()
	delete(m.scopes, tok)
	m.mu.Unlock()
	slog.Info("kill-switch rescoped", "profile", tok.Profile, "removed", tok.String())
}

// rollback removes everything tagged with tok and confirms nothing is
// left.
func (m *Manager) rollback(ctx context.Context, tok gateway.Token) error {
	if err := m.fw.RemoveRules(ctx, tok); err != nil {
		return err
	}
	tokens, err := m.fw.ListInstalledTokens(ctx)
	if err != nil {
		return fmt.Errorf("verify rollback: %w", err)
	}
	for _, t := range tokens {
		if t.Generation == tok.Generation {
			return fmt.Errorf("rules tagged %s still installed after rollback", tok)
		}
	}
	return nil
}

// Disable removes the profile's rule set. Disabling an inactive profile
// succeeds without touching the firewall. When removal fails the profile
// stays Active.
func (m *Manager) Disable(ctx context.Context, profile string) error {
	m.fwMu.RLock()
	defer m.fwMu.RUnlock()
	unlock := m.lock(profile)
	defer unlock()

	st := m.State(profile)
	if !st.Active {
		return nil
	}
	if err := m.fw.RemoveRules(ctx, st.Token); err != nil {
		return fmt.Errorf("kill-switch %s: %w", profile, err)
	}
	m.mu.Lock()
	delete(m.scopes, st.Token)
	m.mu.Unlock()
	m.setState(profile, State{Token: st.Token})
	slog.Info("kill-switch disabled", "profile", profile, "token", st.Token.String())
	return nil
}

// Report describes what Reconcile changed.
type Report struct {
	Adopted []gateway.Token // untracked rule sets now recorded as Active
	Removed []gateway.Token // superseded or orphaned rule sets deleted
	Lost    []gateway.Token // tracked rule sets no longer in the firewall
}

// Empty reports whether reconciliation changed nothing.
func (r Report) Empty() bool {
	return len(r.Adopted) == 0 && len(r.Removed) == 0 && len(r.Lost) == 0
}

// Reconcile brings the recorded states in line with the live firewall.
// For each profile the newest tagged rule set is adopted and older ones
// are removed. Chains without any tagged rule are leftovers of a crashed
// install and are removed. Tracked rule sets that vanished are marked
// Inactive.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	m.fwMu.Lock()
	defer m.fwMu.Unlock()

	var rep Report
	tokens, err := m.fw.ListInstalledTokens(ctx)
	if err != nil {
		return rep, fmt.Errorf("kill-switch reconcile: %w", err)
	}

	byProfile := make(map[string][]gateway.Token)
	var errs []error
	for _, tok := range tokens {
		m.observeGeneration(tok.Generation)
		if tok.Profile == "" {
			if err := m.fw.RemoveRules(ctx, tok); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Removed = append(rep.Removed, tok)
			continue
		}
		byProfile[tok.Profile] = append(byProfile[tok.Profile], tok)
	}

	profiles := make([]string, 0, len(byProfile))
	for p := range byProfile {
		profiles = append(profiles, p)
	}
	for p := range m.States() {
		if _, ok := byProfile[p]; !ok {
			profiles = append(profiles, p)
		}
	}
	sort.Strings(profiles)

	for _, p := range profiles {
		if err := m.reconcileProfile(ctx, p, byProfile[p], &rep); err != nil {
			errs = append(errs, err)
		}
	}
	return rep, errors.Join(errs...)
}

func (m *Manager) reconcileProfile(ctx context.Context, profile string, live []gateway.Token, rep *Report) error {
	unlock := m.lock(profile)
	defer unlock()

	st := m.State(profile)
	if len(live) == 0 {
		if st.Active {
			m.setState(profile, State{Token: st.Token})
			rep.Lost = append(rep.Lost, st.Token)
			slog.Warn("kill-switch rules disappeared", "profile", profile, "token", st.Token.String())
		}
		return nil
	}

	slices.SortFunc(live, func(a, b gateway.Token) int {
		switch {
		case a.Generation < b.Generation:
			return -1
		case a.Generation > b.Generation:
			return 1
		}
		return 0
	})
	keep := live[len(live)-1]
	if st.Active && slices.Contains(live, st.Token) {
		keep = st.Token
	}
	if !st.Active || st.Token != keep {
		if st.Active {
			rep.Lost = append(rep.Lost, st.Token)
		}
		m.setState(profile, State{Active: true, Token: keep, Alert: st.Alert})
		rep.Adopted = append(rep.Adopted, keep)
		slog.Info("kill-switch rules adopted", "profile", profile, "token", keep.String())
	}

	var errs []error
	for _, tok := range live {
		if tok == keep {
			continue
		}
		if err := m.fw.RemoveRules(ctx, tok); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Removed = append(rep.Removed, tok)
	}
	return errors.Join(errs...)
}

// RemoveAll deletes every rule set found in the firewall, tracked or not.
func (m *Manager) RemoveAll(ctx context.Context) ([]gateway.Token, error) {
	m.fwMu.Lock()
	defer m.fwMu.Unlock()

	tokens, err := m.fw.ListInstalledTokens(ctx)
	if err != nil {
		return nil, err
	}
	var removed []gateway.Token
	var errs []error
	for _, tok := range tokens {
		if err := m.fw.RemoveRules(ctx, tok); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, tok)
		if tok.Profile != "" {
			m.mu.Lock()
			if st, ok := m.states[tok.Profile]; ok && st.Token == tok {
				m.states[tok.Profile] = State{Token: tok}
			}
			m.mu.Unlock()
		}
	}
	return removed, errors.Join(errs...)
}
