// Package gatewaytest provides in-memory stand-ins for the external
// commands driven by package gateway.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/psaab/wgguard/pkg/gateway"
)

// Fail builds the result and error a failed command produces.
func Fail(name string, args []string, exitCode int, stderr string) (gateway.Result, error) {
	res := gateway.Result{Stderr: stderr, ExitCode: exitCode}
	return res, &gateway.Error{
		Cmd:      strings.TrimSpace(name + " " + strings.Join(args, " ")),
		Kind:     gateway.KindExit,
		ExitCode: exitCode,
		Output:   strings.TrimSpace(stderr),
		Err:      fmt.Errorf("exit status %d", exitCode),
	}
}

// Runner records calls and answers them through Handler. A nil Handler
// succeeds with empty output.
type Runner struct {
	Handler func(name string, args []string) (gateway.Result, error)

	mu    sync.Mutex
	calls []string
}

func (r *Runner) Run(_ context.Context, name string, args ...string) (gateway.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	h := r.Handler
	r.mu.Unlock()
	if h == nil {
		return gateway.Result{}, nil
	}
	return h(name, args)
}

// Calls returns the command lines run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// IPTables simulates the filter table of iptables and ip6tables closely
// enough for rule install, removal and listing.
type IPTables struct {
	// FailOn, when set, is consulted before each mutating command; a
	// non-nil return fails that command.
	FailOn func(bin string, args []string) error

	mu     sync.Mutex
	tables map[string]*table
	calls  int
}

type table struct {
	order []string
	rules map[string][][]string
}

func newTable() *table {
	t := &table{rules: make(map[string][][]string)}
	for _, c := range []string{"INPUT", "FORWARD", "OUTPUT"} {
		t.order = append(t.order, c)
		t.rules[c] = nil
	}
	return t
}

var builtin = map[string]bool{"INPUT": true, "FORWARD": true, "OUTPUT": true}

// NewIPTables returns an empty simulator.
func NewIPTables() *IPTables {
	return &IPTables{tables: make(map[string]*table)}
}

func (s *IPTables) table(bin string) *table {
	t, ok := s.tables[bin]
	if !ok {
		t = newTable()
		s.tables[bin] = t
	}
	return t
}

// Run implements gateway.Runner for iptables and ip6tables commands.
func (s *IPTables) Run(_ context.Context, name string, args ...string) (gateway.Result, error) {
	if name != "iptables" && name != "ip6tables" {
		return Fail(name, args, 127, name+": command not found")
	}
	a := slices.DeleteFunc(slices.Clone(args), func(v string) bool { return v == "-w" })
	if len(a) == 0 {
		return Fail(name, args, 2, "no command specified")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	t := s.table(name)

	if a[0] == "-S" {
		return gateway.Result{Stdout: t.dump()}, nil
	}
	if s.FailOn != nil {
		if err := s.FailOn(name, a); err != nil {
			return Fail(name, args, 1, err.Error())
		}
	}
	if len(a) < 2 {
		return Fail(name, args, 2, "missing chain")
	}
	chain := a[1]
	_, exists := t.rules[chain]
	switch a[0] {
	case "-N":
		if exists {
			return Fail(name, args, 1, "iptables: Chain already exists.")
		}
		t.order = append(t.order, chain)
		t.rules[chain] = nil
	case "-A":
		if !exists {
			return Fail(name, args, 1, "iptables: No chain/target/match by that name.")
		}
		t.rules[chain] = append(t.rules[chain], slices.Clone(a[2:]))
	case "-I":
		if !exists || len(a) < 3 {
			return Fail(name, args, 1, "iptables: No chain/target/match by that name.")
		}
		spec := slices.Clone(a[3:])
		t.rules[chain] = slices.Insert(t.rules[chain], 0, spec)
	case "-D":
		idx := -1
		for i, r := range t.rules[chain] {
			if slices.Equal(r, a[2:]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Fail(name, args, 1, "iptables: Bad rule (does a matching rule exist in that chain?).")
		}
		t.rules[chain] = slices.Delete(t.rules[chain], idx, idx+1)
	case "-F":
		if !exists {
			return Fail(name, args, 1, "iptables: No chain/target/match by that name.")
		}
		t.rules[chain] = nil
	case "-X":
		if !exists || builtin[chain] {
			return Fail(name, args, 1, "iptables: No chain/target/match by that name.")
		}
		if len(t.rules[chain]) > 0 {
			return Fail(name, args, 1, "iptables: Directory not empty.")
		}
		if t.referenced(chain) {
			return Fail(name, args, 1, "iptables: Too many links.")
		}
		delete(t.rules, chain)
		t.order = slices.DeleteFunc(t.order, func(c string) bool { return c == chain })
	default:
		return Fail(name, args, 2, "unknown command "+a[0])
	}
	return gateway.Result{}, nil
}

func (t *table) referenced(chain string) bool {
	for _, rules := range t.rules {
		for _, r := range rules {
			if i := slices.Index(r, "-j"); i >= 0 && i+1 < len(r) && r[i+1] == chain {
				return true
			}
		}
	}
	return false
}

func (t *table) dump() string {
	var sb strings.Builder
	for _, c := range t.order {
		if builtin[c] {
			fmt.Fprintf(&sb, "-P %s ACCEPT\n", c)
		}
	}
	for _, c := range t.order {
		if !builtin[c] {
			fmt.Fprintf(&sb, "-N %s\n", c)
		}
	}
	for _, c := range t.order {
		for _, r := range t.rules[c] {
			sb.WriteString("-A " + c)
			for i, f := range r {
				if i > 0 && r[i-1] == "--comment" {
					f = `"` + f + `"`
				}
				sb.WriteString(" " + f)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Chains returns the user-defined chains of bin.
func (s *IPTables) Chains(bin string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.table(bin).order {
		if !builtin[c] {
			out = append(out, c)
		}
	}
	return out
}

// Rules returns the rules of chain in bin.
func (s *IPTables) Rules(bin, chain string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.table(bin).rules[chain])
}

// Tagged counts rules in every table whose comment equals tag.
func (s *IPTables) Tagged(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tables {
		for _, rules := range t.rules {
			for _, r := range rules {
				if i := slices.Index(r, "--comment"); i >= 0 && i+1 < len(r) && r[i+1] == tag {
					n++
				}
			}
		}
	}
	return n
}

// Calls returns how many iptables commands were run, listings included.
func (s *IPTables) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ErrInjected is a convenience error for FailOn.
var ErrInjected = errors.New("iptables: injected failure")
