package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// IPTables implements Firewall with iptables and ip6tables. Each rule set
// lives in its own chain, jumped to from the top of OUTPUT.
type IPTables struct {
	Runner Runner
	// IPv6 also manages ip6tables. Without it IPv6 traffic is not filtered.
	IPv6 bool
}

type family struct {
	bin string
	v6  bool
}

func (f *IPTables) families() []family {
	fams := []family{{bin: "iptables"}}
	if f.IPv6 {
		fams = append(fams, family{bin: "ip6tables", v6: true})
	}
	return fams
}

type step struct {
	bin  string
	args []string
}

func (s step) String() string { return s.bin + " " + strings.Join(s.args, " ") }

func tagArgs(tok Token) []string {
	return []string{"-m", "comment", "--comment", tok.String()}
}

// plan returns the ordered install steps for rs.
func (f *IPTables) plan(rs RuleSet) []step {
	tok := rs.Token
	chain := tok.Chain()
	tag := tagArgs(tok)
	var steps []step
	for _, fam := range f.families() {
		add := func(args ...string) {
			steps = append(steps, step{bin: fam.bin, args: append([]string{"-w"}, args...)})
		}
		rule := func(match ...string) {
			args := append([]string{"-A", chain}, match...)
			args = append(args, tag...)
			add(append(args, "-j", "ACCEPT")...)
		}

		add("-N", chain)
		rule("-o", "lo")
		if rs.Interface != "" {
			rule("-o", rs.Interface)
		}
		for _, ep := range rs.Endpoints {
			addr := ep.Addr().Unmap()
			if addr.Is6() != fam.v6 {
				continue
			}
			rule("-d", addr.String(), "-p", "udp", "--dport", strconv.Itoa(int(ep.Port())))
		}
		if rs.AllowDHCP && !fam.v6 {
			rule("-p", "udp", "--sport", "68", "--dport", "67")
		}
		for _, p := range rs.AllowLAN {
			if p.Addr().Is6() != fam.v6 {
				continue
			}
			rule("-d", p.String())
		}
		add(append(append([]string{"-A", chain}, tag...), "-j", "DROP")...)
		add(append(append([]string{"-I", "OUTPUT", "1"}, tag...), "-j", chain)...)
	}
	return steps
}

// InstallRules applies the plan in order and stops at the first failure.
func (f *IPTables) InstallRules(ctx context.Context, rs RuleSet) error {
	steps := f.plan(rs)
	for i, s := range steps {
		if _, err := f.Runner.Run(ctx, s.bin, s.args...); err != nil {
			if i == 0 {
				return fmt.Errorf("install %s: %w", rs.Token, err)
			}
			return &PartialError{Token: rs.Token, Applied: i, Total: len(steps), Err: err}
		}
	}
	slog.Debug("kill-switch rules installed", "token", rs.Token.String(), "rules", len(steps))
	return nil
}

// RemoveRules unhooks, flushes and deletes the token's chain in every
// family. It works from the live listing so half-installed sets are
// removed too.
func (f *IPTables) RemoveRules(ctx context.Context, tok Token) error {
	var errs []error
	for _, fam := range f.families() {
		listing, err := f.list(ctx, fam)
		if err != nil {
			if fam.v6 && IsNotFound(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, s := range removalSteps(fam.bin, tok, listing) {
			if _, err := f.Runner.Run(ctx, s.bin, s.args...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove %s: %w", tok, err)
	}
	return nil
}

// removalSteps derives the delete commands for tok from a `-S` listing.
func removalSteps(bin string, tok Token, listing []ruleLine) []step {
	chain := tok.Chain()
	tag := tok.String()
	var steps []step
	hasChain := false
	for _, l := range listing {
		switch {
		case l.newChain == chain:
			hasChain = true
		case l.chain != chain && l.comment == tag:
			// Jumps (and anything else tagged) outside our chain.
			args := append([]string{"-w", "-D", l.chain}, l.spec...)
			steps = append(steps, step{bin: bin, args: args})
		}
	}
	if hasChain {
		steps = append(steps,
			step{bin: bin, args: []string{"-w", "-F", chain}},
			step{bin: bin, args: []string{"-w", "-X", chain}},
		)
	}
	return steps
}

// ListInstalledTokens returns every token found in rule comments, plus a
// token with an empty profile for each wgguard chain that carries no
// tagged rule.
func (f *IPTables) ListInstalledTokens(ctx context.Context) ([]Token, error) {
	seen := make(map[Token]bool)
	tagged := make(map[uint64]bool)
	chains := make(map[uint64]bool)
	for _, fam := range f.families() {
		listing, err := f.list(ctx, fam)
		if err != nil {
			if fam.v6 && IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, l := range listing {
			if gen, ok := chainGeneration(l.newChain); ok {
				chains[gen] = true
			}
			if tok, ok := ParseToken(l.comment); ok {
				seen[tok] = true
				tagged[tok.Generation] = true
			}
		}
	}
	for gen := range chains {
		if !tagged[gen] {
			seen[Token{Generation: gen}] = true
		}
	}
	tokens := make([]Token, 0, len(seen))
	for t := range seen {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Generation != tokens[j].Generation {
			return tokens[i].Generation < tokens[j].Generation
		}
		return tokens[i].Profile < tokens[j].Profile
	})
	return tokens, nil
}

func (f *IPTables) list(ctx context.Context, fam family) ([]ruleLine, error) {
	res, err := f.Runner.Run(ctx, fam.bin, "-w", "-S")
	if err != nil {
		return nil, err
	}
	return parseRules(res.Stdout), nil
}

// ruleLine is one parsed line of `iptables -S` output.
type ruleLine struct {
	newChain string   // set for "-N <chain>"
	chain    string   // set for "-A <chain> ..."
	spec     []string // rule arguments after the chain name
	comment  string
}

func parseRules(output string) []ruleLine {
	var lines []ruleLine
	for _, raw := range strings.Split(output, "\n") {
		fields := splitQuoted(strings.TrimSpace(raw))
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "-N":
			lines = append(lines, ruleLine{newChain: fields[1]})
		case "-A":
			l := ruleLine{chain: fields[1], spec: fields[2:]}
			for i := 2; i+1 < len(fields); i++ {
				if fields[i] == "--comment" {
					l.comment = fields[i+1]
					break
				}
			}
			lines = append(lines, l)
		}
	}
	return lines
}

// splitQuoted splits on whitespace, honoring double quotes the way
// iptables -S quotes comments.
func splitQuoted(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote, escaped, have := false, false, false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			have = true
		case (r == ' ' || r == '\t') && !inQuote:
			if have {
				fields = append(fields, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		fields = append(fields, cur.String())
	}
	return fields
}
