package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	tokenPrefix = "wgguard:"
	chainPrefix = "WGG-"
)

// Token tags every firewall rule of one installed kill-switch rule set.
// It is recovered from the live rule set, so no state file is needed.
type Token struct {
	Profile    string
	Generation uint64
}

// String renders the token as written into rule comments.
func (t Token) String() string {
	return tokenPrefix + t.Profile + ":" + strconv.FormatUint(t.Generation, 10)
}

// Chain is the name of the dedicated chain holding the rule set.
func (t Token) Chain() string {
	return chainPrefix + strings.ToUpper(strconv.FormatUint(t.Generation, 36))
}

// ParseToken parses a rule comment written by Token.String.
func ParseToken(s string) (Token, bool) {
	rest, ok := strings.CutPrefix(s, tokenPrefix)
	if !ok {
		return Token{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return Token{}, false
	}
	gen, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return Token{}, false
	}
	return Token{Profile: rest[:i], Generation: gen}, true
}

// chainGeneration extracts the generation from a chain name.
func chainGeneration(chain string) (uint64, bool) {
	rest, ok := strings.CutPrefix(chain, chainPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.ToLower(rest), 36, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// RuleSet describes what a kill-switch permits for one profile.
type RuleSet struct {
	Token     Token
	Interface string
	Endpoints []netip.AddrPort
	AllowLAN  []netip.Prefix
	AllowDHCP bool
	IPv6      bool
}

// Firewall installs and removes token-tagged rule sets.
type Firewall interface {
	// InstallRules applies rs step by step. When a step fails after others
	// were applied it returns a *PartialError; it does not roll back.
	InstallRules(ctx context.Context, rs RuleSet) error
	// RemoveRules deletes every rule tagged with tok. Removing a token that
	// is not installed succeeds.
	RemoveRules(ctx context.Context, tok Token) error
	ListInstalledTokens(ctx context.Context) ([]Token, error)
}

// PartialError reports a rule set that was only partly installed.
type PartialError struct {
	Token   Token
	Applied int
	Total   int
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("install %s: applied %d of %d rules: %v", e.Token, e.Applied, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
