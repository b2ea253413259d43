package gateway_test

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/gateway/gatewaytest"
)

func officeRules(gen uint64) gateway.RuleSet {
	return gateway.RuleSet{
		Token:     gateway.Token{Profile: "office", Generation: gen},
		Interface: "office",
		Endpoints: []netip.AddrPort{netip.MustParseAddrPort("203.0.113.7:51820")},
		AllowDHCP: true,
		IPv6:      true,
	}
}

func TestIPTablesInstallListRemove(t *testing.T) {
	sim := gatewaytest.NewIPTables()
	fw := &gateway.IPTables{Runner: sim, IPv6: true}
	ctx := context.Background()
	rs := officeRules(7)

	if err := fw.InstallRules(ctx, rs); err != nil {
		t.Fatal(err)
	}
	if got := sim.Chains("iptables"); !slices.Equal(got, []string{"WGG-7"}) {
		t.Errorf("iptables chains = %v", got)
	}
	if got := sim.Chains("ip6tables"); !slices.Equal(got, []string{"WGG-7"}) {
		t.Errorf("ip6tables chains = %v", got)
	}
	out := sim.Rules("iptables", "OUTPUT")
	if len(out) != 1 || out[0][len(out[0])-1] != "WGG-7" {
		t.Errorf("OUTPUT jump missing: %v", out)
	}

	tokens, err := fw.ListInstalledTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]gateway.Token{rs.Token}, tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if err := fw.RemoveRules(ctx, rs.Token); err != nil {
		t.Fatal(err)
	}
	if n := sim.Tagged(rs.Token.String()); n != 0 {
		t.Errorf("%d tagged rules left after remove", n)
	}
	if got := sim.Chains("iptables"); len(got) != 0 {
		t.Errorf("chains left after remove: %v", got)
	}

	// Removing again is a no-op.
	if err := fw.RemoveRules(ctx, rs.Token); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestIPTablesPartialInstall(t *testing.T) {
	sim := gatewaytest.NewIPTables()
	rs := officeRules(9)
	sim.FailOn = func(bin string, args []string) error {
		if bin == "ip6tables" && args[0] == "-A" {
			return gatewaytest.ErrInjected
		}
		return nil
	}
	fw := &gateway.IPTables{Runner: sim, IPv6: true}
	ctx := context.Background()

	err := fw.InstallRules(ctx, rs)
	var pe *gateway.PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PartialError, got %T %v", err, err)
	}
	if pe.Applied == 0 || pe.Applied >= pe.Total {
		t.Errorf("Applied = %d of %d", pe.Applied, pe.Total)
	}
	if sim.Tagged(rs.Token.String()) == 0 {
		t.Fatal("expected some rules to be applied before the failure")
	}

	sim.FailOn = nil
	if err := fw.RemoveRules(ctx, rs.Token); err != nil {
		t.Fatal(err)
	}
	if n := sim.Tagged(rs.Token.String()); n != 0 {
		t.Errorf("%d tagged rules left after cleanup", n)
	}
	if got := sim.Chains("ip6tables"); len(got) != 0 {
		t.Errorf("empty ip6tables chain left behind: %v", got)
	}
}

func TestIPTablesFirstStepFailureIsNotPartial(t *testing.T) {
	sim := gatewaytest.NewIPTables()
	sim.FailOn = func(string, []string) error { return gatewaytest.ErrInjected }
	fw := &gateway.IPTables{Runner: sim}
	err := fw.InstallRules(context.Background(), officeRules(3))
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *gateway.PartialError
	if errors.As(err, &pe) {
		t.Errorf("nothing was applied, got partial error %v", pe)
	}
}

func TestIPTablesOrphanChain(t *testing.T) {
	sim := gatewaytest.NewIPTables()
	ctx := context.Background()
	if _, err := sim.Run(ctx, "iptables", "-w", "-N", "WGG-B"); err != nil {
		t.Fatal(err)
	}
	fw := &gateway.IPTables{Runner: sim}
	tokens, err := fw.ListInstalledTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []gateway.Token{{Generation: 11}}
	if diff := cmp.Diff(want, tokens); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if err := fw.RemoveRules(ctx, tokens[0]); err != nil {
		t.Fatal(err)
	}
	if got := sim.Chains("iptables"); len(got) != 0 {
		t.Errorf("orphan chain not removed: %v", got)
	}
}

func TestIPTablesIgnoresForeignRules(t *testing.T) {
	sim := gatewaytest.NewIPTables()
	ctx := context.Background()
	sim.Run(ctx, "iptables", "-N", "DOCKER")
	sim.Run(ctx, "iptables", "-A", "OUTPUT", "-m", "comment", "--comment", "not ours", "-j", "DOCKER")

	fw := &gateway.IPTables{Runner: sim}
	tokens, err := fw.ListInstalledTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 0 {
		t.Errorf("foreign rules produced tokens: %v", tokens)
	}
}
