package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/wgguard/pkg/profile"
)

var allKinds = []profile.Kind{
	profile.Disconnected, profile.Connecting, profile.Connected, profile.Disconnecting, profile.Failed,
}

// wgguardCollector implements prometheus.Collector, reading controller
// state on each scrape.
type wgguardCollector struct {
	srv *Server

	profileState     *prometheus.Desc
	killSwitchActive *prometheus.Desc
	killSwitchAlert  *prometheus.Desc
	transitionsTotal *prometheus.Desc
	driftTotal       *prometheus.Desc
	gatewayFailures  *prometheus.Desc
	partialFailures  *prometheus.Desc
	killSwitchOnConn *prometheus.Desc
	statusLogEntries *prometheus.Desc
}

func newCollector(srv *Server) *wgguardCollector {
	return &wgguardCollector{
		srv: srv,

		profileState: prometheus.NewDesc(
			"wgguard_profile_state",
			"Connection state of a profile (1 for the current state).",
			[]string{"profile", "state"}, nil,
		),
		killSwitchActive: prometheus.NewDesc(
			"wgguard_killswitch_active",
			"Whether kill-switch rules are installed for a profile.",
			[]string{"profile"}, nil,
		),
		killSwitchAlert: prometheus.NewDesc(
			"wgguard_killswitch_alert",
			"Whether a profile's kill-switch is in an unknown state after a failed rollback.",
			[]string{"profile"}, nil,
		),
		transitionsTotal: prometheus.NewDesc(
			"wgguard_transitions_total",
			"Total connection state transitions.",
			[]string{"from", "to"}, nil,
		),
		driftTotal: prometheus.NewDesc(
			"wgguard_reconcile_drift_total",
			"Total states corrected by reconciliation.",
			nil, nil,
		),
		gatewayFailures: prometheus.NewDesc(
			"wgguard_gateway_failures_total",
			"Total failed tunnel commands.",
			[]string{"op"}, nil,
		),
		partialFailures: prometheus.NewDesc(
			"wgguard_killswitch_partial_failures_total",
			"Total kill-switch installs that could not be rolled back.",
			nil, nil,
		),
		killSwitchOnConn: prometheus.NewDesc(
			"wgguard_killswitch_on_connect",
			"Whether the kill-switch is enabled on every connect.",
			nil, nil,
		),
		statusLogEntries: prometheus.NewDesc(
			"wgguard_status_log_entries_total",
			"Total status log entries appended.",
			nil, nil,
		),
	}
}

func (c *wgguardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.profileState
	ch <- c.killSwitchActive
	ch <- c.killSwitchAlert
	ch <- c.transitionsTotal
	ch <- c.driftTotal
	ch <- c.gatewayFailures
	ch <- c.partialFailures
	ch <- c.killSwitchOnConn
	ch <- c.statusLogEntries
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *wgguardCollector) Collect(ch chan<- prometheus.Metric) {
	ctrl := c.srv.ctrl
	for _, st := range ctrl.Snapshot() {
		for _, k := range allKinds {
			ch <- prometheus.MustNewConstMetric(c.profileState, prometheus.GaugeValue,
				boolValue(st.State.Kind == k), st.Name, k.String())
		}
		ch <- prometheus.MustNewConstMetric(c.killSwitchActive, prometheus.GaugeValue,
			boolValue(st.KillSwitch.Active), st.Name)
		ch <- prometheus.MustNewConstMetric(c.killSwitchAlert, prometheus.GaugeValue,
			boolValue(st.KillSwitch.Alert != ""), st.Name)
	}

	stats := ctrl.Stats()
	for k, v := range stats.Transitions {
		ch <- prometheus.MustNewConstMetric(c.transitionsTotal, prometheus.CounterValue,
			float64(v), k.From.String(), k.To.String())
	}
	ch <- prometheus.MustNewConstMetric(c.driftTotal, prometheus.CounterValue, float64(stats.Drift))
	for op, v := range stats.GatewayFailures {
		ch <- prometheus.MustNewConstMetric(c.gatewayFailures, prometheus.CounterValue, float64(v), op)
	}
	ch <- prometheus.MustNewConstMetric(c.partialFailures, prometheus.CounterValue, float64(stats.Alerts))
	ch <- prometheus.MustNewConstMetric(c.killSwitchOnConn, prometheus.GaugeValue,
		boolValue(ctrl.KillSwitchOnConnect()))
	if c.srv.log != nil {
		ch <- prometheus.MustNewConstMetric(c.statusLogEntries, prometheus.CounterValue,
			float64(c.srv.log.Seq()))
	}
}
