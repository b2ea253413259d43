// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds process status information.
type StatusResponse struct {
	Uptime              string `json:"uptime"`
	ProfileDir          string `json:"profile_dir"`
	ProfileCount        int    `json:"profile_count"`
	KillSwitchOnConnect bool   `json:"killswitch_on_connect"`
}

// KillSwitchInfo is the kill-switch state of one profile.
type KillSwitchInfo struct {
	Active bool   `json:"active"`
	Token  string `json:"token,omitempty"`
	Chain  string `json:"chain,omitempty"`
	Alert  string `json:"alert,omitempty"`
}

// ProfileInfo is one profile and its state.
type ProfileInfo struct {
	Name       string         `json:"name"`
	Interface  string         `json:"interface"`
	Path       string         `json:"path"`
	State      string         `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	KillSwitch KillSwitchInfo `json:"killswitch"`
	Missing    bool           `json:"missing,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	Device     *DeviceInfo    `json:"device,omitempty"`
}

// DeviceInfo is the live state of a tunnel interface.
type DeviceInfo struct {
	PublicKey  string     `json:"public_key,omitempty"`
	ListenPort int        `json:"listen_port,omitempty"`
	Peers      []PeerInfo `json:"peers"`
}

// PeerInfo is the live state of one peer.
type PeerInfo struct {
	PublicKey     string   `json:"public_key"`
	Endpoint      string   `json:"endpoint,omitempty"`
	AllowedIPs    []string `json:"allowed_ips,omitempty"`
	LastHandshake string   `json:"last_handshake,omitempty"`
	RxBytes       int64    `json:"rx_bytes"`
	TxBytes       int64    `json:"tx_bytes"`
}

// LogEntry is one status log entry.
type LogEntry struct {
	Time    string `json:"time"`
	Profile string `json:"profile,omitempty"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Alert   bool   `json:"alert,omitempty"`
	Message string `json:"message,omitempty"`
}

// KillSwitchRequest is the body of a kill-switch change.
type KillSwitchRequest struct {
	Enabled bool `json:"enabled"`
}
