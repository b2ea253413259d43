// Package config loads the wgguard application configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the application config is read from when no
// -config flag is given.
const DefaultPath = "/etc/wgguard/wgguard.yaml"

// Status sources.
const (
	StatusWG      = "wg"      // `wg show interfaces`
	StatusNetlink = "netlink" // kernel link list
)

// Sudo modes.
const (
	SudoAuto   = "auto" // prefix commands with sudo when not running as root
	SudoAlways = "always"
	SudoNever  = "never"
)

// Config is the application configuration.
type Config struct {
	ProfileDir        string        `yaml:"profile_dir"`
	LogFile           string        `yaml:"log_file"`
	LogMaxSize        int64         `yaml:"log_max_size"`
	LogMaxFiles       int           `yaml:"log_max_files"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StatusSource      string        `yaml:"status_source"`
	Sudo              string        `yaml:"sudo"`
	APIListen         string        `yaml:"api_listen"`
	APIKeys           []string      `yaml:"api_keys"`
	HistoryFile       string        `yaml:"history_file"`
	Resolver          string        `yaml:"resolver"`
	Watch             *bool         `yaml:"watch"`
	KillSwitch        KillSwitch    `yaml:"killswitch"`
	Syslog            []Syslog      `yaml:"syslog"`
}

// Syslog is a remote syslog destination for the process log.
type Syslog struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Severity is the least severe level forwarded (e.g. "warning").
	Severity string `yaml:"severity"`
}

// KillSwitch holds the kill-switch policy.
type KillSwitch struct {
	// Enabled requests the kill-switch for every profile that connects.
	Enabled bool `yaml:"enabled"`
	// Transient removes installed rules when the program exits. When false
	// rules persist across exit so traffic stays blocked (fail closed).
	Transient bool     `yaml:"transient"`
	AllowLAN  []string `yaml:"allow_lan"`
	AllowDHCP *bool    `yaml:"allow_dhcp"`
	IPv6      *bool    `yaml:"ipv6"`
}

// DefaultProfileDir returns the wg-quick configuration directory for the
// running OS.
func DefaultProfileDir() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/etc/wireguard"
	}
	return "/etc/wireguard"
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ProfileDir == "" {
		c.ProfileDir = DefaultProfileDir()
	}
	if c.LogFile == "" {
		c.LogFile = "/var/log/wgguard.log"
	}
	if c.LogMaxSize == 0 {
		c.LogMaxSize = 1024 * 1024
	}
	if c.LogMaxFiles == 0 {
		c.LogMaxFiles = 3
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.StatusSource == "" {
		c.StatusSource = StatusWG
	}
	if c.Sudo == "" {
		c.Sudo = SudoAuto
	}
	if c.HistoryFile == "" {
		c.HistoryFile = "/tmp/wgguard_history"
	}
	if c.Watch == nil {
		c.Watch = boolPtr(true)
	}
	if c.KillSwitch.AllowDHCP == nil {
		c.KillSwitch.AllowDHCP = boolPtr(true)
	}
	if c.KillSwitch.IPv6 == nil {
		c.KillSwitch.IPv6 = boolPtr(true)
	}
}

func boolPtr(b bool) *bool { return &b }

// WatchEnabled reports whether the profile directory is watched for changes.
func (c *Config) WatchEnabled() bool { return c.Watch == nil || *c.Watch }

// DHCPAllowed reports whether DHCP is let through the kill-switch.
func (k KillSwitch) DHCPAllowed() bool { return k.AllowDHCP == nil || *k.AllowDHCP }

// IPv6Enabled reports whether ip6tables rules are installed too.
func (k KillSwitch) IPv6Enabled() bool { return k.IPv6 == nil || *k.IPv6 }

// LANPrefixes returns the parsed allow_lan CIDRs.
func (k KillSwitch) LANPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range k.AllowLAN {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("allow_lan %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.ReconcileInterval < 0 {
		errs = append(errs, fmt.Errorf("reconcile_interval must not be negative: %s", c.ReconcileInterval))
	}
	switch c.StatusSource {
	case StatusWG, StatusNetlink:
	default:
		errs = append(errs, fmt.Errorf("status_source: unknown value %q (want %q or %q)", c.StatusSource, StatusWG, StatusNetlink))
	}
	switch c.Sudo {
	case SudoAuto, SudoAlways, SudoNever:
	default:
		errs = append(errs, fmt.Errorf("sudo: unknown value %q", c.Sudo))
	}
	if c.LogMaxSize < 0 || c.LogMaxFiles < 0 {
		errs = append(errs, errors.New("log_max_size and log_max_files must not be negative"))
	}
	if c.Resolver != "" {
		if _, err := netip.ParseAddrPort(c.Resolver); err != nil {
			if _, err := netip.ParseAddr(c.Resolver); err != nil {
				errs = append(errs, fmt.Errorf("resolver: %q is not an address or address:port", c.Resolver))
			}
		}
	}
	for i, sl := range c.Syslog {
		if sl.Host == "" {
			errs = append(errs, fmt.Errorf("syslog[%d]: host is required", i))
		}
		if sl.Port < 0 || sl.Port > 65535 {
			errs = append(errs, fmt.Errorf("syslog[%d]: invalid port %d", i, sl.Port))
		}
	}
	if _, err := c.KillSwitch.LANPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("killswitch: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads the configuration file at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
