package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facility: local0 (16).
const syslogFacility = 16

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	MinSeverity int // 0 = no filter, else one of the Syslog* levels
}

// NewSyslogClient creates a new UDP syslog client connected to host:port.
// Port 0 means 514.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	if port == 0 {
		port = 514
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "wgguard"
	}
	return &SyslogClient{conn: conn, hostname: hostname}, nil
}

// Send sends a syslog message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := syslogFacility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s wgguard: %s", priority, ts, s.hostname, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the severity passes this client's filter.
// Lower severity number = higher priority (error=3 < warning=4 < info=6).
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// Syslogs is a set of clients shared by the status log sink and the slog
// handler.
type Syslogs struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// Set replaces the clients. Old clients are closed.
func (s *Syslogs) Set(clients []*SyslogClient) {
	s.mu.Lock()
	old := s.clients
	s.clients = clients
	s.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Close closes all clients.
func (s *Syslogs) Close() { s.Set(nil) }

func (s *Syslogs) send(severity int, msg string) {
	s.mu.RLock()
	clients := s.clients
	s.mu.RUnlock()
	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
}

// Append implements Sink. Alerts are sent as errors, failures as warnings.
func (s *Syslogs) Append(e Entry) {
	severity := SyslogInfo
	switch {
	case e.Alert:
		severity = SyslogError
	case !e.OK:
		severity = SyslogWarning
	}
	msg := e.String()
	// The syslog header carries its own timestamp.
	if _, rest, ok := strings.Cut(msg, " "); ok {
		msg = rest
	}
	s.send(severity, msg)
}

// SyslogHandler is an slog.Handler that forwards records to remote syslog
// servers in addition to a wrapped base handler (typically stderr).
type SyslogHandler struct {
	base   slog.Handler
	out    *Syslogs
	attrs  []slog.Attr
	groups []string
}

// NewSyslogHandler wraps base with forwarding to out.
func NewSyslogHandler(base slog.Handler, out *Syslogs) *SyslogHandler {
	return &SyslogHandler{base: base, out: out}
}

// Enabled implements slog.Handler.
func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	h.out.send(slogLevelToSyslog(r.Level), formatRecord(r, h.attrs, h.groups))
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		out:    h.out,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		out:    h.out,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&b, " %s=%s", key, a.Value.String())
		return true
	})
	return b.String()
}
