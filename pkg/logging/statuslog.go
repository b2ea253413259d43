// Package logging implements the status log: an append-only record of
// session actions and their outcomes, kept in memory and optionally
// mirrored to a rotating file and to slog.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one status log record.
type Entry struct {
	Time    time.Time
	Profile string // empty for global actions
	Action  string // "up", "down", "killswitch", "reconcile", "edit", ...
	OK      bool
	Message string
	// Alert marks security-relevant failures (partial kill-switch state)
	// that must be shown apart from ordinary errors.
	Alert bool
}

// String formats the entry the way it is written to the log file.
func (e Entry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Time.Format("2006-01-02T15:04:05.000"))
	switch {
	case e.Alert:
		sb.WriteString(" [ALERT]")
	case e.OK:
		sb.WriteString(" [OK]")
	default:
		sb.WriteString(" [FAIL]")
	}
	if e.Profile != "" {
		fmt.Fprintf(&sb, " %s:", e.Profile)
	}
	sb.WriteString(" ")
	sb.WriteString(e.Action)
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Sink consumes status log entries. Append must not block for long and
// reports nothing back to the producer.
type Sink interface {
	Append(Entry)
}

// Tee fans an entry out to several sinks. A zero Time is filled in once
// so every sink records the same timestamp.
type Tee []Sink

func (t Tee) Append(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range t {
		if s != nil {
			s.Append(e)
		}
	}
}

// SlogSink mirrors entries into the process logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Append(e Entry) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"action", e.Action}
	if e.Profile != "" {
		attrs = append(attrs, "profile", e.Profile)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Action
	}
	switch {
	case e.Alert:
		l.Error(msg, append(attrs, "alert", true)...)
	case e.OK:
		l.Info(msg, attrs...)
	default:
		l.Warn(msg, attrs...)
	}
}

// StatusLog is a thread-safe circular buffer of recent entries.
type StatusLog struct {
	mu    sync.RWMutex
	buf   []Entry
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new entries from a StatusLog.
type Subscription struct {
	C  chan Entry
	sl *StatusLog
}

// Close unsubscribes. The channel is left open for pending readers.
func (s *Subscription) Close() {
	s.sl.unsubscribe(s)
}

// NewStatusLog creates a status log holding the last size entries.
func NewStatusLog(size int) *StatusLog {
	if size < 1 {
		size = 256
	}
	return &StatusLog{
		buf:  make([]Entry, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Append stores an entry, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (sl *StatusLog) Append(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	sl.mu.Lock()
	sl.buf[sl.head] = e
	sl.head = (sl.head + 1) % sl.size
	if sl.count < sl.size {
		sl.count++
	}
	sl.seq++
	sl.mu.Unlock()

	sl.subMu.RLock()
	for sub := range sl.subs {
		select {
		case sub.C <- e:
		default: // drop if subscriber is slow
		}
	}
	sl.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new entries.
func (sl *StatusLog) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan Entry, bufSize),
		sl: sl,
	}
	sl.subMu.Lock()
	sl.subs[sub] = struct{}{}
	sl.subMu.Unlock()
	return sub
}

func (sl *StatusLog) unsubscribe(sub *Subscription) {
	sl.subMu.Lock()
	delete(sl.subs, sub)
	sl.subMu.Unlock()
}

// Latest returns the most recent n entries, newest first.
func (sl *StatusLog) Latest(n int) []Entry {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if n > sl.count {
		n = sl.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (sl.head - 1 - i + sl.size) % sl.size
		result[i] = sl.buf[idx]
	}
	return result
}

// Seq returns the number of entries ever appended.
func (sl *StatusLog) Seq() uint64 {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.seq
}
