package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStatusLogLatestNewestFirst(t *testing.T) {
	sl := NewStatusLog(3)
	for _, a := range []string{"a", "b", "c", "d"} {
		sl.Append(Entry{Action: a, OK: true})
	}

	got := sl.Latest(10)
	if len(got) != 3 {
		t.Fatalf("Latest len = %d, want 3", len(got))
	}
	for i, want := range []string{"d", "c", "b"} {
		if got[i].Action != want {
			t.Errorf("Latest[%d] = %q, want %q", i, got[i].Action, want)
		}
	}
	if sl.Seq() != 4 {
		t.Errorf("Seq = %d, want 4", sl.Seq())
	}
	if got[0].Time.IsZero() {
		t.Error("Append should stamp zero Time")
	}
}

func TestStatusLogLatestEmpty(t *testing.T) {
	sl := NewStatusLog(4)
	if got := sl.Latest(5); got != nil {
		t.Errorf("Latest on empty log = %v, want nil", got)
	}
}

func TestStatusLogSubscribe(t *testing.T) {
	sl := NewStatusLog(8)
	sub := sl.Subscribe(1)
	defer sub.Close()

	sl.Append(Entry{Profile: "office", Action: "up", OK: true})
	sl.Append(Entry{Profile: "office", Action: "down", OK: true}) // dropped, buffer full

	select {
	case e := <-sub.C:
		if e.Action != "up" {
			t.Errorf("got %q, want up", e.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected second entry %+v", e)
	default:
	}

	sub.Close()
	sl.Append(Entry{Action: "after-close"})
	select {
	case e := <-sub.C:
		t.Errorf("closed subscription received %+v", e)
	default:
	}
}

func TestEntryString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 4, 5, 0, time.UTC)
	tests := []struct {
		e    Entry
		want string
	}{
		{Entry{Time: ts, Profile: "office", Action: "up", OK: true}, "2024-03-01T10:04:05.000 [OK] office: up"},
		{Entry{Time: ts, Action: "reconcile", OK: true, Message: "office corrected"}, "2024-03-01T10:04:05.000 [OK] reconcile: office corrected"},
		{Entry{Time: ts, Profile: "home", Action: "down", Message: "exit status 1"}, "2024-03-01T10:04:05.000 [FAIL] home: down: exit status 1"},
		{Entry{Time: ts, Profile: "home", Action: "killswitch", Alert: true, Message: "rollback failed"}, "2024-03-01T10:04:05.000 [ALERT] home: killswitch: rollback failed"},
	}
	for _, tt := range tests {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

type recordSink struct{ entries []Entry }

func (r *recordSink) Append(e Entry) { r.entries = append(r.entries, e) }

func TestTeeSharesTimestamp(t *testing.T) {
	a, b := &recordSink{}, &recordSink{}
	Tee{a, nil, b}.Append(Entry{Action: "up"})
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Fatalf("entries = %d/%d, want 1/1", len(a.entries), len(b.entries))
	}
	if a.entries[0].Time.IsZero() || !a.entries[0].Time.Equal(b.entries[0].Time) {
		t.Errorf("timestamps differ: %v vs %v", a.entries[0].Time, b.entries[0].Time)
	}
}

func TestFileSinkAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "wgguard.log")

	fs, err := NewFileSink(FileSinkConfig{Path: path, MaxSize: 4096, MaxFiles: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	fs.Append(Entry{Time: time.Now(), Profile: "office", Action: "up", OK: true})
	fs.Append(Entry{Time: time.Now(), Profile: "office", Action: "down", Message: "exit status 1"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	if !strings.HasSuffix(lines[0], "[OK] office: up") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "[FAIL] office: down: exit status 1") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestFileSinkRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wgguard.log")

	fs, err := NewFileSink(FileSinkConfig{Path: path, MaxSize: 60, MaxFiles: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	for i := 0; i < 20; i++ {
		fs.Append(Entry{Time: time.Now(), Profile: "office", Action: "rotation-test", OK: true})
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated file .1: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("rotated file beyond MaxFiles should not exist, stat err = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= 60*2 {
		t.Errorf("current log file too large after rotation: %d", info.Size())
	}
}

func TestFileSinkClosed(t *testing.T) {
	fs, err := NewFileSink(FileSinkConfig{Path: filepath.Join(t.TempDir(), "x.log")})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fs.write("late\n"); err == nil {
		t.Error("write after Close should fail")
	}
	fs.Append(Entry{Action: "late"}) // must not panic
}
