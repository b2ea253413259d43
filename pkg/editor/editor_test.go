package editor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func keys(s string) []Key {
	var out []Key
	for _, r := range s {
		out = append(out, Rune(r))
	}
	return out
}

func feed(t *testing.T, b *Buffer, ks ...Key) {
	t.Helper()
	for _, k := range ks {
		if err := b.Handle(k); err != nil {
			t.Fatalf("Handle(%+v): %v", k, err)
		}
	}
}

var esc = Key{Code: KeyEsc}

func TestNormalCommands(t *testing.T) {
	tests := []struct {
		name    string
		content string
		input   []Key
		want    []string
		row     int
		col     int
		mode    Mode
		dirty   bool
	}{
		{
			name:    "insert before cursor",
			content: "abc",
			input:   append(keys("li"), Rune('X')),
			want:    []string{"aXbc"},
			col:     2,
			mode:    Insert,
			dirty:   true,
		},
		{
			name:    "append after cursor",
			content: "abc",
			input:   append(keys("a"), Rune('X'), esc),
			want:    []string{"aXbc"},
			col:     2,
			dirty:   true,
		},
		{
			name:    "open line below",
			content: "one\ntwo",
			input:   append(keys("oZ"), esc),
			want:    []string{"one", "Z", "two"},
			row:     1,
			col:     1,
			dirty:   true,
		},
		{
			name:    "delete char",
			content: "abc",
			input:   keys("lx"),
			want:    []string{"ac"},
			col:     1,
			dirty:   true,
		},
		{
			name:    "delete char past end is noop",
			content: "ab",
			input:   keys("lllx"),
			want:    []string{"ab"},
			col:     2,
		},
		{
			name:    "delete to end of line",
			content: "Endpoint = host:51820",
			input:   keys("llllllllD"),
			want:    []string{"Endpoint"},
			col:     8,
			dirty:   true,
		},
		{
			name:    "motions clamp to bounds",
			content: "long line\nab",
			input:   keys("hhkllllllllllllllljjj"),
			want:    []string{"long line", "ab"},
			row:     1,
			col:     2,
		},
		{
			name:    "arrow keys",
			content: "ab\ncd",
			input:   []Key{{Code: KeyDown}, {Code: KeyRight}, {Code: KeyUp}, {Code: KeyLeft}, {Code: KeyRight}},
			want:    []string{"ab", "cd"},
			col:     1,
		},
		{
			name:    "esc in normal mode is noop",
			content: "ab",
			input:   []Key{esc, esc},
			want:    []string{"ab"},
		},
		{
			name:    "unknown keys ignored",
			content: "ab",
			input:   append(keys("zqZ"), Key{Code: KeyEnter}, Key{Code: KeyBackspace}),
			want:    []string{"ab"},
		},
		{
			name:    "insert mode only takes printable input",
			content: "",
			input:   []Key{Rune('i'), Rune('a'), Rune('\t'), Rune('\x01'), {Code: KeyEnter}, {Code: KeyBackspace}, {Code: KeyLeft}, Rune('é'), esc},
			want:    []string{"a\té"},
			col:     3,
			dirty:   true,
		},
		{
			name:    "multibyte cursor",
			content: "héllo",
			input:   keys("llx"),
			want:    []string{"hélo"},
			col:     2,
			dirty:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer("/nonexistent", []byte(tt.content), 0600)
			feed(t, b, tt.input...)
			if diff := cmp.Diff(tt.want, b.Lines()); diff != "" {
				t.Errorf("lines mismatch (-want +got):\n%s", diff)
			}
			if row, col := b.Cursor(); row != tt.row || col != tt.col {
				t.Errorf("cursor = %d,%d, want %d,%d", row, col, tt.row, tt.col)
			}
			if b.Mode() != tt.mode {
				t.Errorf("mode = %s, want %s", b.Mode(), tt.mode)
			}
			if b.Dirty() != tt.dirty {
				t.Errorf("dirty = %v, want %v", b.Dirty(), tt.dirty)
			}
		})
	}
}

func TestOverlay(t *testing.T) {
	b := NewBuffer("/nonexistent", []byte("abc"), 0600)
	feed(t, b, Rune('?'))
	if !b.Overlay() {
		t.Fatal("overlay not shown")
	}
	// The dismissing key does nothing else.
	feed(t, b, Rune('x'))
	if b.Overlay() || b.Dirty() || b.Lines()[0] != "abc" {
		t.Errorf("overlay=%v dirty=%v lines=%v", b.Overlay(), b.Dirty(), b.Lines())
	}
	feed(t, b, Rune('?'), Rune('?'))
	if b.Overlay() {
		t.Error("? should toggle the overlay off")
	}
}

func writeFile(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "office.conf")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSaveRoundTrip(t *testing.T) {
	contents := []string{
		"",
		"\n",
		"[Interface]\nPrivateKey = x\n",
		"[Interface]\nPrivateKey = x",
		"a\r\nb\r\n",
		"\n\n[Peer]\n\n",
	}
	for _, content := range contents {
		path := writeFile(t, content, 0640)
		b, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		feed(t, b, append(keys("iX"), esc, Rune('h'), Rune('x'))...)
		if !b.Dirty() {
			t.Fatal("edit did not mark dirty")
		}
		if err := b.Handle(Key{Code: KeySave}); err != nil {
			t.Fatal(err)
		}
		if b.Dirty() {
			t.Error("save left buffer dirty")
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != content {
			t.Errorf("round trip of %q produced %q", content, got)
		}
		again, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(b.Lines(), again.Lines()); diff != "" || string(again.Bytes()) != content {
			t.Errorf("reopened buffer differs (-saved +reopened):\n%s", diff)
		}
		info, _ := os.Stat(path)
		if info.Mode().Perm() != 0640 {
			t.Errorf("mode = %v, want 0640", info.Mode().Perm())
		}
	}
}

func TestSaveCrashBeforeRename(t *testing.T) {
	const original = "[Interface]\nAddress = 10.0.0.2/32\n"
	path := writeFile(t, original, 0600)
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, append(keys("joDNS = 1.1.1.1"), esc)...)

	crash := errors.New("crash")
	rename = func(string, string) error { return crash }
	t.Cleanup(func() { rename = os.Rename })

	err = b.Handle(Key{Code: KeySave})
	var ioErr *IOError
	if !errors.As(err, &ioErr) || !errors.Is(err, crash) {
		t.Fatalf("save error = %v, want IOError wrapping crash", err)
	}
	if !b.Dirty() {
		t.Error("failed save cleared dirty flag")
	}
	got, _ := os.ReadFile(path)
	if string(got) != original {
		t.Errorf("original file changed: %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary file left behind: %v", entries)
	}
	if b.Lines()[2] != "DNS = 1.1.1.1" {
		t.Errorf("buffer discarded after failed save: %v", b.Lines())
	}

	rename = os.Rename
	if err := b.Save(); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != original+"DNS = 1.1.1.1\n" {
		t.Errorf("after retry file = %q", got)
	}
}

func TestSaveThroughSymlink(t *testing.T) {
	target := writeFile(t, "a\n", 0600)
	link := filepath.Join(t.TempDir(), "office.conf")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks unsupported:", err)
	}
	b, err := Open(link)
	if err != nil {
		t.Fatal(err)
	}
	feed(t, b, Rune('x'))
	if err := b.Save(); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Lstat(link); err != nil || fi.Mode()&os.ModeSymlink == 0 {
		t.Error("symlink replaced by regular file")
	}
	got, _ := os.ReadFile(target)
	if string(got) != "\n" {
		t.Errorf("target = %q", got)
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.conf"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "open" {
		t.Errorf("missing file: %v", err)
	}
	if _, err := Open(t.TempDir()); !errors.As(err, &ioErr) {
		t.Errorf("directory: %v", err)
	}
}

type guardFunc func(string) error

func (f guardFunc) EditAllowed(name string) error { return f(name) }

func TestOpenProfileGuard(t *testing.T) {
	path := writeFile(t, "x\n", 0600)
	refused := errors.New("profile is connected")
	_, err := OpenProfile(guardFunc(func(string) error { return refused }), "office", path)
	if !errors.Is(err, refused) {
		t.Errorf("guarded open = %v", err)
	}
	b, err := OpenProfile(guardFunc(func(string) error { return nil }), "office", path)
	if err != nil || b.Dirty() {
		t.Errorf("allowed open = %v, %v", b, err)
	}
}

func TestEditKeepsInvalidUTF8(t *testing.T) {
	content := "[Peer]\n# caf\xe9 key \xff\xfe\nEndpoint = 203.0.113.7:51820\n"
	path := writeFile(t, content, 0600)
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	// Delete and retype the comment marker.
	feed(t, b, Rune('j'), Rune('x'))
	feed(t, b, append(keys("i#"), esc)...)
	if !b.Dirty() {
		t.Fatal("edit did not mark dirty")
	}
	if err := b.Save(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "[Peer]\n# caf\xe9 key \xff\xfe\nEndpoint = 203.0.113.7:51820\n"
	if string(got) != want {
		t.Errorf("untouched bytes changed:\n got %q\nwant %q", got, want)
	}

	// An invalid byte is one column: x removes exactly that byte and D
	// keeps everything before the cursor.
	b = NewBuffer(path, []byte("caf\xe9s \xff tail"), 0600)
	feed(t, b, keys("lllx")...)
	if got := string(b.Bytes()); got != "cafs \xff tail" {
		t.Errorf("x on invalid byte = %q", got)
	}
	feed(t, b, keys("lllD")...)
	if got := string(b.Bytes()); got != "cafs \xff" {
		t.Errorf("D after invalid byte = %q", got)
	}
	feed(t, b, append(keys("i!"), esc)...)
	if got := string(b.Bytes()); got != "cafs \xff!" {
		t.Errorf("insert after invalid byte = %q", got)
	}
}
