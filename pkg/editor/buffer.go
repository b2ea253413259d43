// Package editor implements a small modal (Normal/Insert) text buffer for
// tunnel configuration files with atomic save.
package editor

import (
	"io/fs"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode is the editing mode of a Buffer.
type Mode int

const (
	Normal Mode = iota
	Insert
)

func (m Mode) String() string {
	if m == Insert {
		return "INSERT"
	}
	return "NORMAL"
}

// Code identifies a key. Printable input uses KeyRune.
type Code int

const (
	KeyRune Code = iota
	KeyEsc
	KeyEnter
	KeyBackspace
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeySave
)

// Key is one decoded keystroke.
type Key struct {
	Code Code
	Rune rune
}

// Rune returns the key for a printable character.
func Rune(r rune) Key { return Key{Code: KeyRune, Rune: r} }

// Buffer holds a file's lines, the cursor and the editing mode. Columns
// count runes. A Buffer is not safe for concurrent use.
type Buffer struct {
	path    string
	perm    fs.FileMode
	lines   []string
	eol     bool // content ended with a newline
	row     int
	col     int
	mode    Mode
	dirty   bool
	overlay bool
}

// NewBuffer returns a clean buffer holding content, to be saved to path.
func NewBuffer(path string, content []byte, perm fs.FileMode) *Buffer {
	b := &Buffer{path: path, perm: perm}
	b.load(content)
	return b
}

func (b *Buffer) load(content []byte) {
	s := string(content)
	b.eol = strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	b.lines = strings.Split(s, "\n")
	b.row, b.col = 0, 0
}

// Bytes returns the buffer content as it would be written.
func (b *Buffer) Bytes() []byte {
	s := strings.Join(b.lines, "\n")
	if b.eol {
		s += "\n"
	}
	return []byte(s)
}

func (b *Buffer) Path() string           { return b.path }
func (b *Buffer) Mode() Mode             { return b.mode }
func (b *Buffer) Dirty() bool            { return b.dirty }
func (b *Buffer) Overlay() bool          { return b.overlay }
func (b *Buffer) Cursor() (row, col int) { return b.row, b.col }

// Lines returns a copy of the buffer lines.
func (b *Buffer) Lines() []string {
	return slices.Clone(b.lines)
}

func (b *Buffer) lineLen(row int) int {
	return utf8.RuneCountInString(b.lines[row])
}

// offset returns the byte offset of column col in s. An invalid byte
// counts as one column, so bytes outside the edit are kept as they are.
func offset(s string, col int) int {
	i := 0
	for ; col > 0 && i < len(s); col-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

func (b *Buffer) clampCol() {
	if n := b.lineLen(b.row); b.col > n {
		b.col = n
	}
}

// Handle applies one key in the current mode. Only the save command can
// fail; its error is an *IOError and leaves the buffer dirty.
func (b *Buffer) Handle(k Key) error {
	if b.mode == Insert {
		b.handleInsert(k)
		return nil
	}
	if b.overlay {
		// Any key dismisses the command list.
		b.overlay = false
		return nil
	}
	if k.Code == KeySave {
		return b.Save()
	}
	if cmd, ok := normalCommands[normalKey(k)]; ok {
		cmd(b)
	}
	return nil
}

// normalKey folds arrow keys onto their letter equivalents.
func normalKey(k Key) rune {
	switch k.Code {
	case KeyRune:
		return k.Rune
	case KeyLeft:
		return 'h'
	case KeyDown:
		return 'j'
	case KeyUp:
		return 'k'
	case KeyRight:
		return 'l'
	}
	return 0
}

var normalCommands = map[rune]func(*Buffer){
	'h': func(b *Buffer) {
		if b.col > 0 {
			b.col--
		}
	},
	'l': func(b *Buffer) {
		if b.col < b.lineLen(b.row) {
			b.col++
		}
	},
	'k': func(b *Buffer) {
		if b.row > 0 {
			b.row--
			b.clampCol()
		}
	},
	'j': func(b *Buffer) {
		if b.row+1 < len(b.lines) {
			b.row++
			b.clampCol()
		}
	},
	'i': func(b *Buffer) { b.mode = Insert },
	'a': func(b *Buffer) {
		if b.col < b.lineLen(b.row) {
			b.col++
		}
		b.mode = Insert
	},
	'o': func(b *Buffer) {
		b.lines = slices.Insert(b.lines, b.row+1, "")
		b.row++
		b.col = 0
		b.mode = Insert
		b.dirty = true
	},
	'x': func(b *Buffer) {
		line := b.lines[b.row]
		i := offset(line, b.col)
		if i >= len(line) {
			return
		}
		_, size := utf8.DecodeRuneInString(line[i:])
		b.lines[b.row] = line[:i] + line[i+size:]
		b.dirty = true
	},
	'D': func(b *Buffer) {
		line := b.lines[b.row]
		i := offset(line, b.col)
		if i >= len(line) {
			return
		}
		b.lines[b.row] = line[:i]
		b.dirty = true
	},
	'?': func(b *Buffer) { b.overlay = true },
}

func (b *Buffer) handleInsert(k Key) {
	switch {
	case k.Code == KeyEsc:
		b.mode = Normal
	case k.Code == KeyRune && printable(k.Rune):
		line := b.lines[b.row]
		i := offset(line, b.col)
		b.lines[b.row] = line[:i] + string(k.Rune) + line[i:]
		b.col++
		b.dirty = true
	}
}

func printable(r rune) bool {
	return r == '\t' || unicode.IsPrint(r)
}

// Help lists the Normal mode commands shown by the overlay.
var Help = [][2]string{
	{"i", "insert before cursor"},
	{"a", "insert after cursor"},
	{"o", "open line below"},
	{"h j k l", "move (arrow keys work too)"},
	{"x", "delete character"},
	{"D", "delete to end of line"},
	{"Ctrl-S", "save"},
	{"?", "toggle this list"},
	{"Esc", "leave insert mode"},
}
