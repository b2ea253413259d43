package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/psaab/wgguard/pkg/editor"
	"golang.org/x/term"
)

const tabWidth = 4

// input is one decoded keystroke on the editor screen.
type input struct {
	key  editor.Key
	quit bool
}

// readInput decodes one keystroke from a terminal in raw mode.
func readInput(r *bufio.Reader) (input, error) {
	b, err := r.ReadByte()
	if err != nil {
		return input{}, err
	}
	switch b {
	case 0x1b:
		// Escape sequences arrive in one read. Anything not already
		// buffered behind the ESC is a separate keystroke.
		if r.Buffered() < 2 {
			return input{key: editor.Key{Code: editor.KeyEsc}}, nil
		}
		if next, _ := r.Peek(1); next[0] != '[' && next[0] != 'O' {
			return input{key: editor.Key{Code: editor.KeyEsc}}, nil
		}
		r.ReadByte()
		final, _ := r.ReadByte()
		switch final {
		case 'A':
			return input{key: editor.Key{Code: editor.KeyUp}}, nil
		case 'B':
			return input{key: editor.Key{Code: editor.KeyDown}}, nil
		case 'C':
			return input{key: editor.Key{Code: editor.KeyRight}}, nil
		case 'D':
			return input{key: editor.Key{Code: editor.KeyLeft}}, nil
		}
		// Drain the parameters of sequences we do not handle (e.g. ESC[3~).
		for (final >= '0' && final <= '9' || final == ';') && r.Buffered() > 0 {
			final, _ = r.ReadByte()
		}
		return input{key: editor.Key{Code: -1}}, nil
	case 0x11, 0x03: // Ctrl-Q, Ctrl-C
		return input{quit: true}, nil
	case 0x13: // Ctrl-S
		return input{key: editor.Key{Code: editor.KeySave}}, nil
	case '\r', '\n':
		return input{key: editor.Key{Code: editor.KeyEnter}}, nil
	case 0x7f, 0x08:
		return input{key: editor.Key{Code: editor.KeyBackspace}}, nil
	}
	if b < utf8.RuneSelf {
		return input{key: editor.Rune(rune(b))}, nil
	}
	if err := r.UnreadByte(); err != nil {
		return input{}, err
	}
	ch, _, err := r.ReadRune()
	if err != nil {
		return input{}, err
	}
	return input{key: editor.Rune(ch)}, nil
}

// screen holds the view state that is not part of the buffer.
type screen struct {
	name   string
	width  int
	height int
	top    int // first visible buffer line
	msg    string
}

func expandTabs(s string) string {
	return strings.ReplaceAll(s, "\t", strings.Repeat(" ", tabWidth))
}

// render draws buf on a terminal of s.width by s.height. Raw mode needs
// explicit carriage returns.
func (s *screen) render(w io.Writer, buf *editor.Buffer) {
	textRows := max(s.height-2, 1)
	row, col := buf.Cursor()
	if row < s.top {
		s.top = row
	}
	if row >= s.top+textRows {
		s.top = row - textRows + 1
	}

	var sb strings.Builder
	sb.WriteString("\x1b[?25l\x1b[H")
	lines := buf.Lines()
	for i := 0; i < textRows; i++ {
		n := s.top + i
		line := "~"
		if n < len(lines) {
			line = expandTabs(lines[n])
		}
		sb.WriteString(truncate(line, s.width))
		sb.WriteString("\x1b[K\r\n")
	}

	dirty := ""
	if buf.Dirty() {
		dirty = " [+]"
	}
	status := fmt.Sprintf(" %s | %s%s | Ln %d, Col %d | ? help, Ctrl-S save, Ctrl-Q quit",
		buf.Mode(), s.name, dirty, row+1, col+1)
	sb.WriteString("\x1b[7m" + truncate(padRight(status, s.width), s.width) + "\x1b[0m\r\n")
	sb.WriteString(truncate(s.msg, s.width) + "\x1b[K")

	if buf.Overlay() {
		s.renderOverlay(&sb)
	}

	prefix := []rune(lines[row])
	if col < len(prefix) {
		prefix = prefix[:col]
	}
	x := utf8.RuneCountInString(expandTabs(string(prefix)))
	fmt.Fprintf(&sb, "\x1b[%d;%dH\x1b[?25h", row-s.top+1, min(x+1, max(s.width, 1)))
	io.WriteString(w, sb.String())
}

func (s *screen) renderOverlay(sb *strings.Builder) {
	boxWidth := 40
	fmt.Fprintf(sb, "\x1b[%d;%dH\x1b[7m%s\x1b[0m", 2, 3, padRight(" Editor commands", boxWidth))
	for i, h := range editor.Help {
		fmt.Fprintf(sb, "\x1b[%d;%dH\x1b[7m%s\x1b[0m", i+3, 3, padRight(fmt.Sprintf("  %-8s %s", h[0], h[1]), boxWidth))
	}
	fmt.Fprintf(sb, "\x1b[%d;%dH\x1b[7m%s\x1b[0m", len(editor.Help)+3, 3, padRight("  any key to close", boxWidth))
}

func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	return string([]rune(s)[:width])
}

func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// editSession runs the key loop. A dirty buffer needs Ctrl-Q twice in a
// row to leave. It reports whether the buffer was saved at least once.
func editSession(in *bufio.Reader, out io.Writer, buf *editor.Buffer, s *screen) (saved bool, err error) {
	quitArmed := false
	for {
		s.render(out, buf)
		ev, err := readInput(in)
		if err != nil {
			return saved, err
		}
		if ev.quit {
			if !buf.Dirty() || quitArmed {
				return saved, nil
			}
			quitArmed = true
			s.msg = "unsaved changes: Ctrl-Q again to discard, Ctrl-S to save"
			continue
		}
		quitArmed = false
		s.msg = ""
		if ev.key.Code == editor.KeySave && buf.Mode() == editor.Insert {
			s.msg = "press Esc before saving"
			continue
		}
		if ev.key.Code == editor.KeySave && !buf.Overlay() {
			if err := buf.Handle(ev.key); err != nil {
				s.msg = "save failed: " + err.Error()
				continue
			}
			saved = true
			s.msg = fmt.Sprintf("wrote %s", buf.Path())
			continue
		}
		buf.Handle(ev.key)
	}
}

// runEditScreen puts the terminal in raw mode and edits buf until the user
// quits.
func runEditScreen(buf *editor.Buffer, name string) (bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false, errors.New("the editor needs an interactive terminal")
	}
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width, height = 80, 24
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	out := os.Stdout
	io.WriteString(out, "\x1b[?1049h")
	defer io.WriteString(out, "\x1b[?1049l")

	s := &screen{name: name, width: width, height: height}
	return editSession(bufio.NewReader(os.Stdin), out, buf, s)
}
