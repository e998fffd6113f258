package terminal

import (
	"strings"
	"sync"

	vte "github.com/danielgatis/go-vte"
)

// defaultScrollback caps the scrollback ring when the caller passes 0.
const defaultScrollback = 140

// Screen is a bounded character-grid Sink. It runs decoded text
// through a VT parser and maintains the visible grid plus a scrollback
// ring, enough for a consumer to render the session and for tests to
// observe the exact narrative a user would see.
//
// It interprets the control bytes and CSI sequences that move visible
// content (CR, LF, BS, cursor movement, erase); everything else is
// dropped. Full emulation belongs to a richer sink, not here.
//
// Safe for concurrent use.
type Screen struct {
	mu     sync.Mutex
	parser *vte.Parser

	cols, rows int
	lines      [][]rune
	row, col   int

	scrollback    [][]rune
	maxScrollback int

	onRedraw func()
}

// NewScreen creates a cols x rows screen with the given scrollback
// line cap (0 means the default).
func NewScreen(cols, rows, scrollback int) *Screen {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if scrollback <= 0 {
		scrollback = defaultScrollback
	}
	s := &Screen{
		cols:          cols,
		rows:          rows,
		lines:         blankLines(cols, rows),
		maxScrollback: scrollback,
	}
	s.parser = vte.NewParser(s)
	return s
}

// OnRedraw registers a callback invoked on every Redraw. The callback
// runs on the relay goroutine and must not block.
func (s *Screen) OnRedraw(fn func()) {
	s.mu.Lock()
	s.onRedraw = fn
	s.mu.Unlock()
}

// PutText feeds decoded UTF-8 text through the VT parser. The width
// annotation is ignored: every rune occupies one grid cell here.
func (s *Screen) PutText(text string, wide []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range []byte(text) {
		s.parser.Advance(b)
	}
}

func (s *Screen) Redraw() {
	s.mu.Lock()
	fn := s.onRedraw
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Lines returns the visible grid as strings, one per row, with
// trailing blanks trimmed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	for i, l := range s.lines {
		out[i] = strings.TrimRight(string(l), " ")
	}
	return out
}

// VisibleString joins the visible rows with newlines and trims the
// trailing blank region. Convenient for assertions and plain dumps.
func (s *Screen) VisibleString() string {
	joined := strings.Join(s.Lines(), "\n")
	return strings.TrimRight(joined, "\n")
}

// ScrollbackLines returns the lines pushed off the top, oldest first.
func (s *Screen) ScrollbackLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.scrollback))
	for i, l := range s.scrollback {
		out[i] = strings.TrimRight(string(l), " ")
	}
	return out
}

// Size returns the grid dimensions.
func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func blankLines(cols, rows int) [][]rune {
	lines := make([][]rune, rows)
	for i := range lines {
		lines[i] = blankLine(cols)
	}
	return lines
}

func blankLine(cols int) []rune {
	l := make([]rune, cols)
	for i := range l {
		l[i] = ' '
	}
	return l
}

// =============================================================================
// vte.Performer — callbacks from the VT parser. All run under s.mu
// because PutText holds it while advancing the parser.
// =============================================================================

// Print places a glyph at the cursor and advances, wrapping at the
// right margin.
func (s *Screen) Print(r rune) {
	if s.col >= s.cols {
		s.col = 0
		s.lineFeed()
	}
	s.lines[s.row][s.col] = r
	s.col++
}

// Execute handles C0 control bytes.
func (s *Screen) Execute(b byte) {
	switch b {
	case '\r':
		s.col = 0
	case '\n':
		s.lineFeed()
	case 0x08, 0x7f: // BS, DEL
		if s.col > 0 {
			s.col--
		}
	case '\t':
		next := (s.col/8 + 1) * 8
		if next >= s.cols {
			next = s.cols - 1
		}
		s.col = next
	}
}

// CsiDispatch handles the cursor-movement and erase sequences that
// affect visible content; everything else is ignored.
func (s *Screen) CsiDispatch(params [][]uint16, _ []byte, _ bool, r rune) {
	param := func(i, def int) int {
		if i < len(params) && len(params[i]) > 0 {
			return int(params[i][0])
		}
		return def
	}
	n := param(0, 1)
	if n == 0 && (r == 'A' || r == 'B' || r == 'C' || r == 'D') {
		n = 1
	}

	switch r {
	case 'A':
		s.row = max(0, s.row-n)
	case 'B':
		s.row = min(s.rows-1, s.row+n)
	case 'C':
		s.col = min(s.cols-1, s.col+n)
	case 'D':
		s.col = max(0, s.col-n)
	case 'H', 'f': // cursor position, 1-based row;col
		s.row = clamp(param(0, 1)-1, 0, s.rows-1)
		s.col = clamp(param(1, 1)-1, 0, s.cols-1)
	case 'K': // erase in line
		switch param(0, 0) {
		case 0:
			s.eraseLine(s.row, s.col, s.cols)
		case 1:
			s.eraseLine(s.row, 0, s.col+1)
		case 2:
			s.eraseLine(s.row, 0, s.cols)
		}
	case 'J': // erase in display
		switch param(0, 0) {
		case 0:
			s.eraseLine(s.row, s.col, s.cols)
			for r := s.row + 1; r < s.rows; r++ {
				s.eraseLine(r, 0, s.cols)
			}
		case 1:
			for r := 0; r < s.row; r++ {
				s.eraseLine(r, 0, s.cols)
			}
			s.eraseLine(s.row, 0, s.col+1)
		case 2:
			for r := 0; r < s.rows; r++ {
				s.eraseLine(r, 0, s.cols)
			}
		}
	}
}

func (s *Screen) EscDispatch(_ []byte, _ bool, _ byte) {}

func (s *Screen) OscDispatch(_ [][]byte, _ bool) {}

func (s *Screen) Hook(_ [][]uint16, _ []byte, _ bool, _ rune) {}

func (s *Screen) Put(_ byte) {}

func (s *Screen) Unhook() {}

func (s *Screen) SosPmApcDispatch(_ vte.SosPmApcKind, _ []byte, _ bool) {}

func (s *Screen) lineFeed() {
	if s.row < s.rows-1 {
		s.row++
		return
	}
	// Push the top line into the scrollback ring and scroll up.
	s.scrollback = append(s.scrollback, s.lines[0])
	if len(s.scrollback) > s.maxScrollback {
		s.scrollback = s.scrollback[1:]
	}
	copy(s.lines, s.lines[1:])
	s.lines[s.rows-1] = blankLine(s.cols)
}

func (s *Screen) eraseLine(row, from, to int) {
	line := s.lines[row]
	for i := from; i < to && i < s.cols; i++ {
		line[i] = ' '
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
