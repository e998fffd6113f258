package terminal_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/terminal"
)

// =============================================================================
// Helpers
// =============================================================================

func feed(s *terminal.Screen, text string) {
	s.PutText(text, nil)
}

// =============================================================================
// Printing and control bytes
// =============================================================================

func TestScreen_PrintsText(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "hello")

	lines := s.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, "", lines[1])
}

func TestScreen_CRLFMovesToNextLine(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "one\r\ntwo\r\n")

	lines := s.Lines()
	assert.Equal(t, "one", lines[0])
	assert.Equal(t, "two", lines[1])
}

func TestScreen_CarriageReturnOverwrites(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "aaaa\rbb")

	assert.Equal(t, "bbaa", s.Lines()[0])
}

func TestScreen_BackspaceMovesCursorLeft(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "abc\x08X")

	assert.Equal(t, "abX", s.Lines()[0])
}

func TestScreen_WrapsAtRightMargin(t *testing.T) {
	s := terminal.NewScreen(4, 4, 0)
	feed(s, "abcdef")

	lines := s.Lines()
	assert.Equal(t, "abcd", lines[0])
	assert.Equal(t, "ef", lines[1])
}

// =============================================================================
// Scrollback
// =============================================================================

func TestScreen_ScrollsIntoScrollback(t *testing.T) {
	s := terminal.NewScreen(10, 2, 5)
	feed(s, "one\r\ntwo\r\nthree")

	lines := s.Lines()
	assert.Equal(t, "two", lines[0])
	assert.Equal(t, "three", lines[1])
	assert.Equal(t, []string{"one"}, s.ScrollbackLines())
}

func TestScreen_ScrollbackIsBounded(t *testing.T) {
	s := terminal.NewScreen(10, 2, 3)
	for i := 0; i < 10; i++ {
		feed(s, "line\r\n")
	}

	assert.LessOrEqual(t, len(s.ScrollbackLines()), 3)
}

// =============================================================================
// CSI sequences
// =============================================================================

func TestScreen_CursorPositionAndOverwrite(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "hello")
	feed(s, "\x1b[1;1HJ")

	assert.Equal(t, "Jello", s.Lines()[0])
}

func TestScreen_EraseToEndOfLine(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "hello world")
	feed(s, "\x1b[1;6H\x1b[K")

	assert.Equal(t, "hello", s.Lines()[0])
}

func TestScreen_EraseDisplay(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	feed(s, "one\r\ntwo\r\nthree")
	feed(s, "\x1b[2J")

	assert.Equal(t, "", s.VisibleString())
}

func TestScreen_CursorMovementClampsToGrid(t *testing.T) {
	s := terminal.NewScreen(10, 3, 0)
	// Move far beyond every edge; the cursor must stay on the grid.
	feed(s, "\x1b[99A\x1b[99D\x1b[99;99HX")

	lines := s.Lines()
	assert.Equal(t, "X", string(lines[2][len(lines[2])-1]))
}

func TestScreen_IgnoresUnknownSequences(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	// Color and title sequences are dropped without garbling output.
	feed(s, "\x1b[31mred\x1b[0m \x1b]0;title\x07ok")

	assert.Equal(t, "red ok", s.Lines()[0])
}

// =============================================================================
// Redraw + WriteLine
// =============================================================================

func TestScreen_RedrawCallback(t *testing.T) {
	s := terminal.NewScreen(20, 4, 0)
	calls := 0
	s.OnRedraw(func() { calls++ })

	terminal.WriteLine(s, "status")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "status", s.Lines()[0])
}

func TestWriter_StreamsToUnderlyingWriter(t *testing.T) {
	var sb strings.Builder
	w := &terminal.Writer{W: &sb}

	terminal.WriteLine(w, "hello")
	assert.Equal(t, "hello\r\n", sb.String())
}
