// Package terminal holds the sink the relay feeds decoded session
// output into, plus the concrete implementations the client ships
// with: a character-grid Screen and a plain stream Writer.
package terminal

import "io"

// Sink receives decoded text from a session relay. PutText may be
// called from the relay goroutine at any rate; implementations must be
// safe for concurrent use with their own accessors.
//
// wide annotates, per rune of text, whether it occupies two display
// cells. It may be nil when the producer has no width information, and
// sinks that do not render proportionally are free to ignore it.
type Sink interface {
	PutText(text string, wide []bool)
	Redraw()
}

// WriteLine pushes a full line of session-local output (connection
// narrative, authentication failures, identity warnings) into a sink.
func WriteLine(s Sink, line string) {
	s.PutText(line+"\r\n", nil)
	s.Redraw()
}

// Writer is the simplest Sink: it streams raw decoded text to an
// io.Writer, e.g. os.Stdout for the command-line client. Redraw is a
// no-op since the underlying writer displays immediately.
type Writer struct {
	W io.Writer
}

func (w *Writer) PutText(text string, wide []bool) {
	io.WriteString(w.W, text) //nolint:errcheck
}

func (w *Writer) Redraw() {}
