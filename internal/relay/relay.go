// Package relay moves bytes from a session's shell stream into a
// terminal sink, decoding them through the session's configured
// character set on the way.
package relay

import (
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"

	"tether/internal/terminal"
)

// bufferSize is the read chunk size. Decoded output can expand to at
// most four bytes per input byte, hence the output buffer sizing.
const bufferSize = 4096

// Relay runs the decode loop for one session. It owns its buffers and
// reuses them across reads; nothing on the hot path allocates per
// read except the decoded string handed to the sink.
//
// Run blocks until the stream errors or closes, then reports the
// condition to the owner via the onClosed callback. The relay never
// fails the session on a decode error: malformed or unmappable input
// is replaced with U+FFFD and the loop continues.
type Relay struct {
	src  io.Reader
	sink terminal.Sink

	mu      sync.Mutex
	decoder transform.Transformer
	name    string

	onClosed func(error)

	in   []byte
	out  []byte
	wide []bool
}

// New creates a relay decoding src through the named IANA character
// set into sink. An empty name means UTF-8. onClosed is invoked
// exactly once, from the relay goroutine, when the stream ends; it
// receives io.EOF on orderly closure.
func New(src io.Reader, sink terminal.Sink, encodingName string, onClosed func(error)) (*Relay, error) {
	dec, canonical, err := lookupDecoder(encodingName)
	if err != nil {
		return nil, err
	}
	return &Relay{
		src:      src,
		sink:     sink,
		decoder:  dec,
		name:     canonical,
		onClosed: onClosed,
		in:       make([]byte, bufferSize),
		out:      make([]byte, bufferSize*4),
	}, nil
}

// Encoding returns the canonical name of the active character set.
func (r *Relay) Encoding() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetEncoding swaps the decoder used from the next read cycle on. The
// relay goroutine keeps running; bytes carried over from a previous
// partial sequence are decoded with the new character set.
func (r *Relay) SetEncoding(name string) error {
	dec, canonical, err := lookupDecoder(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if canonical != r.name {
		log.Printf("[RELAY] Switching charset %s -> %s", r.name, canonical)
		r.decoder = dec
		r.name = canonical
	}
	r.mu.Unlock()
	return nil
}

// Run is the relay loop. Call it on its own goroutine.
func (r *Relay) Run() {
	carry := 0
	for {
		n, err := r.src.Read(r.in[carry:])
		if n > 0 {
			carry = r.flush(carry + n)
		}
		if err != nil {
			r.onClosed(err)
			return
		}
	}
}

// flush decodes r.in[:total] into the sink and returns how many
// trailing bytes were kept for the next read (an incomplete multibyte
// sequence split across reads).
func (r *Relay) flush(total int) int {
	r.mu.Lock()
	dec := r.decoder
	r.mu.Unlock()

	src := r.in[:total]
	for len(src) > 0 {
		nDst, nSrc, err := dec.Transform(r.out, src, false)
		if nDst > 0 {
			text := string(r.out[:nDst])
			r.sink.PutText(text, r.annotateWidths(text))
			r.sink.Redraw()
		}
		src = src[nSrc:]
		switch err {
		case nil:
			// Fully consumed.
			src = nil
		case transform.ErrShortSrc:
			// Tail of a multibyte sequence; keep it for the next read.
			carry := copy(r.in, src)
			return carry
		case transform.ErrShortDst:
			// Output buffer filled; loop to drain the rest.
		default:
			// Decoders are configured to replace, not fail. Reset and
			// drop the unconsumable byte rather than spinning.
			dec.Reset()
			if len(src) > 0 {
				src = src[1:]
			}
		}
	}
	return 0
}

// annotateWidths marks the runes of text that occupy two display
// cells. The slice is reused between calls; sinks must not retain it.
func (r *Relay) annotateWidths(text string) []bool {
	r.wide = r.wide[:0]
	for _, ru := range text {
		k := width.LookupRune(ru).Kind()
		r.wide = append(r.wide, k == width.EastAsianWide || k == width.EastAsianFullwidth)
	}
	return r.wide
}

// lookupDecoder resolves an IANA character set name to a decoder that
// substitutes U+FFFD for malformed or unmappable input.
func lookupDecoder(name string) (transform.Transformer, string, error) {
	if name == "" || name == "UTF-8" || name == "utf-8" {
		return unicode.UTF8.NewDecoder(), "UTF-8", nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, "", fmt.Errorf("relay: unknown charset %q", name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		canonical = name
	}
	// Decoder transformers substitute U+FFFD for bytes they cannot map.
	return enc.NewDecoder(), canonical, nil
}
