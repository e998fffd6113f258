// Package prompt implements the rendezvous that lets a session's
// connection goroutine ask a single external consumer (usually a UI)
// for a piece of information and block until it arrives.
//
// The contract is deliberately narrow: at most one request is in
// flight per Channel, every Request returns exactly once, and a
// request is resolved by exactly one Respond or Cancel call.
package prompt

import "sync"

// Kind tells the consumer what shape of answer a prompt expects.
type Kind int

const (
	// KindText expects a free-form string (e.g. a login name).
	KindText Kind = iota

	// KindSecret expects a string that must not be echoed
	// (passwords, key passphrases).
	KindSecret

	// KindBool expects a yes/no decision (host identity trust).
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSecret:
		return "secret"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Pending describes the prompt currently awaiting an answer.
type Pending struct {
	Instructions string
	Hint         string
	Kind         Kind
}

// answer carries the consumer's reply back to the blocked requester.
// ok is false when the request was cancelled.
type answer struct {
	value any
	ok    bool
}

// Channel is a one-slot synchronous request/response rendezvous.
// Any goroutine may call the Request side; Respond and Cancel never
// block and are safe to call concurrently with each other.
//
// The zero value is not usable; call NewChannel.
type Channel struct {
	// permit is a one-token semaphore: holding the token is the right
	// to have a prompt outstanding.
	permit chan struct{}

	mu       sync.Mutex
	closed   bool
	pending  *Pending
	reply    chan answer // buffered(1), fresh per request
	answered bool
	notify   func(Pending)
}

func NewChannel() *Channel {
	c := &Channel{permit: make(chan struct{}, 1)}
	c.permit <- struct{}{}
	return c
}

// OnPrompt registers the consumer callback invoked each time a new
// prompt is published. The callback runs on the requesting goroutine
// and must not block; answering from inside it is allowed.
func (c *Channel) OnPrompt(fn func(Pending)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Outstanding returns a copy of the prompt currently awaiting an
// answer, or nil. Lets a consumer that attaches late catch up.
func (c *Channel) Outstanding() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	return &p
}

// RequestText blocks until the consumer supplies a string or cancels.
// ok is false on cancellation. immediate force-cancels any request
// already in flight before taking its place.
func (c *Channel) RequestText(instructions, hint string, immediate bool) (string, bool) {
	v, ok := c.request(instructions, hint, KindText, immediate)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// RequestSecret is RequestText with no-echo presentation.
func (c *Channel) RequestSecret(instructions, hint string, immediate bool) (string, bool) {
	v, ok := c.request(instructions, hint, KindSecret, immediate)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// RequestBool blocks until the consumer supplies a yes/no decision or
// cancels. ok is false on cancellation.
func (c *Channel) RequestBool(instructions, hint string, immediate bool) (bool, bool) {
	v, ok := c.request(instructions, hint, KindBool, immediate)
	if !ok {
		return false, false
	}
	b, _ := v.(bool)
	return b, true
}

func (c *Channel) request(instructions, hint string, kind Kind, immediate bool) (any, bool) {
	if immediate {
		c.Cancel()
	}

	// Blocks while another request is in flight. The token comes back
	// in the deferred release below, whether we were answered or
	// cancelled, so a waiting requester always gets its turn.
	<-c.permit
	defer func() { c.permit <- struct{}{} }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.pending = &Pending{Instructions: instructions, Hint: hint, Kind: kind}
	c.reply = make(chan answer, 1)
	c.answered = false
	notify := c.notify
	published := *c.pending
	reply := c.reply
	c.mu.Unlock()

	if notify != nil {
		notify(published)
	}

	a := <-reply

	c.mu.Lock()
	c.pending = nil
	c.reply = nil
	c.mu.Unlock()

	return a.value, a.ok
}

// Respond supplies the value for the outstanding request and wakes the
// blocked requester. A Respond with no outstanding request, or racing
// a Cancel that got there first, is a no-op.
func (c *Channel) Respond(value any) {
	c.resolve(answer{value: value, ok: true})
}

// Cancel wakes the outstanding requester, if any, with a "declined"
// result. Calling Cancel with nothing in flight is a no-op; calling it
// concurrently with Respond resolves the request exactly once.
func (c *Channel) Cancel() {
	c.resolve(answer{})
}

// Close cancels the outstanding request and makes every later Request
// return ok=false without blocking, until Reopen. Used when the
// session behind the channel is being torn down: a requester that
// arrives after the teardown's Cancel must not hang with nobody left
// to answer it.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.resolveLocked(answer{})
	c.mu.Unlock()
}

// Reopen lifts a Close so the channel accepts requests again.
func (c *Channel) Reopen() {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

func (c *Channel) resolve(a answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveLocked(a)
}

func (c *Channel) resolveLocked(a answer) {
	if c.pending == nil || c.answered {
		return
	}
	c.answered = true
	// reply is buffered and guarded by answered, so this send can
	// never block and never happens twice per request.
	c.reply <- a
}
