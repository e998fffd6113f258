// Package bridge runs the lifecycle of one remote session: connect,
// authenticate, shell, relay, forwards, teardown, and optional
// reconnection. A Bridge is driven by its own connection goroutine;
// the owning registry and the UI talk to it through small, safe
// methods.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"tether/internal/forward"
	"tether/internal/host"
	"tether/internal/hoststore"
	"tether/internal/keyvault"
	"tether/internal/prompt"
	"tether/internal/relay"
	"tether/internal/terminal"
	"tether/internal/transport"
)

// State is the session lifecycle position.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateAuthenticating
	StateShellActive
	StateDisconnecting
	StateAwaitingReconnect
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateShellActive:
		return "shell-active"
	case StateDisconnecting:
		return "disconnecting"
	case StateAwaitingReconnect:
		return "awaiting-reconnect"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Manager is the slice of the registry a bridge calls back into.
type Manager interface {
	// OnSessionEnded is called once when the bridge reaches
	// StateDisconnected for good.
	OnSessionEnded(b *Bridge)

	// ScheduleReconnect arranges a Reconnect call after the configured
	// backoff for a bridge parked in StateAwaitingReconnect.
	ScheduleReconnect(b *Bridge)

	// Credential cache access.
	CachedKey(nickname string) *keyvault.Key
	CachedKeys() []*keyvault.Key
	RetainKey(k *keyvault.Key)

	// Network hold accounting for hosts marked keep-alive.
	AcquireNetworkHold()
	ReleaseNetworkHold()
}

// Settings are the knobs a bridge needs beyond the host descriptor.
type Settings struct {
	TermType string
	Cols     int
	Rows     int

	// MaxAuthTries bounds full authentication passes before the
	// session is abandoned. AuthRetryDelay separates the passes.
	MaxAuthTries   int
	AuthRetryDelay time.Duration
}

// Bridge is one session. Create with New, start with Start; all other
// methods are safe from any goroutine.
type Bridge struct {
	host     host.Descriptor
	settings Settings
	factory  transport.Factory
	store    hoststore.Store
	manager  Manager
	clock    clockwork.Clock
	prompts  *prompt.Channel
	sink     terminal.Sink
	forwards *forward.Set

	ctx context.Context

	mu            sync.Mutex
	state         State
	stopRequested bool // latched by dispatchDisconnect, cleared on Reconnect
	stopImmediate bool // an explicit Disconnect(true) happened
	transport     transport.Transport
	relay         *relay.Relay
	stdin         io.WriteCloser
	shellOpen     bool
	holdAcquired  bool
	acceptedFP    string
	onState       func(State)
}

// New creates an idle bridge for the host. sink receives both decoded
// session output and the bridge's own narration lines.
func New(d host.Descriptor, settings Settings, factory transport.Factory, store hoststore.Store, manager Manager, clock clockwork.Clock, sink terminal.Sink) *Bridge {
	if settings.Cols <= 0 {
		settings.Cols = 80
	}
	if settings.Rows <= 0 {
		settings.Rows = 24
	}
	if settings.MaxAuthTries <= 0 {
		settings.MaxAuthTries = 1
	}
	return &Bridge{
		host:     d,
		settings: settings,
		factory:  factory,
		store:    store,
		manager:  manager,
		clock:    clock,
		prompts:  prompt.NewChannel(),
		sink:     sink,
		forwards: forward.NewSet(d.Forwards),
		state:    StateNew,
	}
}

func (b *Bridge) Host() host.Descriptor    { return b.host }
func (b *Bridge) Prompts() *prompt.Channel { return b.prompts }
func (b *Bridge) Forwards() *forward.Set   { return b.forwards }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a listener invoked after every transition.
// The callback must not call back into the bridge synchronously.
func (b *Bridge) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// Start launches the connection goroutine. ctx bounds the initial dial
// and is retained for store access over the bridge's lifetime.
func (b *Bridge) Start(ctx context.Context) {
	b.ctx = ctx
	go b.run()
}

// run is the connection goroutine: one full connect → authenticate →
// shell pass. Reconnect re-enters it. Every phase transition goes
// through advance so a disconnect that lands mid-phase makes the
// goroutine unwind instead of carrying on against a dead session.
func (b *Bridge) run() {
	d := b.host
	if !b.advance(StateConnecting) {
		return
	}
	b.outputLine(fmt.Sprintf("Connecting to %s@%s...", d.Username, d.Addr()))

	t := b.factory(transport.Callbacks{
		OnConnectionLost:   b.onConnectionLost,
		VerifyHostIdentity: b.verifyHostIdentity,
	})
	b.mu.Lock()
	if b.stopRequested {
		b.mu.Unlock()
		t.Close()
		return
	}
	b.transport = t
	b.mu.Unlock()

	if err := t.Connect(b.ctx, d.Hostname, d.Port); err != nil {
		b.outputLine(fmt.Sprintf("Connection failed: %v", err))
		b.dispatchDisconnect(true)
		return
	}

	if !b.advance(StateAuthenticating) {
		// The dial won a race against a disconnect; the teardown may
		// have closed the transport before the connection existed.
		t.Close()
		return
	}
	if !b.authenticate(t) {
		b.dispatchDisconnect(true)
		return
	}

	if err := b.openShell(t); err != nil {
		if !errors.Is(err, errDisconnectRequested) {
			b.outputLine(fmt.Sprintf("Could not open shell: %v", err))
			b.dispatchDisconnect(true)
		}
		return
	}
}

// ==========================================================================
// Authentication
// ==========================================================================

// authenticate runs full method passes until one succeeds, the try
// budget runs out, or the session is abandoned (prompt cancelled,
// transport failure, local disconnect).
func (b *Bridge) authenticate(t transport.Transport) bool {
	for try := 1; try <= b.settings.MaxAuthTries; try++ {
		if b.State() != StateAuthenticating {
			return false
		}
		authed, abort := b.authPass(t)
		if authed {
			return true
		}
		if abort {
			return false
		}
		if try < b.settings.MaxAuthTries {
			b.clock.Sleep(b.settings.AuthRetryDelay)
		}
	}
	b.outputLine(fmt.Sprintf("Giving up after %d authentication attempts.", b.settings.MaxAuthTries))
	return false
}

// authPass attempts each permitted method once, in fixed order. abort
// means stop retrying: the user declined a prompt or the transport
// failed beneath us.
func (b *Bridge) authPass(t transport.Transport) (authed, abort bool) {
	d := b.host
	user := d.Username

	if d.AllowsMethod(host.AuthNone) {
		ok, err := t.AuthNone(user)
		if err != nil {
			b.outputLine(fmt.Sprintf("Authentication error: %v", err))
			return false, true
		}
		if ok {
			return true, false
		}
	}

	if d.AllowsMethod(host.AuthPublicKey) && d.KeyPolicy != host.KeyNever {
		authed, abort = b.tryPublicKey(t)
		if authed || abort {
			return authed, abort
		}
	}

	if d.AllowsMethod(host.AuthPassword) {
		pw, ok := b.prompts.RequestSecret(fmt.Sprintf("Password for %s@%s:", user, d.Hostname), "password", false)
		if !ok {
			return false, true
		}
		authed, err := t.AuthPassword(user, pw)
		if err != nil {
			b.outputLine(fmt.Sprintf("Authentication error: %v", err))
			return false, true
		}
		if authed {
			return true, false
		}
		b.outputLine("Password authentication failed.")
	}

	if d.AllowsMethod(host.AuthKeyboardInteractive) {
		authed, err := t.AuthKeyboardInteractive(user, b.challenge)
		if err != nil {
			if errors.Is(err, errPromptCancelled) {
				return false, true
			}
			b.outputLine(fmt.Sprintf("Authentication error: %v", err))
			return false, true
		}
		if authed {
			return true, false
		}
		b.outputLine("Keyboard-interactive authentication failed.")
	}

	return false, false
}

// tryPublicKey runs the public-key attempt according to the host's key
// policy: one named credential, or every signer currently available.
func (b *Bridge) tryPublicKey(t transport.Transport) (authed, abort bool) {
	d := b.host

	if d.KeyPolicy == host.KeySpecific {
		k, abort := b.specificKey()
		if abort {
			return false, true
		}
		if k == nil {
			return false, false
		}
		ok, err := t.AuthPublicKey(d.Username, k.Signer())
		if err != nil {
			b.outputLine(fmt.Sprintf("Authentication error: %v", err))
			return false, true
		}
		if !ok {
			b.outputLine(fmt.Sprintf("Key %q was rejected.", k.Nickname()))
		}
		return ok, false
	}

	// KeyAny: cached credentials first, then anything the local agent
	// offers.
	var signers []ssh.Signer
	var labels []string
	for _, k := range b.manager.CachedKeys() {
		signers = append(signers, k.Signer())
		labels = append(labels, k.Nickname())
	}
	for _, s := range transport.AgentSigners() {
		signers = append(signers, s)
		labels = append(labels, "agent:"+s.PublicKey().Type())
	}
	if len(signers) == 0 {
		return false, false
	}

	for i, signer := range signers {
		ok, err := t.AuthPublicKey(d.Username, signer)
		if err != nil {
			b.outputLine(fmt.Sprintf("Authentication error: %v", err))
			return false, true
		}
		if ok {
			log.Printf("[BRIDGE] %s: authenticated with key %s", d.Nickname, labels[i])
			return true, false
		}
	}
	b.outputLine("No available key was accepted.")
	return false, false
}

// specificKey resolves the host's named credential: cache hit, or a
// store load with passphrase prompting. abort is set when the user
// cancels the passphrase prompt.
func (b *Bridge) specificKey() (k *keyvault.Key, abort bool) {
	nickname := b.host.KeyNickname
	if k := b.manager.CachedKey(nickname); k != nil {
		return k, false
	}

	stored, err := b.store.Key(b.ctx, nickname)
	if err != nil {
		b.outputLine(fmt.Sprintf("Key %q is not available: %v", nickname, err))
		return nil, false
	}

	k, err = keyvault.Parse(stored.Nickname, stored.Blob)
	if errors.Is(err, keyvault.ErrPassphraseRequired) {
		pass, ok := b.prompts.RequestSecret(fmt.Sprintf("Passphrase for key %q:", nickname), "passphrase", false)
		if !ok {
			return nil, true
		}
		k, err = keyvault.ParseWithPassphrase(stored.Nickname, stored.Blob, []byte(pass))
	}
	if err != nil {
		b.outputLine(fmt.Sprintf("Could not unlock key %q: %v", nickname, err))
		return nil, false
	}

	b.manager.RetainKey(k)
	return k, false
}

var (
	errPromptCancelled     = errors.New("bridge: prompt cancelled")
	errDisconnectRequested = errors.New("bridge: disconnect requested")
)

// challenge relays one round of keyboard-interactive questions through
// the prompt channel, in server order.
func (b *Bridge) challenge(name, instruction string, prompts []string, echo []bool) ([]string, error) {
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		b.outputLine(instruction)
	}

	answers := make([]string, len(prompts))
	for i, q := range prompts {
		var (
			v  string
			ok bool
		)
		if i < len(echo) && echo[i] {
			v, ok = b.prompts.RequestText(q, "", false)
		} else {
			v, ok = b.prompts.RequestSecret(q, "", false)
		}
		if !ok {
			return nil, errPromptCancelled
		}
		answers[i] = v
	}
	return answers, nil
}

// ==========================================================================
// Host identity
// ==========================================================================

// verifyHostIdentity implements trust-on-first-use against the host
// store. The accepted fingerprint is memoized because a session may
// handshake several times (one per authentication method).
func (b *Bridge) verifyHostIdentity(hostname string, port int, algorithm, fingerprint string, key ssh.PublicKey) bool {
	b.mu.Lock()
	accepted := b.acceptedFP
	b.mu.Unlock()
	if accepted != "" && accepted == fingerprint {
		return true
	}

	known, err := b.store.Identity(b.ctx, hostname, port)
	if err != nil {
		b.outputLine(fmt.Sprintf("Could not check host identity: %v", err))
		known = nil
	}

	switch {
	case known != nil && known.Fingerprint == fingerprint:
		// Known and unchanged.

	case known == nil:
		b.outputLine(fmt.Sprintf("The authenticity of host %q can't be established.", hostname))
		b.outputLine(fmt.Sprintf("%s key fingerprint is %s.", algorithm, fingerprint))
		yes, ok := b.prompts.RequestBool("Are you sure you want to continue connecting?", "yes/no", false)
		if !ok || !yes {
			return false
		}

	default:
		b.outputLine("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@")
		b.outputLine("@    WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!     @")
		b.outputLine("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@")
		b.outputLine("IT IS POSSIBLE THAT SOMEONE IS DOING SOMETHING NASTY!")
		b.outputLine(fmt.Sprintf("Host %s key has changed. The new %s fingerprint is %s.", hostname, algorithm, fingerprint))
		yes, ok := b.prompts.RequestBool("Accept the changed host key?", "yes/no", false)
		if !ok || !yes {
			return false
		}
	}

	if known == nil || known.Fingerprint != fingerprint {
		err := b.store.SaveIdentity(b.ctx, hoststore.Identity{
			Hostname:    hostname,
			Port:        port,
			Algorithm:   algorithm,
			Fingerprint: fingerprint,
			PublicKey:   key.Marshal(),
			AcceptedAt:  b.clock.Now(),
		})
		if err != nil {
			b.outputLine(fmt.Sprintf("Could not record host identity: %v", err))
		}
	}

	b.mu.Lock()
	b.acceptedFP = fingerprint
	b.mu.Unlock()
	return true
}

// ==========================================================================
// Shell
// ==========================================================================

func (b *Bridge) openShell(t transport.Transport) error {
	d := b.host

	stdout, stdin, err := t.OpenShell(b.settings.TermType, b.settings.Cols, b.settings.Rows)
	if err != nil {
		return err
	}

	r, err := relay.New(stdout, b.sink, d.Encoding, b.onRelayClosed)
	if err != nil {
		stdin.Close()
		return err
	}

	b.mu.Lock()
	if b.stopRequested {
		b.mu.Unlock()
		stdin.Close()
		return errDisconnectRequested
	}
	b.relay = r
	b.stdin = stdin
	b.shellOpen = true
	b.mu.Unlock()

	go r.Run()

	if n := b.forwards.EnableAutoStart(t); n > 0 {
		log.Printf("[BRIDGE] %s: enabled %d port forwards", d.Nickname, n)
	}

	if d.PostLogin != "" {
		payload := d.PostLogin
		if !strings.HasSuffix(payload, "\n") {
			payload += "\n"
		}
		if _, err := io.WriteString(stdin, payload); err != nil {
			log.Printf("[BRIDGE] %s: post-login injection failed: %v", d.Nickname, err)
		}
	}

	if err := b.store.TouchHost(b.ctx, d.Key(), b.clock.Now()); err != nil {
		log.Printf("[BRIDGE] %s: could not record connect time: %v", d.Nickname, err)
	}

	if d.KeepAlive {
		b.manager.AcquireNetworkHold()
		b.mu.Lock()
		if b.stopRequested {
			// Teardown already captured holdAcquired=false; give the
			// hold back ourselves.
			b.mu.Unlock()
			b.manager.ReleaseNetworkHold()
		} else {
			b.holdAcquired = true
			b.mu.Unlock()
		}
	}

	if !b.advance(StateShellActive) {
		return errDisconnectRequested
	}
	return nil
}

// Write feeds keystrokes to the remote shell.
func (b *Bridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return 0, fmt.Errorf("bridge: no shell open")
	}
	return stdin.Write(p)
}

// ResizePTY propagates a local terminal resize to the remote side.
func (b *Bridge) ResizePTY(cols, rows int) error {
	b.mu.Lock()
	t := b.transport
	b.settings.Cols, b.settings.Rows = cols, rows
	b.mu.Unlock()
	if t == nil {
		return fmt.Errorf("bridge: not connected")
	}
	return t.ResizePTY(cols, rows)
}

// SetEncoding switches the live relay to another character set.
func (b *Bridge) SetEncoding(name string) error {
	b.mu.Lock()
	r := b.relay
	b.mu.Unlock()
	if r == nil {
		return fmt.Errorf("bridge: no relay running")
	}
	return r.SetEncoding(name)
}

// ==========================================================================
// Teardown and reconnection
// ==========================================================================

func (b *Bridge) onConnectionLost(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		b.outputLine(fmt.Sprintf("Connection lost: %v", err))
	} else {
		b.outputLine("Connection closed by remote host.")
	}
	b.dispatchDisconnect(false)
}

func (b *Bridge) onRelayClosed(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[BRIDGE] %s: relay ended: %v", b.host.Nickname, err)
	}
	b.dispatchDisconnect(false)
}

// Disconnect ends the session. immediate skips reconnection even for a
// stay-connected host; a non-immediate local disconnect behaves like a
// lost connection.
func (b *Bridge) Disconnect(immediate bool) {
	b.dispatchDisconnect(immediate)
}

// dispatchDisconnect is the single teardown entry point. The first
// caller moves the bridge to StateDisconnecting and wins; later calls
// still latch their immediate flag, so an explicit close during an
// in-flight teardown cannot be upgraded into a reconnection. Works
// from every state, including a parked or not-yet-started bridge. The
// transport, relay, and forwards are torn down on a dedicated
// goroutine so callers (including transport callbacks) never block on
// network teardown.
func (b *Bridge) dispatchDisconnect(immediate bool) {
	b.mu.Lock()
	if immediate {
		b.stopImmediate = true
	}
	switch b.state {
	case StateDisconnecting, StateDisconnected:
		b.mu.Unlock()
		return
	}
	b.stopRequested = true
	wasOpen := b.shellOpen
	t := b.transport
	stdin := b.stdin
	hold := b.holdAcquired
	b.transport = nil
	b.relay = nil
	b.stdin = nil
	b.shellOpen = false
	b.holdAcquired = false
	b.state = StateDisconnecting
	onState := b.onState
	b.mu.Unlock()

	log.Printf("[BRIDGE] %s: state %s", b.host.Nickname, StateDisconnecting)
	if onState != nil {
		onState(StateDisconnecting)
	}

	// The connection goroutine may be blocked on a prompt, or about to
	// ask the next one; close the channel so authentication unwinds
	// instead of hanging forever.
	b.prompts.Close()

	go func() {
		b.forwards.DisableAll()
		if stdin != nil {
			stdin.Close()
		}
		if t != nil {
			t.Close()
		}
		if hold {
			b.manager.ReleaseNetworkHold()
		}

		// Re-read the immediate flag: a Disconnect(true) may have
		// landed while teardown was running.
		b.mu.Lock()
		park := !b.stopImmediate && wasOpen && b.host.StayConnected
		if park {
			b.state = StateAwaitingReconnect
		} else {
			b.state = StateDisconnected
		}
		onState := b.onState
		b.mu.Unlock()

		if park {
			b.outputLine("Reconnecting shortly...")
			log.Printf("[BRIDGE] %s: state %s", b.host.Nickname, StateAwaitingReconnect)
			if onState != nil {
				onState(StateAwaitingReconnect)
			}
			b.manager.ScheduleReconnect(b)
			return
		}

		log.Printf("[BRIDGE] %s: state %s", b.host.Nickname, StateDisconnected)
		if onState != nil {
			onState(StateDisconnected)
		}
		b.manager.OnSessionEnded(b)
	}()
}

// Reconnect re-enters the connection sequence for a bridge parked in
// StateAwaitingReconnect. Called by the registry when the backoff
// fires; a no-op in any other state, so a backoff that fires after the
// parked bridge was disconnected for good does not resurrect it.
func (b *Bridge) Reconnect() {
	b.mu.Lock()
	if b.state != StateAwaitingReconnect {
		b.mu.Unlock()
		return
	}
	b.state = StateConnecting
	b.stopRequested = false
	b.stopImmediate = false
	b.acceptedFP = ""
	onState := b.onState
	b.mu.Unlock()

	b.prompts.Reopen()
	log.Printf("[BRIDGE] %s: state %s", b.host.Nickname, StateConnecting)
	if onState != nil {
		onState(StateConnecting)
	}
	go b.run()
}

// ==========================================================================
// Helpers
// ==========================================================================

// advance moves the connection goroutine to its next lifecycle state.
// It refuses once a disconnect has been requested, so a goroutine
// racing a teardown unwinds instead of resurrecting the session.
func (b *Bridge) advance(s State) bool {
	b.mu.Lock()
	if b.stopRequested {
		b.mu.Unlock()
		return false
	}
	if b.state == s {
		b.mu.Unlock()
		return true
	}
	b.state = s
	onState := b.onState
	b.mu.Unlock()

	log.Printf("[BRIDGE] %s: state %s", b.host.Nickname, s)
	if onState != nil {
		onState(s)
	}
	return true
}

// outputLine writes session narration (failures, identity warnings,
// progress) into the terminal alongside remote output.
func (b *Bridge) outputLine(line string) {
	terminal.WriteLine(b.sink, line)
}
