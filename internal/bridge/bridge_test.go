package bridge_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"tether/internal/bridge"
	"tether/internal/host"
	"tether/internal/hoststore"
	"tether/internal/keyvault"
	"tether/internal/prompt"
	"tether/internal/terminal"
	"tether/internal/transport"
)

// =============================================================================
// Helpers — fake transport
// =============================================================================

// fakeTransport scripts the remote side: which methods succeed, what
// identity is presented, and what the shell does.
type fakeTransport struct {
	cb transport.Callbacks

	mu             sync.Mutex
	calls          []string
	acceptNone     bool
	acceptPassword string
	acceptPubKey   []byte // marshalled public key, nil accepts nothing
	kiQuestions    []string
	kiEcho         []bool
	kiAnswers      []string
	failConnect    bool
	connectGate    chan struct{} // when set, Connect blocks until it is closed

	// presentedKey, when set, triggers identity verification on every
	// authentication attempt until one is accepted.
	presentedKey ssh.PublicKey

	stdin     *stdinRecorder
	shellOut  *io.PipeWriter
	listens   []string
	resizes   []string
	connected bool
	closed    bool
}

type stdinRecorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (r *stdinRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *stdinRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stdinRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Connect(_ context.Context, hostname string, port int) error {
	f.record("connect")
	if f.connectGate != nil {
		<-f.connectGate
	}
	if f.failConnect {
		return errors.New("host unreachable")
	}
	return nil
}

// verify runs the identity callback the way a real handshake would.
func (f *fakeTransport) verify() error {
	if f.presentedKey == nil || f.cb.VerifyHostIdentity == nil {
		return nil
	}
	ok := f.cb.VerifyHostIdentity("server.example.com", 22,
		f.presentedKey.Type(), ssh.FingerprintSHA256(f.presentedKey), f.presentedKey)
	if !ok {
		return errors.New("host identity rejected")
	}
	return nil
}

func (f *fakeTransport) AuthNone(user string) (bool, error) {
	f.record("none")
	if err := f.verify(); err != nil {
		return false, err
	}
	f.finishIf(f.acceptNone)
	return f.acceptNone, nil
}

func (f *fakeTransport) AuthPublicKey(user string, signer ssh.Signer) (bool, error) {
	f.record("publickey")
	if err := f.verify(); err != nil {
		return false, err
	}
	ok := f.acceptPubKey != nil && bytes.Equal(f.acceptPubKey, signer.PublicKey().Marshal())
	f.finishIf(ok)
	return ok, nil
}

func (f *fakeTransport) AuthPassword(user, password string) (bool, error) {
	f.record("password")
	if err := f.verify(); err != nil {
		return false, err
	}
	ok := f.acceptPassword != "" && password == f.acceptPassword
	f.finishIf(ok)
	return ok, nil
}

func (f *fakeTransport) AuthKeyboardInteractive(user string, challenge transport.Challenge) (bool, error) {
	f.record("keyboard-interactive")
	if err := f.verify(); err != nil {
		return false, err
	}
	if len(f.kiQuestions) == 0 {
		return false, nil
	}
	answers, err := challenge("", "Verification", f.kiQuestions, f.kiEcho)
	if err != nil {
		return false, err
	}
	ok := len(answers) == len(f.kiAnswers)
	for i := range answers {
		if !ok || answers[i] != f.kiAnswers[i] {
			ok = false
		}
	}
	f.finishIf(ok)
	return ok, nil
}

func (f *fakeTransport) finishIf(ok bool) {
	if ok {
		f.mu.Lock()
		f.connected = true
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OpenShell(termType string, cols, rows int) (io.Reader, io.WriteCloser, error) {
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.shellOut = pw
	f.stdin = &stdinRecorder{}
	stdin := f.stdin
	f.mu.Unlock()
	return pr, stdin, nil
}

func (f *fakeTransport) ResizePTY(cols, rows int) error {
	f.record("resize")
	return nil
}

func (f *fakeTransport) ListenLocal(sourcePort int, destHost string, destPort int) (io.Closer, error) {
	f.record("listen-local")
	return io.NopCloser(nil), nil
}

func (f *fakeTransport) ListenRemote(sourcePort int, destHost string, destPort int) (io.Closer, error) {
	f.record("listen-remote")
	return io.NopCloser(nil), nil
}

func (f *fakeTransport) ListenDynamic(sourcePort int) (io.Closer, error) {
	f.record("listen-dynamic")
	return io.NopCloser(nil), nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.shellOut != nil {
		f.shellOut.Close()
		f.shellOut = nil
	}
	return nil
}

// dropConnection simulates the remote side going away.
func (f *fakeTransport) dropConnection() {
	f.mu.Lock()
	out := f.shellOut
	f.shellOut = nil
	f.mu.Unlock()
	if out != nil {
		out.Close()
	}
	if f.cb.OnConnectionLost != nil {
		f.cb.OnConnectionLost(errors.New("connection reset"))
	}
}

// =============================================================================
// Helpers — fake manager and fixtures
// =============================================================================

type fakeManager struct {
	mu         sync.Mutex
	keys       map[string]*keyvault.Key
	holds      int
	ended      chan *bridge.Bridge
	reconnects chan *bridge.Bridge
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		keys:       make(map[string]*keyvault.Key),
		ended:      make(chan *bridge.Bridge, 4),
		reconnects: make(chan *bridge.Bridge, 4),
	}
}

func (m *fakeManager) OnSessionEnded(b *bridge.Bridge)    { m.ended <- b }
func (m *fakeManager) ScheduleReconnect(b *bridge.Bridge) { m.reconnects <- b }

func (m *fakeManager) CachedKey(nickname string) *keyvault.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[nickname]
}

func (m *fakeManager) CachedKeys() []*keyvault.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*keyvault.Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out
}

func (m *fakeManager) RetainKey(k *keyvault.Key) {
	m.mu.Lock()
	m.keys[k.Nickname()] = k
	m.mu.Unlock()
}

func (m *fakeManager) AcquireNetworkHold() {
	m.mu.Lock()
	m.holds++
	m.mu.Unlock()
}

func (m *fakeManager) ReleaseNetworkHold() {
	m.mu.Lock()
	m.holds--
	m.mu.Unlock()
}

func (m *fakeManager) holdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds
}

// promptCounter auto-answers prompts and counts them per kind.
type promptCounter struct {
	mu      sync.Mutex
	secrets int
	texts   int
	bools   int

	secretAnswer string
	textAnswer   string
	boolAnswer   bool
	mute         bool // leave prompts unanswered
}

func (pc *promptCounter) attach(c *prompt.Channel) {
	c.OnPrompt(func(p prompt.Pending) {
		pc.mu.Lock()
		mute := pc.mute
		var answer any
		switch p.Kind {
		case prompt.KindSecret:
			pc.secrets++
			answer = pc.secretAnswer
		case prompt.KindBool:
			pc.bools++
			answer = pc.boolAnswer
		default:
			pc.texts++
			answer = pc.textAnswer
		}
		pc.mu.Unlock()
		if !mute {
			c.Respond(answer)
		}
	})
}

func (pc *promptCounter) counts() (secrets, texts, bools int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.secrets, pc.texts, pc.bools
}

func testDescriptor() host.Descriptor {
	return host.Descriptor{
		Nickname: "prod",
		Username: "alice",
		Hostname: "server.example.com",
		Port:     22,
		Protocol: host.ProtocolSSH,
	}
}

func testSettings() bridge.Settings {
	return bridge.Settings{
		TermType:       "xterm",
		Cols:           80,
		Rows:           24,
		MaxAuthTries:   2,
		AuthRetryDelay: time.Millisecond,
	}
}

// newBridge wires a bridge to a scripted transport. The factory hands
// out transports from the list in order, so reconnection tests can
// script each attempt separately.
func newBridge(t *testing.T, d host.Descriptor, store hoststore.Store, fts ...*fakeTransport) (*bridge.Bridge, *fakeManager, *promptCounter, *terminal.Screen) {
	t.Helper()

	next := 0
	var mu sync.Mutex
	factory := func(cb transport.Callbacks) transport.Transport {
		mu.Lock()
		defer mu.Unlock()
		ft := fts[next]
		if next < len(fts)-1 {
			next++
		}
		ft.cb = cb
		return ft
	}

	mgr := newFakeManager()
	screen := terminal.NewScreen(80, 24, 200)
	b := bridge.New(d, testSettings(), factory, store, mgr, clockwork.NewRealClock(), screen)

	pc := &promptCounter{secretAnswer: "s3cret", boolAnswer: true}
	pc.attach(b.Prompts())
	return b, mgr, pc, screen
}

func waitState(t *testing.T, b *bridge.Bridge, want bridge.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", b.State(), want)
}

func waitEnded(t *testing.T, mgr *fakeManager) {
	t.Helper()
	select {
	case <-mgr.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

// =============================================================================
// Authentication ordering
// =============================================================================

func TestBridge_TriesMethodsInOrder_PasswordPromptedOnce(t *testing.T) {
	d := testDescriptor()
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, _, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	calls := ft.callLog()
	require.Contains(t, calls, "none")
	require.Contains(t, calls, "password")
	assert.Less(t, indexOf(calls, "none"), indexOf(calls, "password"))

	secrets, _, _ := pc.counts()
	assert.Equal(t, 1, secrets)
}

func TestBridge_SkipsMethodsTheHostDisallows(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, _, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	calls := ft.callLog()
	assert.NotContains(t, calls, "none")
	assert.NotContains(t, calls, "keyboard-interactive")
}

func TestBridge_GivesUpAfterMaxTries(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "other"} // never matches
	b, mgr, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)

	secrets, _, _ := pc.counts()
	assert.Equal(t, 2, secrets) // one per pass, MaxAuthTries passes
}

func TestBridge_KeyboardInteractiveRelaysEachQuestion(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthKeyboardInteractive}
	ft := &fakeTransport{
		kiQuestions: []string{"Token: ", "Phrase: "},
		kiEcho:      []bool{true, false},
		kiAnswers:   []string{"token-answer", "s3cret"},
	}
	b, _, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)
	pc.mu.Lock()
	pc.textAnswer = "token-answer"
	pc.mu.Unlock()

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	secrets, texts, _ := pc.counts()
	assert.Equal(t, 1, texts)   // echoed question
	assert.Equal(t, 1, secrets) // hidden question
}

// =============================================================================
// Public key authentication
// =============================================================================

func TestBridge_SpecificKeyUnlockedFromStoreWithPassphrase(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("opensesame"))
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	store := hoststore.NewMemory()
	require.NoError(t, store.SaveKey(context.Background(), hoststore.StoredKey{
		Nickname:  "vault",
		Blob:      pem.EncodeToMemory(block),
		Encrypted: true,
	}))

	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPublicKey}
	d.KeyPolicy = host.KeySpecific
	d.KeyNickname = "vault"

	ft := &fakeTransport{acceptPubKey: signer.PublicKey().Marshal()}
	b, mgr, pc, _ := newBridge(t, d, store, ft)
	pc.mu.Lock()
	pc.secretAnswer = "opensesame"
	pc.mu.Unlock()

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	// The unlocked key landed in the cache for the next session.
	assert.NotNil(t, mgr.CachedKey("vault"))
}

func TestBridge_AnyKeyIteratesCachedSigners(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	k, err := keyvault.Parse("laptop", pem.EncodeToMemory(block))
	require.NoError(t, err)

	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPublicKey}
	d.KeyPolicy = host.KeyAny

	ft := &fakeTransport{acceptPubKey: k.Signer().PublicKey().Marshal()}
	b, mgr, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)
	mgr.RetainKey(k)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)
	assert.Contains(t, ft.callLog(), "publickey")
}

// =============================================================================
// Host identity
// =============================================================================

func identityKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestBridge_UnknownIdentityAcceptedAndPersisted(t *testing.T) {
	key := identityKey(t)
	store := hoststore.NewMemory()

	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret", presentedKey: key}
	b, _, pc, _ := newBridge(t, d, store, ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	_, _, bools := pc.counts()
	assert.Equal(t, 1, bools)

	id, err := store.Identity(context.Background(), "server.example.com", 22)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, ssh.FingerprintSHA256(key), id.Fingerprint)
}

func TestBridge_IdentityRejectionEndsSession(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret", presentedKey: identityKey(t)}
	b, mgr, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)
	pc.mu.Lock()
	pc.boolAnswer = false
	pc.mu.Unlock()

	b.Start(context.Background())
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)
}

func TestBridge_ChangedIdentityWarnsAndReprompts(t *testing.T) {
	key := identityKey(t)
	store := hoststore.NewMemory()
	require.NoError(t, store.SaveIdentity(context.Background(), hoststore.Identity{
		Hostname:    "server.example.com",
		Port:        22,
		Algorithm:   key.Type(),
		Fingerprint: "SHA256:previously-recorded",
		AcceptedAt:  time.Now(),
	}))

	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret", presentedKey: key}
	b, _, pc, screen := newBridge(t, d, store, ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	_, _, bools := pc.counts()
	assert.Equal(t, 1, bools)

	all := screen.VisibleString()
	for _, sb := range screen.ScrollbackLines() {
		all = sb + "\n" + all
	}
	assert.Contains(t, all, "REMOTE HOST IDENTIFICATION HAS CHANGED")

	id, err := store.Identity(context.Background(), "server.example.com", 22)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(key), id.Fingerprint)
}

// =============================================================================
// Shell and session features
// =============================================================================

func TestBridge_PostLoginAndAutoStartForwards(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	d.PostLogin = "tmux attach"
	d.Forwards = []host.ForwardSpec{
		{Nickname: "db", Kind: host.ForwardLocal, SourcePort: 15432, DestHost: "db", DestPort: 5432, AutoStart: true},
	}
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, _, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	assert.Contains(t, ft.callLog(), "listen-local")
	assert.Equal(t, "tmux attach\n", ft.stdin.String())
}

func TestBridge_WriteReachesShellStdin(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, _, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	_, err := b.Write([]byte("ls\n"))
	require.NoError(t, err)
	assert.Equal(t, "ls\n", ft.stdin.String())
}

func TestBridge_KeepAliveAcquiresAndReleasesHold(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	d.KeepAlive = true
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, mgr, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)
	assert.Equal(t, 1, mgr.holdCount())

	b.Disconnect(true)
	waitEnded(t, mgr)
	assert.Equal(t, 0, mgr.holdCount())
}

// =============================================================================
// Teardown and reconnection
// =============================================================================

func TestBridge_ConnectFailureEndsSession(t *testing.T) {
	d := testDescriptor()
	ft := &fakeTransport{failConnect: true}
	b, mgr, _, screen := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)
	assert.Contains(t, screen.VisibleString(), "Connection failed")
}

func TestBridge_DisconnectCancelsOutstandingPrompt(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, mgr, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)
	pc.mu.Lock()
	pc.mute = true // leave the password prompt hanging
	pc.mu.Unlock()

	b.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for b.Prompts().Outstanding() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, b.Prompts().Outstanding())

	b.Disconnect(true)
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)
}

func TestBridge_StayConnectedParksAndReconnects(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	d.StayConnected = true
	first := &fakeTransport{acceptPassword: "s3cret"}
	second := &fakeTransport{acceptPassword: "s3cret"}
	b, mgr, _, _ := newBridge(t, d, hoststore.NewMemory(), first, second)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	first.dropConnection()
	waitState(t, b, bridge.StateAwaitingReconnect)

	select {
	case <-mgr.reconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect was scheduled")
	}

	b.Reconnect()
	waitState(t, b, bridge.StateShellActive)
	assert.Contains(t, second.callLog(), "password")
}

func TestBridge_ImmediateDisconnectNeverReconnects(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	d.StayConnected = true
	ft := &fakeTransport{acceptPassword: "s3cret"}
	b, mgr, _, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	b.Disconnect(true)
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)

	select {
	case <-mgr.reconnects:
		t.Fatal("immediate disconnect must not schedule a reconnect")
	default:
	}
}

func TestBridge_DisconnectWhileParkedEndsSessionForGood(t *testing.T) {
	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPassword}
	d.StayConnected = true
	first := &fakeTransport{acceptPassword: "s3cret"}
	second := &fakeTransport{acceptPassword: "s3cret"}
	b, mgr, _, _ := newBridge(t, d, hoststore.NewMemory(), first, second)

	b.Start(context.Background())
	waitState(t, b, bridge.StateShellActive)

	first.dropConnection()
	waitState(t, b, bridge.StateAwaitingReconnect)

	b.Disconnect(true)
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)

	// The backoff that was scheduled while parking must not resurrect
	// the session.
	b.Reconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, bridge.StateDisconnected, b.State())
	assert.Empty(t, second.callLog())
}

func TestBridge_DisconnectDuringConnectDoesNotResurrect(t *testing.T) {
	d := testDescriptor()
	gate := make(chan struct{})
	ft := &fakeTransport{acceptPassword: "s3cret", connectGate: gate}
	b, mgr, pc, _ := newBridge(t, d, hoststore.NewMemory(), ft)

	b.Start(context.Background())
	waitState(t, b, bridge.StateConnecting)

	b.Disconnect(true)
	waitEnded(t, mgr)
	waitState(t, b, bridge.StateDisconnected)

	// The dial finally completes; the worker must unwind without
	// re-entering authentication.
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, bridge.StateDisconnected, b.State())
	assert.Equal(t, []string{"connect"}, ft.callLog())

	secrets, _, _ := pc.counts()
	assert.Equal(t, 0, secrets)
}

func TestBridge_DisconnectRightAfterStartEndsSession(t *testing.T) {
	for i := 0; i < 25; i++ {
		ft := &fakeTransport{acceptPassword: "s3cret"}
		b, mgr, _, _ := newBridge(t, testDescriptor(), hoststore.NewMemory(), ft)

		b.Start(context.Background())
		b.Disconnect(true)
		waitEnded(t, mgr)
		waitState(t, b, bridge.StateDisconnected)
	}
}

// gatedKeyStore parks the worker inside a key lookup so a disconnect
// can land while no prompt is outstanding.
type gatedKeyStore struct {
	hoststore.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedKeyStore) Key(ctx context.Context, nickname string) (*hoststore.StoredKey, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.Key(ctx, nickname)
}

func TestBridge_NoPromptAfterDisconnectUnblocksWorker(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("opensesame"))
	require.NoError(t, err)

	mem := hoststore.NewMemory()
	require.NoError(t, mem.SaveKey(context.Background(), hoststore.StoredKey{
		Nickname:  "vault",
		Blob:      pem.EncodeToMemory(block),
		Encrypted: true,
	}))
	store := &gatedKeyStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}

	d := testDescriptor()
	d.AuthMethods = []host.AuthMethod{host.AuthPublicKey}
	d.KeyPolicy = host.KeySpecific
	d.KeyNickname = "vault"

	ft := &fakeTransport{}
	b, mgr, pc, _ := newBridge(t, d, store, ft)

	b.Start(context.Background())
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the key store")
	}

	b.Disconnect(true)
	waitEnded(t, mgr)
	close(store.release)

	// The worker resumes and hits the passphrase prompt; it must fail
	// fast instead of blocking with nobody left to answer it.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Nil(t, b.Prompts().Outstanding())
		time.Sleep(5 * time.Millisecond)
	}
	secrets, _, _ := pc.counts()
	assert.Equal(t, 0, secrets)
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
