// Package registry owns the process-wide session table: which bridges
// are open, the shared network hold, the in-memory credential cache
// with per-entry expiry, reconnect backoff, and the idle shutdown that
// lets the process exit once nothing needs it anymore.
package registry

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tether/internal/bridge"
	"tether/internal/host"
	"tether/internal/hoststore"
	"tether/internal/keyvault"
	"tether/internal/terminal"
	"tether/internal/transport"
)

// ErrAlreadyOpen is returned by OpenSession when a session for the
// same host is already in the table.
var ErrAlreadyOpen = errors.New("registry: session already open for host")

// recentLimit caps the recently-disconnected list.
const recentLimit = 10

// Settings configure registry-owned policy. Zero values mean: no
// credential expiry, no idle shutdown, immediate reconnect.
type Settings struct {
	Bridge bridge.Settings

	// ReconnectBackoff separates a lost connection from the next
	// attempt for stay-connected hosts.
	ReconnectBackoff time.Duration

	// IdleShutdownTimeout fires the idle callback this long after the
	// last session ends while credentials remain cached. When the
	// cache is already empty the callback fires immediately.
	IdleShutdownTimeout time.Duration

	// RetainCredentials enables the in-memory credential cache.
	// When false every RetainKey call is dropped.
	RetainCredentials bool

	// CredentialTTL evicts cached credentials this long after they
	// were retained. Zero keeps them until eviction or shutdown.
	CredentialTTL time.Duration
}

// SinkFactory builds the terminal sink for a new session.
type SinkFactory func(d host.Descriptor) terminal.Sink

type cachedCred struct {
	key *keyvault.Key
	gen uint64

	// expiresAt is the eviction deadline, zero for none. Lookups check
	// it so an entry is never served past its TTL even while the timer
	// callback is still in flight.
	expiresAt time.Time
}

// expiryEntry is one scheduled eviction. gen pairs it with the cache
// entry it belongs to; replacing a credential bumps the generation so
// the stale heap entry is ignored when it surfaces.
type expiryEntry struct {
	at       time.Time
	nickname string
	gen      uint64
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Registry is the session table. One per process. Safe for concurrent
// use; everything hangs off a single mutex plus a shared clock.
type Registry struct {
	store    hoststore.Store
	factory  transport.Factory
	clock    clockwork.Clock
	settings Settings

	mu      sync.Mutex
	bridges map[host.Key]*bridge.Bridge
	recent  []host.Key

	sinkFor SinkFactory
	onEnded func(key host.Key)
	onIdle  func()
	onHold  func(engaged bool)

	holdCount   int
	holdWant    bool
	holdEngaged bool

	creds       map[string]*cachedCred
	expiries    expiryHeap
	expiryTimer clockwork.Timer
	nextGen     uint64

	idleTimer clockwork.Timer
	closed    bool
}

// New creates an empty registry. clock drives every timer; pass a fake
// in tests.
func New(store hoststore.Store, factory transport.Factory, clock clockwork.Clock, settings Settings) *Registry {
	return &Registry{
		store:    store,
		factory:  factory,
		clock:    clock,
		settings: settings,
		bridges:  make(map[host.Key]*bridge.Bridge),
		creds:    make(map[string]*cachedCred),
		holdWant: true,
	}
}

// SetSinkFactory installs the per-session sink builder. When unset,
// sessions get a default Screen.
func (r *Registry) SetSinkFactory(fn SinkFactory) {
	r.mu.Lock()
	r.sinkFor = fn
	r.mu.Unlock()
}

// OnSessionEnd registers a listener notified after a session leaves
// the table.
func (r *Registry) OnSessionEnd(fn func(key host.Key)) {
	r.mu.Lock()
	r.onEnded = fn
	r.mu.Unlock()
}

// OnIdleShutdown registers the callback fired when the registry has no
// sessions and nothing cached worth staying alive for.
func (r *Registry) OnIdleShutdown(fn func()) {
	r.mu.Lock()
	r.onIdle = fn
	r.mu.Unlock()
}

// OnNetworkHold registers the callback toggled when the network hold
// engages or releases.
func (r *Registry) OnNetworkHold(fn func(engaged bool)) {
	r.mu.Lock()
	r.onHold = fn
	r.mu.Unlock()
}

// ==========================================================================
// Session table
// ==========================================================================

// OpenSession creates and starts a bridge for the host. The connection
// proceeds on the bridge's own goroutine; OpenSession returns as soon
// as the bridge is registered. A second session for the same host key
// fails with ErrAlreadyOpen.
func (r *Registry) OpenSession(ctx context.Context, d host.Descriptor) (*bridge.Bridge, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry: closed")
	}
	key := d.Key()
	if _, ok := r.bridges[key]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyOpen
	}

	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}

	sinkFor := r.sinkFor
	r.mu.Unlock()

	var sink terminal.Sink
	if sinkFor != nil {
		sink = sinkFor(d)
	} else {
		sink = terminal.NewScreen(r.settings.Bridge.Cols, r.settings.Bridge.Rows, 0)
	}

	b := bridge.New(d, r.settings.Bridge, r.factory, r.store, r, r.clock, sink)

	r.mu.Lock()
	if _, ok := r.bridges[key]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	r.bridges[key] = b
	n := len(r.bridges)
	r.mu.Unlock()

	log.Printf("[REGISTRY] Opening session %s (%d active)", key, n)
	b.Start(ctx)
	return b, nil
}

// FindSession returns the open bridge for the host key, or nil.
func (r *Registry) FindSession(key host.Key) *bridge.Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridges[key]
}

// Sessions returns the open bridges in no particular order.
func (r *Registry) Sessions() []*bridge.Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*bridge.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// RecentlyDisconnected returns the host keys of sessions that ended,
// newest last.
func (r *Registry) RecentlyDisconnected() []host.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.Key(nil), r.recent...)
}

// OnSessionEnded removes a finished bridge from the table. Called by
// the bridge itself when it reaches its terminal state; a bridge
// parked for reconnection stays registered.
func (r *Registry) OnSessionEnded(b *bridge.Bridge) {
	key := b.Host().Key()

	r.mu.Lock()
	if r.bridges[key] != b {
		r.mu.Unlock()
		return
	}
	delete(r.bridges, key)
	r.recent = append(r.recent, key)
	if len(r.recent) > recentLimit {
		r.recent = r.recent[1:]
	}
	n := len(r.bridges)
	onEnded := r.onEnded
	r.mu.Unlock()

	log.Printf("[REGISTRY] Session %s ended (%d active)", key, n)
	if onEnded != nil {
		onEnded(key)
	}
	r.maybeScheduleIdle()
}

// ScheduleReconnect arms the backoff timer for a bridge awaiting
// reconnection. Firing on a bridge that has since been disconnected is
// harmless: Reconnect is a no-op outside the parked state.
func (r *Registry) ScheduleReconnect(b *bridge.Bridge) {
	backoff := r.settings.ReconnectBackoff
	log.Printf("[REGISTRY] Reconnecting %s in %s", b.Host().Key(), backoff)
	r.clock.AfterFunc(backoff, b.Reconnect)
}

// DisconnectAll immediately ends every open session.
func (r *Registry) DisconnectAll() {
	for _, b := range r.Sessions() {
		b.Disconnect(true)
	}
}

// ==========================================================================
// Network hold
//
// The hold is engaged exactly while it is both wanted and demanded:
// holdWant && holdCount > 0. Toggling want while sessions hold demand
// takes effect immediately.
// ==========================================================================

// AcquireNetworkHold adds one demand for the network resource.
func (r *Registry) AcquireNetworkHold() {
	r.mu.Lock()
	r.holdCount++
	r.updateHoldLocked()
}

// ReleaseNetworkHold drops one demand for the network resource.
func (r *Registry) ReleaseNetworkHold() {
	r.mu.Lock()
	if r.holdCount > 0 {
		r.holdCount--
	}
	r.updateHoldLocked()
}

// SetWantNetworkHold flips the user-level preference for holding the
// network resource.
func (r *Registry) SetWantNetworkHold(want bool) {
	r.mu.Lock()
	r.holdWant = want
	r.updateHoldLocked()
}

// NetworkHoldEngaged reports whether the hold is currently engaged.
func (r *Registry) NetworkHoldEngaged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdEngaged
}

// updateHoldLocked recomputes engagement and fires the callback on a
// change. Takes r.mu held and releases it.
func (r *Registry) updateHoldLocked() {
	engaged := r.holdWant && r.holdCount > 0
	changed := engaged != r.holdEngaged
	r.holdEngaged = engaged
	onHold := r.onHold
	r.mu.Unlock()

	if changed {
		log.Printf("[REGISTRY] Network hold engaged=%v", engaged)
		if onHold != nil {
			onHold(engaged)
		}
	}
}

// ==========================================================================
// Credential cache
// ==========================================================================

// RetainKey caches a decrypted credential under its nickname,
// replacing any previous entry. A configured TTL schedules eviction on
// the shared expiry timer; replacing an entry invalidates its old
// deadline.
func (r *Registry) RetainKey(k *keyvault.Key) {
	if !r.settings.RetainCredentials {
		return
	}

	r.mu.Lock()
	r.nextGen++
	entry := &cachedCred{key: k, gen: r.nextGen}
	if ttl := r.settings.CredentialTTL; ttl > 0 {
		entry.expiresAt = r.clock.Now().Add(ttl)
	}
	r.creds[k.Nickname()] = entry
	if !entry.expiresAt.IsZero() {
		heap.Push(&r.expiries, expiryEntry{
			at:       entry.expiresAt,
			nickname: k.Nickname(),
			gen:      entry.gen,
		})
		r.armExpiryLocked()
	}
	r.mu.Unlock()

	log.Printf("[REGISTRY] Retained key %q (%s)", k.Nickname(), k.Kind())
}

// CachedKey returns the cached credential for the nickname, or nil.
func (r *Registry) CachedKey(nickname string) *keyvault.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.creds[nickname]; ok && r.liveLocked(c) {
		return c.key
	}
	return nil
}

// CachedKeys returns every cached credential.
func (r *Registry) CachedKeys() []*keyvault.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*keyvault.Key, 0, len(r.creds))
	for _, c := range r.creds {
		if r.liveLocked(c) {
			out = append(out, c.key)
		}
	}
	return out
}

func (r *Registry) liveLocked(c *cachedCred) bool {
	return c.expiresAt.IsZero() || r.clock.Now().Before(c.expiresAt)
}

// EvictKey drops a credential from the cache. Its expiry entry, if
// any, becomes stale and is skipped when the heap surfaces it.
func (r *Registry) EvictKey(nickname string) {
	r.mu.Lock()
	_, ok := r.creds[nickname]
	delete(r.creds, nickname)
	r.mu.Unlock()
	if ok {
		log.Printf("[REGISTRY] Evicted key %q", nickname)
	}
	r.maybeScheduleIdle()
}

// LoadStoredKeys decrypts and retains every credential marked for
// load-on-start. Passphrase-protected blobs are skipped; they unlock
// on first use instead.
func (r *Registry) LoadStoredKeys(ctx context.Context) error {
	stored, err := r.store.KeysToLoad(ctx)
	if err != nil {
		return err
	}
	for _, sk := range stored {
		k, err := keyvault.Parse(sk.Nickname, sk.Blob)
		if err != nil {
			if !errors.Is(err, keyvault.ErrPassphraseRequired) {
				log.Printf("[REGISTRY] Could not load key %q: %v", sk.Nickname, err)
			}
			continue
		}
		r.RetainKey(k)
	}
	return nil
}

// armExpiryLocked (re)arms the shared expiry timer for the earliest
// live deadline. Caller holds r.mu. One timer serves the whole cache.
func (r *Registry) armExpiryLocked() {
	// Discard entries whose cache slot was replaced or evicted.
	for len(r.expiries) > 0 {
		head := r.expiries[0]
		c, ok := r.creds[head.nickname]
		if ok && c.gen == head.gen {
			break
		}
		heap.Pop(&r.expiries)
	}

	if r.expiryTimer != nil {
		r.expiryTimer.Stop()
		r.expiryTimer = nil
	}
	if len(r.expiries) == 0 {
		return
	}

	d := r.expiries[0].at.Sub(r.clock.Now())
	if d < 0 {
		d = 0
	}
	r.expiryTimer = r.clock.AfterFunc(d, r.expireTick)
}

// expireTick evicts every credential whose deadline has passed, then
// rearms for the next one.
func (r *Registry) expireTick() {
	now := r.clock.Now()
	var evicted []string

	r.mu.Lock()
	for len(r.expiries) > 0 {
		head := r.expiries[0]
		if head.at.After(now) {
			break
		}
		heap.Pop(&r.expiries)
		if c, ok := r.creds[head.nickname]; ok && c.gen == head.gen {
			delete(r.creds, head.nickname)
			evicted = append(evicted, head.nickname)
		}
	}
	r.expiryTimer = nil
	r.armExpiryLocked()
	r.mu.Unlock()

	for _, nick := range evicted {
		log.Printf("[REGISTRY] Key %q expired", nick)
	}
	if len(evicted) > 0 {
		r.maybeScheduleIdle()
	}
}

// ==========================================================================
// Idle shutdown
// ==========================================================================

// maybeScheduleIdle arranges the idle callback once the last session
// ends. With cached credentials the registry lingers for the timeout
// so a quick follow-up session reuses them; with an empty cache there
// is nothing to protect and the callback fires immediately.
func (r *Registry) maybeScheduleIdle() {
	r.mu.Lock()
	if r.closed || len(r.bridges) > 0 || r.onIdle == nil {
		r.mu.Unlock()
		return
	}
	onIdle := r.onIdle

	if len(r.creds) == 0 {
		r.mu.Unlock()
		onIdle()
		return
	}

	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	timeout := r.settings.IdleShutdownTimeout
	r.idleTimer = r.clock.AfterFunc(timeout, func() {
		r.mu.Lock()
		idle := !r.closed && len(r.bridges) == 0
		r.idleTimer = nil
		r.mu.Unlock()
		if idle {
			log.Printf("[REGISTRY] Idle for %s, shutting down", timeout)
			onIdle()
		}
	})
	r.mu.Unlock()
}

// Close disconnects every session, drops the credential cache, and
// stops all timers. The registry cannot be reused.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	if r.expiryTimer != nil {
		r.expiryTimer.Stop()
		r.expiryTimer = nil
	}
	r.creds = make(map[string]*cachedCred)
	r.expiries = nil
	r.mu.Unlock()

	r.DisconnectAll()
}
