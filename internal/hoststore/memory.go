package hoststore

import (
	"context"
	"sync"
	"time"

	"tether/internal/host"
)

// Memory is the in-process Store used by tests and DSN-less runs.
// Everything is copied on the way in and out so callers cannot alias
// internal state.
type Memory struct {
	mu         sync.RWMutex
	hosts      map[string]host.Descriptor
	touched    map[host.Key]time.Time
	identities map[identityKey]Identity
	keys       map[string]StoredKey
	forwards   map[host.Key][]host.ForwardSpec
}

type identityKey struct {
	hostname string
	port     int
}

func NewMemory() *Memory {
	return &Memory{
		hosts:      make(map[string]host.Descriptor),
		touched:    make(map[host.Key]time.Time),
		identities: make(map[identityKey]Identity),
		keys:       make(map[string]StoredKey),
		forwards:   make(map[host.Key][]host.ForwardSpec),
	}
}

func (m *Memory) Host(_ context.Context, nickname string) (host.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.hosts[nickname]
	if !ok {
		return host.Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) SaveHost(_ context.Context, d host.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[d.Nickname] = d
	return nil
}

func (m *Memory) TouchHost(_ context.Context, key host.Key, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[key] = when
	return nil
}

// LastConnected returns the recorded open time for a host, if any.
func (m *Memory) LastConnected(key host.Key) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.touched[key]
	return t, ok
}

func (m *Memory) Identity(_ context.Context, hostname string, port int) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[identityKey{hostname, port}]
	if !ok {
		return nil, nil
	}
	out := id
	return &out, nil
}

func (m *Memory) SaveIdentity(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identityKey{id.Hostname, id.Port}] = id
	return nil
}

func (m *Memory) Key(_ context.Context, nickname string) (*StoredKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[nickname]
	if !ok {
		return nil, ErrNotFound
	}
	out := k
	out.Blob = append([]byte(nil), k.Blob...)
	return &out, nil
}

func (m *Memory) SaveKey(_ context.Context, k StoredKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.Blob = append([]byte(nil), k.Blob...)
	m.keys[k.Nickname] = k
	return nil
}

func (m *Memory) KeysToLoad(_ context.Context) ([]StoredKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StoredKey
	for _, k := range m.keys {
		if k.LoadOnStart {
			k.Blob = append([]byte(nil), k.Blob...)
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Forwards(_ context.Context, key host.Key) ([]host.ForwardSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]host.ForwardSpec(nil), m.forwards[key]...), nil
}

func (m *Memory) SaveForwards(_ context.Context, key host.Key, specs []host.ForwardSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards[key] = append([]host.ForwardSpec(nil), specs...)
	return nil
}

func (m *Memory) Close() error { return nil }
