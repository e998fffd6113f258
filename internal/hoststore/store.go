// Package hoststore persists what the session core needs to remember
// between runs: host descriptors, accepted remote identities, stored
// credentials, and per-host port forwards.
package hoststore

import (
	"context"
	"errors"
	"time"

	"tether/internal/host"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("hoststore: not found")

// Identity is an accepted remote host identity. Fingerprint is the
// SHA256 fingerprint of PublicKey; PublicKey is the wire-format blob.
type Identity struct {
	Hostname    string
	Port        int
	Algorithm   string
	Fingerprint string
	PublicKey   []byte
	AcceptedAt  time.Time
}

// StoredKey is a credential at rest: a PEM blob, possibly passphrase
// protected. LoadOnStart marks keys the registry unlocks into its
// in-memory cache at boot.
type StoredKey struct {
	Nickname    string
	Blob        []byte
	Encrypted   bool
	LoadOnStart bool
}

// Store is the persistence collaborator. Implementations must be safe
// for concurrent use.
type Store interface {
	Host(ctx context.Context, nickname string) (host.Descriptor, error)
	SaveHost(ctx context.Context, d host.Descriptor) error
	// TouchHost records the time a session to the host was opened.
	TouchHost(ctx context.Context, key host.Key, when time.Time) error

	Identity(ctx context.Context, hostname string, port int) (*Identity, error)
	SaveIdentity(ctx context.Context, id Identity) error

	Key(ctx context.Context, nickname string) (*StoredKey, error)
	SaveKey(ctx context.Context, k StoredKey) error
	// KeysToLoad returns the credentials marked for unlock at boot.
	KeysToLoad(ctx context.Context) ([]StoredKey, error)

	Forwards(ctx context.Context, key host.Key) ([]host.ForwardSpec, error)
	SaveForwards(ctx context.Context, key host.Key, specs []host.ForwardSpec) error

	Close() error
}
