// Package transport abstracts the wire protocol under a session. The
// session core drives the interface below; the SSH implementation in
// this package is the only one today.
package transport

import (
	"context"
	"io"

	"golang.org/x/crypto/ssh"
)

// Challenge answers one round of keyboard-interactive authentication.
// prompts and echo are parallel; the returned answers must match the
// prompt order.
type Challenge func(name, instruction string, prompts []string, echo []bool) ([]string, error)

// Callbacks are the events a transport raises back into its owner.
// Both fields may be nil.
type Callbacks struct {
	// OnConnectionLost fires once when an established connection dies
	// for any reason other than a local Close.
	OnConnectionLost func(err error)

	// VerifyHostIdentity decides whether to trust the remote identity
	// presented during the handshake. Returning false fails the
	// connection.
	VerifyHostIdentity func(hostname string, port int, algorithm, fingerprint string, key ssh.PublicKey) bool
}

// Transport is one connection to a remote host. Connect must be called
// first; exactly one authentication call must succeed before the shell
// and forward operations are usable. Implementations are safe for use
// by the single session goroutine plus concurrent Close.
//
// The authenticate calls return (false, nil) when the remote side
// rejected the method — a normal, recoverable outcome the session
// reports and moves past — and a non-nil error only for transport
// failures.
type Transport interface {
	Connect(ctx context.Context, hostname string, port int) error

	AuthNone(user string) (bool, error)
	AuthPublicKey(user string, signer ssh.Signer) (bool, error)
	AuthPassword(user, password string) (bool, error)
	AuthKeyboardInteractive(user string, challenge Challenge) (bool, error)

	OpenShell(termType string, cols, rows int) (stdout io.Reader, stdin io.WriteCloser, err error)
	ResizePTY(cols, rows int) error

	ListenLocal(sourcePort int, destHost string, destPort int) (io.Closer, error)
	ListenRemote(sourcePort int, destHost string, destPort int) (io.Closer, error)
	ListenDynamic(sourcePort int) (io.Closer, error)

	Connected() bool
	Close() error
}

// Factory builds a fresh transport for one connection attempt. A
// reconnecting session calls it again rather than reusing a dead
// transport.
type Factory func(cb Callbacks) Transport
