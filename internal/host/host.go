package host

import (
	"fmt"
	"net"
	"strconv"
)

// Protocol identifies the wire protocol used to reach a host.
// Only SSH is implemented today; the field exists so descriptors for
// other protocols can coexist in the same store.
type Protocol string

const ProtocolSSH Protocol = "ssh"

// AuthMethod names one authentication mechanism in the order the
// remote side advertises them.
type AuthMethod string

const (
	AuthNone                AuthMethod = "none"
	AuthPublicKey           AuthMethod = "publickey"
	AuthPassword            AuthMethod = "password"
	AuthKeyboardInteractive AuthMethod = "keyboard-interactive"
)

// KeyPolicy controls which stored credential a session may use for
// public-key authentication.
type KeyPolicy int

const (
	// KeyNever disables public-key authentication for the host.
	KeyNever KeyPolicy = iota

	// KeyAny tries every credential currently unlocked in memory.
	KeyAny

	// KeySpecific uses exactly the credential named by KeyNickname.
	KeySpecific
)

// ForwardKind is the type of a configured port forward.
type ForwardKind string

const (
	ForwardLocal   ForwardKind = "local"
	ForwardRemote  ForwardKind = "remote"
	ForwardDynamic ForwardKind = "dynamic"
)

// ForwardSpec is the persisted description of one port forward.
// Local forwards listen on SourcePort and tunnel to DestHost:DestPort.
// Remote forwards listen on the server's SourcePort and tunnel back.
// Dynamic forwards open a SOCKS listener on SourcePort; the
// destination fields are unused.
type ForwardSpec struct {
	Nickname   string
	Kind       ForwardKind
	SourcePort int
	DestHost   string
	DestPort   int
	AutoStart  bool
}

// Description returns a short human-readable summary, e.g.
// "tunnel (local) 8080 -> db:5432".
func (f ForwardSpec) Description() string {
	switch f.Kind {
	case ForwardDynamic:
		return fmt.Sprintf("%s (dynamic) SOCKS on %d", f.Nickname, f.SourcePort)
	default:
		return fmt.Sprintf("%s (%s) %d -> %s:%d", f.Nickname, f.Kind, f.SourcePort, f.DestHost, f.DestPort)
	}
}

// Descriptor holds everything the session core needs to know about a
// remote host. It is a pure data-transfer object owned by the host
// store; the core keeps a copy for the lifetime of a session.
type Descriptor struct {
	Nickname string
	Username string
	Hostname string
	Port     int
	Protocol Protocol

	// AuthMethods is the ordered list of methods the session may
	// attempt. An empty list allows every method.
	AuthMethods []AuthMethod

	// KeyPolicy and KeyNickname select the credential for public-key
	// authentication. KeyNickname is meaningful only with KeySpecific.
	KeyPolicy   KeyPolicy
	KeyNickname string

	// Encoding is the IANA name of the terminal character set,
	// e.g. "UTF-8" or "IBM437". Empty means UTF-8.
	Encoding string

	// KeepAlive asks the registry to keep the network resource held
	// while this session is connected.
	KeepAlive bool

	// StayConnected requests automatic reconnection after a lost
	// connection.
	StayConnected bool

	// PostLogin is injected into the shell once it opens.
	PostLogin string

	Forwards []ForwardSpec
}

// Key is the comparable identity of a Descriptor. Two sessions are the
// same session exactly when their Keys are equal.
type Key struct {
	Nickname string
	Username string
	Hostname string
	Port     int
	Protocol Protocol
}

func (d Descriptor) Key() Key {
	return Key{
		Nickname: d.Nickname,
		Username: d.Username,
		Hostname: d.Hostname,
		Port:     d.Port,
		Protocol: d.Protocol,
	}
}

// Equal reports whether two descriptors identify the same session.
// Preference fields (encoding, forwards, flags) do not participate.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Key() == o.Key()
}

// Addr returns the dialable "host:port" endpoint.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Hostname, strconv.Itoa(d.Port))
}

// AllowsMethod reports whether the descriptor permits the given
// authentication method. An empty preference list permits everything.
func (d Descriptor) AllowsMethod(m AuthMethod) bool {
	if len(d.AuthMethods) == 0 {
		return true
	}
	for _, am := range d.AuthMethods {
		if am == m {
			return true
		}
	}
	return false
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", k.Username, k.Hostname, k.Port, k.Nickname)
}
