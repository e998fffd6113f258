package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	socks5 "github.com/armon/go-socks5"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// dialTimeout bounds the TCP dial and the SSH handshake so an
// unreachable host fails the session instead of hanging it.
const dialTimeout = 10 * time.Second

// SSH implements Transport on golang.org/x/crypto/ssh.
//
// The session core owns authentication-method ordering, so every
// authenticate call here performs a complete handshake with exactly
// one method configured. A failed handshake consumes the TCP
// connection; the next attempt transparently redials.
type SSH struct {
	callbacks Callbacks

	mu       sync.Mutex
	hostname string
	port     int
	addr     string
	raw      net.Conn    // dialed, handshake not yet attempted
	client   *ssh.Client // set once a handshake succeeds
	session  *ssh.Session
	closed   bool
}

// NewSSH creates an unconnected SSH transport.
func NewSSH(cb Callbacks) *SSH {
	return &SSH{callbacks: cb}
}

// NewSSHFactory adapts NewSSH to the Factory signature.
func NewSSHFactory() Factory {
	return func(cb Callbacks) Transport { return NewSSH(cb) }
}

// Connect dials the remote endpoint. The SSH handshake is deferred to
// the first authenticate call.
func (s *SSH) Connect(ctx context.Context, hostname string, port int) error {
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.hostname = hostname
	s.port = port
	s.addr = addr
	s.raw = conn
	s.mu.Unlock()
	return nil
}

// Connected reports whether a handshake has completed.
func (s *SSH) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *SSH) AuthNone(user string) (bool, error) {
	// An empty method list makes the library attempt "none".
	return s.attempt(user, nil)
}

func (s *SSH) AuthPublicKey(user string, signer ssh.Signer) (bool, error) {
	return s.attempt(user, []ssh.AuthMethod{ssh.PublicKeys(signer)})
}

func (s *SSH) AuthPassword(user, password string) (bool, error) {
	return s.attempt(user, []ssh.AuthMethod{ssh.Password(password)})
}

func (s *SSH) AuthKeyboardInteractive(user string, challenge Challenge) (bool, error) {
	cb := ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		return challenge(name, instruction, questions, echos)
	})
	return s.attempt(user, []ssh.AuthMethod{cb})
}

// attempt runs one full handshake with the given method set.
func (s *SSH) attempt(user string, methods []ssh.AuthMethod) (bool, error) {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return true, nil
	}
	if s.closed {
		s.mu.Unlock()
		return false, fmt.Errorf("transport: closed")
	}
	conn := s.raw
	s.raw = nil
	addr := s.addr
	s.mu.Unlock()

	if addr == "" {
		return false, fmt.Errorf("transport: not connected")
	}
	if conn == nil {
		// Previous attempt consumed the connection; redial.
		var err error
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return false, fmt.Errorf("transport: redial %s: %w", addr, err)
		}
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: s.hostKeyCallback,
		Timeout:         dialTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("transport: handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(c, chans, reqs)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Close()
		return false, fmt.Errorf("transport: closed")
	}
	s.client = client
	s.mu.Unlock()

	go s.watch(client)
	return true, nil
}

// watch reports connection loss to the owner. Wait returns when the
// underlying connection dies, including via a local Close; the closed
// flag distinguishes the two.
func (s *SSH) watch(client *ssh.Client) {
	err := client.Wait()

	s.mu.Lock()
	closed := s.closed
	cb := s.callbacks.OnConnectionLost
	s.mu.Unlock()

	if closed || cb == nil {
		return
	}
	cb(err)
}

func (s *SSH) hostKeyCallback(_ string, _ net.Addr, key ssh.PublicKey) error {
	verify := s.callbacks.VerifyHostIdentity
	if verify == nil {
		return nil
	}

	s.mu.Lock()
	hostname, port := s.hostname, s.port
	s.mu.Unlock()

	if verify(hostname, port, key.Type(), ssh.FingerprintSHA256(key), key) {
		return nil
	}
	return fmt.Errorf("transport: host identity for %s rejected", hostname)
}

// isAuthFailure distinguishes "the server rejected this method" from
// transport breakage. The library reports the former only through the
// handshake error text.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// OpenShell requests a PTY and an interactive shell, returning the
// remote stdout stream and a writer feeding remote stdin. Stderr is
// drained and discarded; interactive sessions multiplex everything a
// user sees onto stdout.
func (s *SSH) OpenShell(termType string, cols, rows int) (io.Reader, io.WriteCloser, error) {
	client := s.currentClient()
	if client == nil {
		return nil, nil, fmt.Errorf("transport: not authenticated")
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: open session: %w", err)
	}

	if termType == "" {
		termType = "xterm-256color"
	}
	if err := sess.RequestPty(termType, rows, cols, ssh.TerminalModes{}); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("transport: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("transport: stderr pipe: %w", err)
	}
	go io.Copy(io.Discard, stderr) //nolint:errcheck

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("transport: start shell: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return stdout, stdin, nil
}

// ResizePTY propagates a terminal resize to the remote PTY.
func (s *SSH) ResizePTY(cols, rows int) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("transport: no shell open")
	}
	return sess.WindowChange(rows, cols)
}

// ListenLocal opens a local listener and tunnels each accepted
// connection through the SSH connection to destHost:destPort.
func (s *SSH) ListenLocal(sourcePort int, destHost string, destPort int) (io.Closer, error) {
	client := s.currentClient()
	if client == nil {
		return nil, fmt.Errorf("transport: not authenticated")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", sourcePort))
	if err != nil {
		return nil, fmt.Errorf("transport: local listen on %d: %w", sourcePort, err)
	}

	dest := net.JoinHostPort(destHost, fmt.Sprintf("%d", destPort))
	go s.acceptLoop(ln, func() (net.Conn, error) { return client.Dial("tcp", dest) })
	return ln, nil
}

// ListenRemote asks the server to listen on sourcePort and relays each
// accepted connection back to destHost:destPort on the client side.
func (s *SSH) ListenRemote(sourcePort int, destHost string, destPort int) (io.Closer, error) {
	client := s.currentClient()
	if client == nil {
		return nil, fmt.Errorf("transport: not authenticated")
	}

	ln, err := client.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", sourcePort))
	if err != nil {
		return nil, fmt.Errorf("transport: remote listen on %d: %w", sourcePort, err)
	}

	dest := net.JoinHostPort(destHost, fmt.Sprintf("%d", destPort))
	go s.acceptLoop(ln, func() (net.Conn, error) { return net.Dial("tcp", dest) })
	return ln, nil
}

// ListenDynamic opens a local SOCKS5 listener whose connections are
// dialed through the SSH connection.
func (s *SSH) ListenDynamic(sourcePort int) (io.Closer, error) {
	client := s.currentClient()
	if client == nil {
		return nil, fmt.Errorf("transport: not authenticated")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", sourcePort))
	if err != nil {
		return nil, fmt.Errorf("transport: dynamic listen on %d: %w", sourcePort, err)
	}

	srv, err := socks5.New(&socks5.Config{
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return client.Dial(network, addr)
		},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: socks server: %w", err)
	}

	go srv.Serve(ln) //nolint:errcheck
	return ln, nil
}

// acceptLoop relays every accepted connection to a freshly dialed
// counterpart. The loop ends when the listener is closed.
func (s *SSH) acceptLoop(ln net.Listener, dial func() (net.Conn, error)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			remote, err := dial()
			if err != nil {
				log.Printf("[SSH] Forward dial failed: %v", err)
				conn.Close()
				return
			}
			relayConns(conn, remote)
		}()
	}
}

// relayConns copies both directions until either side closes.
func relayConns(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b) //nolint:errcheck
		a.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a) //nolint:errcheck
		b.Close()
	}()
	wg.Wait()
}

func (s *SSH) currentClient() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Close tears everything down. Safe to call from any goroutine and
// more than once.
func (s *SSH) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess, client, raw := s.session, s.client, s.raw
	s.session, s.client, s.raw = nil, nil, nil
	s.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if client != nil {
		return client.Close()
	}
	if raw != nil {
		return raw.Close()
	}
	return nil
}

// The agent socket is dialed once and the client reused across
// authentication passes; agent signers sign through this connection,
// so it must stay open while they are in use. A failing connection is
// dropped and the next call redials.
var (
	agentMu     sync.Mutex
	agentConn   net.Conn
	agentClient agent.Agent
)

// AgentSigners returns the signers offered by the local SSH agent, or
// nil when no agent is reachable. Used to widen the "any available
// key" public-key attempt beyond the in-memory cache.
func AgentSigners() []ssh.Signer {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	agentMu.Lock()
	defer agentMu.Unlock()

	if agentClient == nil {
		conn, err := net.DialTimeout("unix", sock, time.Second)
		if err != nil {
			log.Printf("[SSH] Agent unreachable: %v", err)
			return nil
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	}

	signers, err := agentClient.Signers()
	if err != nil {
		log.Printf("[SSH] Agent signers: %v", err)
		agentConn.Close()
		agentConn, agentClient = nil, nil
		return nil
	}
	return signers
}
