package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/term"

	"tether/internal/bridge"
	"tether/internal/config"
	"tether/internal/host"
	"tether/internal/hoststore"
	"tether/internal/prompt"
	"tether/internal/registry"
	"tether/internal/terminal"
	"tether/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	nickname := flag.String("host", "", "nickname of a stored host to connect to")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load config from %q: %v", *configPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("[BOOT] Failed to open host store: %v", err)
	}
	defer store.Close()

	d, err := resolveHost(ctx, store, *nickname, flag.Arg(0), cfg)
	if err != nil {
		log.Fatalf("[BOOT] %v", err)
	}

	reg := registry.New(store, transport.NewSSHFactory(), clockwork.NewRealClock(), registry.Settings{
		Bridge: bridge.Settings{
			TermType:       cfg.Terminal.Type,
			Cols:           cfg.Terminal.Cols,
			Rows:           cfg.Terminal.Rows,
			MaxAuthTries:   cfg.Auth.MaxTries,
			AuthRetryDelay: time.Duration(cfg.Auth.RetryDelaySeconds) * time.Second,
		},
		ReconnectBackoff:    time.Duration(cfg.Reconnect.BackoffSeconds) * time.Second,
		IdleShutdownTimeout: time.Duration(cfg.Idle.ShutdownTimeoutSeconds) * time.Second,
		RetainCredentials:   cfg.Credentials.Retain,
		CredentialTTL:       time.Duration(cfg.Credentials.TTLSeconds) * time.Second,
	})
	defer reg.Close()

	reg.SetSinkFactory(func(host.Descriptor) terminal.Sink {
		return &terminal.Writer{W: os.Stdout}
	})

	if err := reg.LoadStoredKeys(ctx); err != nil {
		log.Printf("[BOOT] Could not preload stored keys: %v", err)
	}

	done := make(chan struct{})
	reg.OnSessionEnd(func(host.Key) { close(done) })

	b, err := reg.OpenSession(ctx, d)
	if err != nil {
		log.Fatalf("[BOOT] Could not open session: %v", err)
	}

	prompts := make(chan prompt.Pending, 4)
	b.Prompts().OnPrompt(func(p prompt.Pending) { prompts <- p })
	if p := b.Prompts().Outstanding(); p != nil {
		prompts <- *p
	}

	states := make(chan bridge.State, 8)
	b.OnStateChange(func(s bridge.State) { states <- s })

	ui := newConsole(os.Stderr, b)
	defer ui.exitRaw()

	keys := make(chan []byte, 16)
	go readStdin(keys)

	for {
		select {
		case p := <-prompts:
			ui.begin(p)

		case s := <-states:
			ui.setState(s)

		case chunk, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			ui.input(chunk)

		case <-ctx.Done():
			ui.exitRaw()
			b.Disconnect(true)
			<-done
			return

		case <-done:
			return
		}
	}
}

// readStdin is the only reader of os.Stdin. Routing every chunk
// through the main loop keeps prompt answering and shell keystrokes
// from reading the terminal concurrently.
func readStdin(keys chan<- []byte) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			keys <- chunk
		}
		if err != nil {
			close(keys)
			return
		}
	}
}

// openStore selects postgres when a DSN is configured, otherwise the
// in-memory store.
func openStore(ctx context.Context, dsn string) (hoststore.Store, error) {
	if dsn == "" {
		return hoststore.NewMemory(), nil
	}
	return hoststore.NewPostgres(ctx, dsn)
}

// resolveHost loads a stored host by nickname or builds an ad-hoc
// descriptor from a user@hostname[:port] argument.
func resolveHost(ctx context.Context, store hoststore.Store, nickname, dest string, cfg *config.Config) (host.Descriptor, error) {
	if nickname != "" {
		d, err := store.Host(ctx, nickname)
		if err != nil {
			return host.Descriptor{}, fmt.Errorf("host %q: %w", nickname, err)
		}
		return d, nil
	}
	if dest == "" {
		return host.Descriptor{}, fmt.Errorf("usage: tether [-config file] (-host nickname | user@hostname[:port])")
	}

	user, rest, ok := strings.Cut(dest, "@")
	if !ok || user == "" || rest == "" {
		return host.Descriptor{}, fmt.Errorf("invalid destination %q, want user@hostname[:port]", dest)
	}

	hostname, port := rest, 22
	if h, p, err := net.SplitHostPort(rest); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return host.Descriptor{}, fmt.Errorf("invalid port in %q", dest)
		}
		hostname, port = h, n
	}

	return host.Descriptor{
		Nickname:  dest,
		Username:  user,
		Hostname:  hostname,
		Port:      port,
		Protocol:  host.ProtocolSSH,
		KeyPolicy: host.KeyAny,
		Encoding:  cfg.Terminal.Encoding,
	}, nil
}

// console owns the local terminal. Stdin chunks arrive through input;
// while a prompt is outstanding they build its answer line, otherwise
// they are keystrokes for the remote shell. Raw mode is entered for
// the shell and for secret prompts (no echo) and restored when neither
// needs it.
type console struct {
	out    io.Writer
	bridge *bridge.Bridge

	fd       int
	oldState *term.State
	raw      bool

	pending *prompt.Pending
	line    []byte
	shell   bool
}

func newConsole(out io.Writer, b *bridge.Bridge) *console {
	return &console{out: out, bridge: b, fd: int(os.Stdin.Fd())}
}

// begin publishes a prompt on the terminal and starts collecting its
// answer from subsequent input chunks.
func (c *console) begin(p prompt.Pending) {
	c.pending = &p
	c.line = nil
	if p.Kind == prompt.KindSecret || c.shell {
		c.enterRaw()
	}
	fmt.Fprintf(c.out, "%s ", p.Instructions)
}

func (c *console) setState(s bridge.State) {
	switch s {
	case bridge.StateShellActive:
		c.shell = true
		if c.pending == nil {
			c.enterRaw()
		}
	case bridge.StateDisconnecting, bridge.StateAwaitingReconnect, bridge.StateDisconnected:
		c.shell = false
		if c.pending == nil {
			c.exitRaw()
		}
	}
}

func (c *console) input(chunk []byte) {
	for len(chunk) > 0 {
		if c.pending != nil {
			chunk = c.feedPrompt(chunk)
			continue
		}
		if c.shell {
			c.bridge.Write(chunk) //nolint:errcheck
		}
		return
	}
}

// feedPrompt consumes bytes into the answer line until a newline
// resolves the prompt, returning whatever is left of the chunk.
func (c *console) feedPrompt(chunk []byte) []byte {
	for i, ch := range chunk {
		switch {
		case ch == '\r' || ch == '\n':
			c.finish()
			return chunk[i+1:]

		case ch == 0x03: // Ctrl-C declines the prompt
			c.pending = nil
			c.line = nil
			fmt.Fprint(c.out, "\r\n")
			c.bridge.Prompts().Cancel()
			if !c.shell {
				c.exitRaw()
			}
			return chunk[i+1:]

		case ch == 0x7f || ch == 0x08:
			if n := len(c.line); n > 0 {
				c.line = c.line[:n-1]
				if c.echoing() {
					fmt.Fprint(c.out, "\b \b")
				}
			}

		default:
			c.line = append(c.line, ch)
			if c.echoing() {
				c.out.Write([]byte{ch}) //nolint:errcheck
			}
		}
	}
	return nil
}

// echoing reports whether prompt input needs manual echo: in raw mode
// the tty does not echo, and secrets must never be echoed.
func (c *console) echoing() bool {
	return c.raw && c.pending != nil && c.pending.Kind != prompt.KindSecret
}

func (c *console) finish() {
	p := c.pending
	line := string(c.line)
	c.pending = nil
	c.line = nil
	if c.raw {
		fmt.Fprint(c.out, "\r\n")
	}

	ch := c.bridge.Prompts()
	switch p.Kind {
	case prompt.KindSecret:
		ch.Respond(line)
	case prompt.KindBool:
		v := strings.ToLower(strings.TrimSpace(line))
		ch.Respond(v == "yes" || v == "y")
	default:
		ch.Respond(strings.TrimSpace(line))
	}

	if !c.shell {
		c.exitRaw()
	}
}

func (c *console) enterRaw() {
	if c.raw {
		return
	}
	old, err := term.MakeRaw(c.fd)
	if err != nil {
		return
	}
	c.oldState = old
	c.raw = true
}

func (c *console) exitRaw() {
	if !c.raw {
		return
	}
	term.Restore(c.fd, c.oldState) //nolint:errcheck
	c.raw = false
}
