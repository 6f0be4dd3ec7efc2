// Package sshconn implements the chained SSH session: one
// authenticated channel to a host, optionally tunneled through a parent
// connection. Liveness is recursive over the parent chain; connect
// outcomes are tagged so callers branch on data instead of error types.
package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gustycube/sshmap/internal/netutil"
	"github.com/gustycube/sshmap/internal/types"
)

var ErrNotConnected = errors.New("sshconn: not connected")

// noopCommand probes liveness; exit status 0 on any sane shell.
const noopCommand = "true"

type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePermanentFailure
	OutcomeTransientFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// DialResult is the tagged outcome of one connect attempt.
type DialResult struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// Options configures a Connection before Connect.
type Options struct {
	Host       string
	Port       int
	Credential types.Credential
	// Signer authenticates keyfile credentials; nil for passwords.
	Signer ssh.Signer
	// Parent tunnels this connection through an existing one; nil
	// dials directly.
	Parent *Connection
	// ProxyURL routes a direct (first hop) dial through a
	// socks5:// or http:// proxy.
	ProxyURL string
	Timeout  time.Duration
	Log      *zap.SugaredLogger
}

// Connection is a single authenticated channel to a host. Runtime only;
// ownership moves to the session cache once registered there.
type Connection struct {
	host     string
	port     int
	cred     types.Credential
	signer   ssh.Signer
	parent   *Connection
	proxyURL string
	timeout  time.Duration
	log      *zap.SugaredLogger

	mu             sync.Mutex
	state          State
	client         *ssh.Client
	remoteHostname string
}

func New(opts Options) *Connection {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Connection{
		host:     opts.Host,
		port:     opts.Port,
		cred:     opts.Credential,
		signer:   opts.Signer,
		parent:   opts.Parent,
		proxyURL: opts.ProxyURL,
		timeout:  opts.Timeout,
		log:      opts.Log,
	}
}

func (c *Connection) Host() string                { return c.host }
func (c *Connection) Port() int                   { return c.port }
func (c *Connection) User() string                { return c.cred.User }
func (c *Connection) Credential() types.Credential { return c.cred }
func (c *Connection) Parent() *Connection         { return c.parent }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteHostname returns the identity resolved during Connect, or the
// dialed address if resolution never succeeded.
func (c *Connection) RemoteHostname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteHostname != "" {
		return c.remoteHostname
	}
	return c.host
}

func (c *Connection) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect opens the channel, authenticates, and resolves the remote
// hostname. The result is tagged: auth rejection is a permanent
// failure, timeouts and mid-handshake drops are transient and eligible
// for the caller's retry policy.
func (c *Connection) Connect(ctx context.Context) DialResult {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return DialResult{Outcome: OutcomeSuccess}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	client, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		outcome, reason := Classify(err)
		return DialResult{Outcome: outcome, Reason: reason, Err: err}
	}

	c.mu.Lock()
	c.client = client
	c.state = StateConnected
	c.mu.Unlock()

	c.resolveRemoteHostname(ctx)
	return DialResult{Outcome: OutcomeSuccess}
}

func (c *Connection) dial(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            c.cred.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.timeout,
	}
	switch c.cred.Method {
	case types.MethodKeyfile:
		if c.signer == nil {
			return nil, fmt.Errorf("sshconn: no signer for keyfile %s", c.cred.Secret)
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(c.signer)}
	default:
		cfg.Auth = []ssh.AuthMethod{ssh.Password(c.cred.Secret)}
	}

	var (
		raw net.Conn
		err error
	)
	switch {
	case c.parent != nil:
		raw, err = c.parent.dialThrough(ctx, c.addr(), c.timeout)
	case c.proxyURL != "":
		raw, err = proxyDial(ctx, c.proxyURL, c.addr(), c.timeout)
	default:
		d := net.Dialer{Timeout: c.timeout}
		raw, err = d.DialContext(ctx, "tcp", c.addr())
	}
	if err != nil {
		return nil, err
	}
	return handshake(ctx, raw, c.addr(), cfg, c.timeout)
}

// handshake runs the SSH handshake with its own timeout. Tunneled
// channels do not support deadlines, so the timeout closes the
// transport out from under a stuck handshake instead.
func handshake(ctx context.Context, raw net.Conn, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{ssh.NewClient(conn, chans, reqs), nil}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.client, r.err
	case <-timer.C:
		raw.Close()
		<-ch
		return nil, fmt.Errorf("sshconn: handshake %s: %w", addr, context.DeadlineExceeded)
	case <-ctx.Done():
		raw.Close()
		<-ch
		return nil, ctx.Err()
	}
}

// dialThrough opens a forwarded TCP channel to addr over this
// connection, used as the transport for a child's handshake. The
// channel-open confirmation can hang on a wedged pivot, so the wait is
// bounded; an abandoned open is closed in the background if it ever
// completes.
func (c *Connection) dialThrough(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := client.Dial("tcp", addr)
		ch <- result{conn, err}
	}()

	abandon := func() {
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("sshconn: open channel %s: %w", addr, context.DeadlineExceeded)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// resolveRemoteHostname asks the remote for its hostname with a short
// warm-up loop; some endpoints answer the first exec after login
// unreliably. Falls back to the dialed address.
func (c *Connection) resolveRemoteHostname(ctx context.Context) {
	const tries = 3
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			delay := 200 * time.Millisecond
			if attempt > 1 {
				delay = time.Second
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		out, _, status, err := c.Exec(ctx, "hostname")
		if err != nil || status != 0 {
			continue
		}
		if name := trimOutput(out); name != "" {
			c.mu.Lock()
			c.remoteHostname = name
			c.mu.Unlock()
			return
		}
	}
	c.log.Warnw("could not resolve remote hostname, using address",
		"host", c.host, "port", c.port)
}

// IsConnected reports liveness recursively: a connection with a dead
// parent is unusable no matter what its own socket says, so the parent
// chain is checked first, then a no-op command locally.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if c.parent != nil && !c.parent.IsConnected(ctx) {
		return false
	}
	c.mu.Lock()
	ok := c.state == StateConnected && c.client != nil
	c.mu.Unlock()
	if !ok {
		return false
	}
	_, _, status, err := c.Exec(ctx, noopCommand)
	return err == nil && status == 0
}

// Exec runs a command and returns stdout, stderr, and the exit status.
// A non-zero exit is not an error; err covers transport failures only.
func (c *Connection) Exec(ctx context.Context, command string) (string, string, int, error) {
	c.mu.Lock()
	client := c.client
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || client == nil {
		return "", "", -1, ErrNotConnected
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("sshconn: session %s: %w", c.addr(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("sshconn: exec on %s: %w", c.addr(), err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// RemoteInterfaces lists the IPv4 addresses the remote host advertises.
// Tries the ip tool, falls back to ifconfig, and as a last resort
// reports the dialed address as a /32.
func (c *Connection) RemoteInterfaces(ctx context.Context) []types.Interface {
	out, _, status, err := c.Exec(ctx, `ip -o -4 addr show | awk '{print $4}'`)
	if err == nil && status == 0 {
		if ifaces := netutil.ParseCIDRList(out); len(ifaces) > 0 {
			return ifaces
		}
	}

	out, _, status, err = c.Exec(ctx, "ifconfig")
	if err == nil && status == 0 {
		if ifaces := netutil.ParseIfconfig(out); len(ifaces) > 0 {
			return ifaces
		}
	}

	c.log.Debugw("interface discovery fell back to dialed address",
		"host", c.host)
	return []types.Interface{{IP: c.host, Mask: 32}}
}

// Close releases the underlying channel. It does not cascade to
// children; their next liveness check reports the break instead.
func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.state = StateUnconnected
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func trimOutput(s string) string {
	for len(s) > 0 {
		switch s[len(s)-1] {
		case '\n', '\r', ' ', '\t':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

// Classify maps a connect error to its outcome class. Auth rejection is
// permanent; timeouts, mid-handshake drops, and resource exhaustion are
// transient and retryable. Anything unrecognized is permanent so a
// broken target cannot trap the engine in retries.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	msg := err.Error()

	if containsAny(msg, "unable to authenticate", "no supported methods remain", "permission denied") {
		return OutcomePermanentFailure, "auth rejected"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransientFailure, "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTransientFailure, "timeout"
	}
	if containsAny(msg, "i/o timeout", "timed out") {
		return OutcomeTransientFailure, "timeout"
	}

	if containsAny(msg, "connection reset", "connection lost", "broken pipe", "EOF", "use of closed") {
		return OutcomeTransientFailure, "connection dropped"
	}
	if containsAny(msg, "too many open files", "no buffer space", "resource temporarily unavailable") {
		return OutcomeTransientFailure, "resource exhaustion"
	}

	return OutcomePermanentFailure, "rejected"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
