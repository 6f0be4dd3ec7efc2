package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gustycube/sshmap/internal/sshtest"
	"github.com/gustycube/sshmap/internal/types"
)

func passwordCred(user, secret string) types.Credential {
	return types.Credential{Scope: types.WildcardScope, Port: 22, User: user, Secret: secret, Method: types.MethodPassword}
}

func startServer(t *testing.T, user, password, hostname string, cidrs ...string) *sshtest.Server {
	t.Helper()
	ts, err := sshtest.NewServer(user, password, hostname, cidrs...)
	if err != nil {
		t.Fatalf("test server: %v", err)
	}
	t.Cleanup(ts.Close)
	return ts
}

func TestConnectAndExec(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ts.Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    5 * time.Second,
	})
	res := conn.Connect(ctx)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Connect outcome = %v (%s, %v), want success", res.Outcome, res.Reason, res.Err)
	}
	defer conn.Close()

	if conn.State() != StateConnected {
		t.Errorf("State = %v, want connected", conn.State())
	}

	// Hostname should have been resolved during connect.
	if got := conn.RemoteHostname(); got != "web-01" {
		t.Errorf("RemoteHostname = %q, want web-01", got)
	}

	stdout, _, status, err := conn.Exec(ctx, "echo hi")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if stdout != "hi\n" || status != 0 {
		t.Errorf("Exec = (%q, %d), want (hi\\n, 0)", stdout, status)
	}

	// Non-zero exit is data, not an error.
	_, _, status, err = conn.Exec(ctx, "false")
	if err != nil {
		t.Fatalf("Exec false: %v", err)
	}
	if status != 1 {
		t.Errorf("exit status = %d, want 1", status)
	}

	if !conn.IsConnected(ctx) {
		t.Error("IsConnected = false on a live connection")
	}
}

func TestConnectWrongPassword(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ts.Port,
		Credential: passwordCred("root", "hunter2"),
		Timeout:    5 * time.Second,
	})
	res := conn.Connect(context.Background())
	if res.Outcome != OutcomePermanentFailure {
		t.Fatalf("outcome = %v, want permanent failure", res.Outcome)
	}
	if res.Reason != "auth rejected" {
		t.Errorf("reason = %q, want auth rejected", res.Reason)
	}
	if conn.State() != StateFailed {
		t.Errorf("State = %v, want failed", conn.State())
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port and free it so the dial lands on nothing.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       port,
		Credential: passwordCred("root", "toor"),
		Timeout:    2 * time.Second,
	})
	res := conn.Connect(context.Background())
	if res.Outcome == OutcomeSuccess {
		t.Fatal("connect to closed port succeeded")
	}
	if res.Err == nil {
		t.Error("result carries no error")
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	// A listener that accepts and then says nothing stalls the
	// handshake until the dial timeout fires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ln.Addr().(*net.TCPAddr).Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    300 * time.Millisecond,
	})
	res := conn.Connect(context.Background())
	if res.Outcome != OutcomeTransientFailure {
		t.Fatalf("outcome = %v (%v), want transient failure", res.Outcome, res.Err)
	}
	if res.Reason != "timeout" {
		t.Errorf("reason = %q, want timeout", res.Reason)
	}
}

func TestChainedConnection(t *testing.T) {
	edge := startServer(t, "root", "toor", "edge-01")
	core := startServer(t, "admin", "secret", "core-01")
	ctx := context.Background()

	first := New(Options{
		Host:       "127.0.0.1",
		Port:       edge.Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    5 * time.Second,
	})
	if res := first.Connect(ctx); res.Outcome != OutcomeSuccess {
		t.Fatalf("first hop: %v (%v)", res.Outcome, res.Err)
	}
	defer first.Close()

	second := New(Options{
		Host:       "127.0.0.1",
		Port:       core.Port,
		Credential: passwordCred("admin", "secret"),
		Parent:     first,
		Timeout:    5 * time.Second,
	})
	if res := second.Connect(ctx); res.Outcome != OutcomeSuccess {
		t.Fatalf("second hop: %v (%v)", res.Outcome, res.Err)
	}
	defer second.Close()

	// The tunneled hop resolves its own identity and runs commands.
	if got := second.RemoteHostname(); got != "core-01" {
		t.Errorf("RemoteHostname = %q, want core-01", got)
	}
	stdout, _, status, err := second.Exec(ctx, "echo deep")
	if err != nil || status != 0 || stdout != "deep\n" {
		t.Errorf("Exec over tunnel = (%q, %d, %v)", stdout, status, err)
	}
	if !second.IsConnected(ctx) {
		t.Error("IsConnected = false on a live chain")
	}

	// Killing the first hop must not mutate the child, but liveness
	// has to report the break.
	first.Close()
	if second.State() != StateConnected {
		t.Errorf("child state changed to %v on parent close", second.State())
	}
	if second.IsConnected(ctx) {
		t.Error("IsConnected = true with a dead parent")
	}
}

func TestExecBeforeConnect(t *testing.T) {
	conn := New(Options{Host: "127.0.0.1", Port: 22, Credential: passwordCred("root", "toor")})
	if _, _, _, err := conn.Exec(context.Background(), "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Exec error = %v, want ErrNotConnected", err)
	}
	if conn.IsConnected(context.Background()) {
		t.Error("IsConnected = true before Connect")
	}
}

func TestCloseThenExec(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ts.Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    5 * time.Second,
	})
	if res := conn.Connect(ctx); res.Outcome != OutcomeSuccess {
		t.Fatalf("Connect: %v", res.Err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if conn.IsConnected(ctx) {
		t.Error("IsConnected = true after Close")
	}
	if _, _, _, err := conn.Exec(ctx, "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Exec after Close = %v, want ErrNotConnected", err)
	}
}

func TestRemoteInterfaces(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01", "10.9.8.7/24", "172.16.0.4/16")
	ctx := context.Background()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ts.Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    5 * time.Second,
	})
	if res := conn.Connect(ctx); res.Outcome != OutcomeSuccess {
		t.Fatalf("Connect: %v", res.Err)
	}
	defer conn.Close()

	ifaces := conn.RemoteInterfaces(ctx)
	want := []types.Interface{{IP: "10.9.8.7", Mask: 24}, {IP: "172.16.0.4", Mask: 16}}
	if len(ifaces) != len(want) {
		t.Fatalf("interfaces = %v, want %v", ifaces, want)
	}
	for i := range want {
		if ifaces[i] != want[i] {
			t.Errorf("interface[%d] = %v, want %v", i, ifaces[i], want[i])
		}
	}
}

func TestRemoteInterfacesFallback(t *testing.T) {
	// No interface discovery commands on this box; only the dialed
	// address remains.
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	conn := New(Options{
		Host:       "127.0.0.1",
		Port:       ts.Port,
		Credential: passwordCred("root", "toor"),
		Timeout:    5 * time.Second,
	})
	if res := conn.Connect(ctx); res.Outcome != OutcomeSuccess {
		t.Fatalf("Connect: %v", res.Err)
	}
	defer conn.Close()

	ifaces := conn.RemoteInterfaces(ctx)
	if len(ifaces) != 1 || ifaces[0].IP != "127.0.0.1" || ifaces[0].Mask != 32 {
		t.Errorf("fallback interfaces = %v, want [{127.0.0.1 32}]", ifaces)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome Outcome
		reason  string
	}{
		{"nil", nil, OutcomeSuccess, ""},
		{
			"auth rejected",
			errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"),
			OutcomePermanentFailure, "auth rejected",
		},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), OutcomeTransientFailure, "timeout"},
		{"io timeout", errors.New("dial tcp 10.0.0.5:22: i/o timeout"), OutcomeTransientFailure, "timeout"},
		{"reset", errors.New("read tcp 10.0.0.1:4012->10.0.0.5:22: connection reset by peer"), OutcomeTransientFailure, "connection dropped"},
		{"handshake eof", errors.New("ssh: handshake failed: EOF"), OutcomeTransientFailure, "connection dropped"},
		{"fd exhaustion", errors.New("accept: too many open files"), OutcomeTransientFailure, "resource exhaustion"},
		{"refused", errors.New("dial tcp 10.0.0.5:22: connect: connection refused"), OutcomePermanentFailure, "rejected"},
		{"unknown", errors.New("ssh: something odd"), OutcomePermanentFailure, "rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, reason := Classify(tc.err)
			if outcome != tc.outcome || reason != tc.reason {
				t.Errorf("Classify(%v) = (%v, %q), want (%v, %q)", tc.err, outcome, reason, tc.outcome, tc.reason)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUnconnected: "unconnected",
		StateConnecting:  "connecting",
		StateConnected:   "connected",
		StateFailed:      "failed",
		State(99):        "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
