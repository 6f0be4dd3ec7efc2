package sessions

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gustycube/sshmap/internal/credstore"
	"github.com/gustycube/sshmap/internal/graph"
	"github.com/gustycube/sshmap/internal/sshconn"
	"github.com/gustycube/sshmap/internal/sshtest"
	"github.com/gustycube/sshmap/internal/types"
)

func newManager(t *testing.T, g graph.Store, size int) *Manager {
	t.Helper()
	creds, err := credstore.Open(filepath.Join(t.TempDir(), "credentials.csv"))
	if err != nil {
		t.Fatalf("credstore: %v", err)
	}
	m, err := New(size, g, creds, "", 5*time.Second, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func startServer(t *testing.T, user, password, hostname string) *sshtest.Server {
	t.Helper()
	ts, err := sshtest.NewServer(user, password, hostname)
	if err != nil {
		t.Fatalf("test server: %v", err)
	}
	t.Cleanup(ts.Close)
	return ts
}

func passwordEdge(from, to, ip string, port int, user, secret string) types.AccessEdge {
	return types.AccessEdge{
		FromHost: from, ToHost: to,
		User: user, Method: types.MethodPassword, Secret: secret,
		IP: ip, Port: port,
	}
}

func dial(t *testing.T, ts *sshtest.Server, user, secret string) *sshconn.Connection {
	t.Helper()
	conn := sshconn.New(sshconn.Options{
		Host: "127.0.0.1",
		Port: ts.Port,
		Credential: types.Credential{
			Scope: types.WildcardScope, Port: 22,
			User: user, Secret: secret, Method: types.MethodPassword,
		},
		Timeout: 5 * time.Second,
	})
	if res := conn.Connect(context.Background()); res.Outcome != sshconn.OutcomeSuccess {
		t.Fatalf("dial: %v (%v)", res.Outcome, res.Err)
	}
	return conn
}

func TestGetSessionSingleHop(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	g := graph.NewMemory()
	g.AddHost(ctx, types.Host{Hostname: "launch-01"})
	g.AddAccessEdge(ctx, passwordEdge("launch-01", "web-01", "127.0.0.1", ts.Port, "root", "toor"))

	m := newManager(t, g, 8)
	defer m.CloseAll()

	conn, err := m.GetSession(ctx, "web-01", "launch-01")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if conn.RemoteHostname() != "web-01" {
		t.Errorf("RemoteHostname = %q, want web-01", conn.RemoteHostname())
	}

	// A second request must reuse the cached channel, not redial.
	again, err := m.GetSession(ctx, "web-01", "launch-01")
	if err != nil {
		t.Fatalf("second GetSession: %v", err)
	}
	if again != conn {
		t.Error("second GetSession built a new connection")
	}
	if got := ts.Handshakes(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
}

func TestGetSessionChain(t *testing.T) {
	edge := startServer(t, "root", "toor", "edge-01")
	core := startServer(t, "admin", "secret", "core-01")
	ctx := context.Background()

	g := graph.NewMemory()
	g.AddHost(ctx, types.Host{Hostname: "launch-01"})
	g.AddAccessEdge(ctx, passwordEdge("launch-01", "edge-01", "127.0.0.1", edge.Port, "root", "toor"))
	g.AddAccessEdge(ctx, passwordEdge("edge-01", "core-01", "127.0.0.1", core.Port, "admin", "secret"))

	m := newManager(t, g, 8)
	defer m.CloseAll()

	conn, err := m.GetSession(ctx, "core-01", "launch-01")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if conn.Parent() == nil {
		t.Fatal("deep session has no parent hop")
	}
	stdout, _, status, err := conn.Exec(ctx, "echo chained")
	if err != nil || status != 0 || stdout != "chained\n" {
		t.Errorf("Exec = (%q, %d, %v)", stdout, status, err)
	}
	if edge.Handshakes() != 1 || core.Handshakes() != 1 {
		t.Errorf("handshakes = (%d, %d), want (1, 1)", edge.Handshakes(), core.Handshakes())
	}

	// Kill the first hop out from under the chain: the next walk has
	// to notice both cached sessions are unusable and rebuild them.
	conn.Parent().Close()
	rebuilt, err := m.GetSession(ctx, "core-01", "launch-01")
	if err != nil {
		t.Fatalf("rebuild GetSession: %v", err)
	}
	if !rebuilt.IsConnected(ctx) {
		t.Error("rebuilt session is not live")
	}
	if edge.Handshakes() != 2 || core.Handshakes() != 2 {
		t.Errorf("handshakes after rebuild = (%d, %d), want (2, 2)", edge.Handshakes(), core.Handshakes())
	}
}

func TestGetSessionKeyfileHop(t *testing.T) {
	ts := startServer(t, "ops", "unused", "bastion-01")
	ctx := context.Background()

	// Write a usable private key where the hop metadata points.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	g := graph.NewMemory()
	g.AddHost(ctx, types.Host{Hostname: "launch-01"})
	g.AddAccessEdge(ctx, types.AccessEdge{
		FromHost: "launch-01", ToHost: "bastion-01",
		User: "ops", Method: types.MethodKeyfile, Secret: keyPath,
		IP: "127.0.0.1", Port: ts.Port,
	})

	m := newManager(t, g, 8)
	defer m.CloseAll()

	conn, err := m.GetSession(ctx, "bastion-01", "launch-01")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if conn.RemoteHostname() != "bastion-01" {
		t.Errorf("RemoteHostname = %q, want bastion-01", conn.RemoteHostname())
	}
}

func TestGetSessionNoPath(t *testing.T) {
	g := graph.NewMemory()
	m := newManager(t, g, 8)
	ctx := context.Background()

	if _, err := m.GetSession(ctx, "nowhere", "launch-01"); !errors.Is(err, graph.ErrNoPath) {
		t.Errorf("unknown target err = %v, want ErrNoPath", err)
	}
	// A session to yourself is no session at all.
	if _, err := m.GetSession(ctx, "launch-01", "launch-01"); !errors.Is(err, graph.ErrNoPath) {
		t.Errorf("self target err = %v, want ErrNoPath", err)
	}
}

func TestGetSessionAbortsOnFailedHop(t *testing.T) {
	// Point the only edge at a dead port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx := context.Background()
	g := graph.NewMemory()
	g.AddHost(ctx, types.Host{Hostname: "launch-01"})
	g.AddAccessEdge(ctx, passwordEdge("launch-01", "ghost-01", "127.0.0.1", port, "root", "toor"))

	m := newManager(t, g, 8)
	conn, err := m.GetSession(ctx, "ghost-01", "launch-01")
	if err == nil {
		t.Fatal("GetSession succeeded against a dead hop")
	}
	if conn != nil {
		t.Error("failed walk still returned a connection")
	}
	if m.Len() != 0 {
		t.Errorf("cache holds %d sessions after failed walk, want 0", m.Len())
	}
}

func TestAddSessionDedup(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	m := newManager(t, graph.NewMemory(), 8)
	defer m.CloseAll()

	first := dial(t, ts, "root", "toor")
	second := dial(t, ts, "root", "toor")

	if got := m.AddSession(ctx, first); got != first {
		t.Fatal("first AddSession did not keep the connection")
	}
	// Same identity arrives again: keep the existing live channel,
	// close the newcomer.
	if got := m.AddSession(ctx, second); got != first {
		t.Error("duplicate AddSession did not return the existing session")
	}
	if second.IsConnected(ctx) {
		t.Error("duplicate connection left open")
	}
	if m.Len() != 1 {
		t.Errorf("cache size = %d, want 1", m.Len())
	}
}

func TestAddSessionReplacesDead(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	m := newManager(t, graph.NewMemory(), 8)
	defer m.CloseAll()

	first := dial(t, ts, "root", "toor")
	m.AddSession(ctx, first)
	first.Close()

	second := dial(t, ts, "root", "toor")
	if got := m.AddSession(ctx, second); got != second {
		t.Error("dead cached session was not replaced")
	}
	if m.Len() != 1 {
		t.Errorf("cache size = %d, want 1", m.Len())
	}
}

func TestEvictionClosesOldest(t *testing.T) {
	web := startServer(t, "root", "toor", "web-01")
	db := startServer(t, "root", "toor", "db-01")
	ctx := context.Background()

	m := newManager(t, graph.NewMemory(), 1)
	defer m.CloseAll()

	first := dial(t, web, "root", "toor")
	second := dial(t, db, "root", "toor")

	m.AddSession(ctx, first)
	m.AddSession(ctx, second)

	// Capacity one: registering db-01 pushes web-01 out and closes it.
	if m.Len() != 1 {
		t.Errorf("cache size = %d, want 1", m.Len())
	}
	if first.IsConnected(ctx) {
		t.Error("evicted session left open")
	}
	if !second.IsConnected(ctx) {
		t.Error("resident session was closed")
	}
}

func TestCloseAll(t *testing.T) {
	ts := startServer(t, "root", "toor", "web-01")
	ctx := context.Background()

	m := newManager(t, graph.NewMemory(), 8)
	conn := dial(t, ts, "root", "toor")
	m.AddSession(ctx, conn)

	m.CloseAll()
	if m.Len() != 0 {
		t.Errorf("cache size = %d after CloseAll, want 0", m.Len())
	}
	if conn.IsConnected(ctx) {
		t.Error("session left open after CloseAll")
	}
}
