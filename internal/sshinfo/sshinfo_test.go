package sshinfo

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeSSHServer writes a banner to every accepted connection.
func fakeSSHServer(t *testing.T, banner string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte(banner))
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestFetchBanner(t *testing.T) {
	ip, port := fakeSSHServer(t, "SSH-2.0-OpenSSH_9.6\r\n")

	banner, err := FetchBanner(context.Background(), ip, port, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banner != "SSH-2.0-OpenSSH_9.6" {
		t.Errorf("unexpected banner: %q", banner)
	}
}

func TestFetchBanner_NotSSH(t *testing.T) {
	ip, port := fakeSSHServer(t, "HTTP/1.1 400 Bad Request\r\n")

	_, err := FetchBanner(context.Background(), ip, port, 2*time.Second)
	if err == nil {
		t.Fatal("expected error for non-ssh banner")
	}
	if !strings.Contains(err.Error(), "not an ssh banner") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchBanner_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, err := FetchBanner(context.Background(), "127.0.0.1", port, 500*time.Millisecond); err == nil {
		t.Error("expected error for closed port")
	}
}
