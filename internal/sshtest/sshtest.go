// Package sshtest runs a minimal in-process SSH server for tests:
// password auth, canned exec replies, and direct-tcpip forwarding so
// chained connections cross real handshakes instead of mocks.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Server accepts SSH connections on a loopback port until closed.
type Server struct {
	Addr string
	Port int

	// Exec maps a command line to (stdout, stderr, exit status).
	// Replace it before the first client connects.
	Exec func(cmd string) (string, string, int)

	ln         net.Listener
	handshakes atomic.Int64
}

// DefaultExec answers the commands the scanner issues: hostname,
// liveness probes, echo, and interface discovery.
func DefaultExec(hostname string, cidrs ...string) func(string) (string, string, int) {
	ipOut := strings.Join(cidrs, "\n")
	if ipOut != "" {
		ipOut += "\n"
	}
	return func(cmd string) (string, string, int) {
		switch {
		case cmd == "hostname":
			return hostname + "\n", "", 0
		case cmd == "true":
			return "", "", 0
		case cmd == "false":
			return "", "", 1
		case strings.HasPrefix(cmd, "echo "):
			return strings.TrimPrefix(cmd, "echo ") + "\n", "", 0
		case strings.HasPrefix(cmd, "ip "):
			if ipOut == "" {
				return "", "ip: command not found", 127
			}
			return ipOut, "", 0
		default:
			return "", "command not found", 127
		}
	}
}

// NewServer listens on an ephemeral loopback port.
func NewServer(user, password, hostname string, cidrs ...string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return NewServerOn(ln, user, password, hostname, cidrs...)
}

// NewServerOn serves on a caller-provided listener, letting tests wrap
// the listener to inject connection drops.
func NewServerOn(ln net.Listener, user, password, hostname string, cidrs ...string) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		ln.Close()
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		ln.Close()
		return nil, err
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong credentials for %q", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == user {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown user %q", meta.User())
		},
	}
	cfg.AddHostKey(signer)

	s := &Server{
		Addr: ln.Addr().String(),
		Port: ln.Addr().(*net.TCPAddr).Port,
		Exec: DefaultExec(hostname, cidrs...),
		ln:   ln,
	}
	go s.serve(cfg)
	return s, nil
}

// Handshakes counts completed authentications, for asserting on retry
// and reuse behavior.
func (s *Server) Handshakes() int64 { return s.handshakes.Load() }

func (s *Server) Close() { s.ln.Close() }

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	s.handshakes.Add(1)
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go handleDirectTCPIP(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *Server) handleSession(newCh ssh.NewChannel) {
	ch, requests, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)

		stdout, stderr, status := s.Exec(payload.Command)
		io.WriteString(ch, stdout)
		io.WriteString(ch.Stderr(), stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
		return
	}
}

func handleDirectTCPIP(newCh ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	dst, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		io.Copy(ch, dst)
		ch.Close()
	}()
	io.Copy(dst, ch)
	dst.Close()
}
