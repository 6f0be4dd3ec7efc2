package sshconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// proxyDial connects to addr through the proxy named by rawURL. Only
// the first hop of a chain can ride a proxy; deeper hops tunnel through
// their parent connection instead. Scheme-default ports follow
// convention, 1080 for socks and 8080 for http.
func proxyDial(ctx context.Context, rawURL, addr string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sshconn: proxy url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	port := u.Port()

	switch u.Scheme {
	case "socks5", "socks":
		if port == "" {
			port = "1080"
		}
		d, err := proxy.SOCKS5("tcp", net.JoinHostPort(host, port), nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return d.Dial("tcp", addr)
	case "http":
		if port == "" {
			port = "8080"
		}
		return httpConnect(ctx, net.JoinHostPort(host, port), addr, timeout)
	default:
		return nil, fmt.Errorf("sshconn: unsupported proxy scheme %q", u.Scheme)
	}
}

// httpConnect tunnels through an HTTP proxy with a CONNECT request.
func httpConnect(ctx context.Context, proxyAddr, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(timeout))
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sshconn: proxy connect via %s: %w", proxyAddr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("sshconn: proxy connect via %s: %s", proxyAddr, resp.Status)
	}
	conn.SetDeadline(time.Time{})

	// The SSH banner may already sit in the read buffer; hand any
	// leftover bytes back with the conn.
	if br.Buffered() > 0 {
		return bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
