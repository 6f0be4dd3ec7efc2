// Package sshinfo grabs the SSH version banner a server announces
// before any authentication. The banner lands on the Host record so
// the graph shows what software each endpoint runs.
package sshinfo

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// FetchBanner reads the identification line from ip:port. Servers send
// "SSH-2.0-..." immediately on connect; anything else means the port is
// not speaking SSH.
func FetchBanner(ctx context.Context, ip string, port int, timeout time.Duration) (string, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("banner read %s:%d: %w", ip, port, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "SSH-") {
		return "", fmt.Errorf("not an ssh banner on %s:%d: %q", ip, port, line)
	}
	return line, nil
}
