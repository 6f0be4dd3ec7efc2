package netutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/sshmap/internal/types"
)

// ReadTargets reads IPs or CIDRs from a file (if the path exists) or a
// direct string, expanding CIDRs into individual host addresses.
func ReadTargets(input string) ([]string, error) {
	var lines []string
	if isFile(input) {
		data, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("read targets %s: %w", input, err)
		}
		for _, l := range strings.Split(string(data), "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
	} else if s := strings.TrimSpace(input); s != "" {
		lines = append(lines, s)
	}

	var targets []string
	for _, line := range lines {
		if hosts, ok := expandCIDR(line); ok {
			targets = append(targets, hosts...)
			continue
		}
		targets = append(targets, line)
	}
	return targets, nil
}

// ReadLines reads a list from a file (if the path exists) or treats the
// input as a single-item list. Used for username/password inputs that
// may be a path or the value itself.
func ReadLines(input string) ([]string, error) {
	if input == "" {
		return nil, nil
	}
	if !isFile(input) {
		return []string{strings.TrimSpace(input)}, nil
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("read list %s: %w", input, err)
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// LoadKeyFiles returns absolute paths of every file in dir. A missing
// directory is not an error; the scan just proceeds without keys.
func LoadKeyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, abs)
	}
	return out, nil
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// expandCIDR expands a CIDR block into its host addresses, skipping the
// network and broadcast addresses for prefixes shorter than /31.
func expandCIDR(s string) ([]string, bool) {
	if !strings.Contains(s, "/") {
		return nil, false
	}
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil || ip.To4() == nil {
		return nil, false
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, false
	}
	base := ipnet.IP.To4()
	total := 1 << (32 - ones)
	var hosts []string
	for i := 0; i < total; i++ {
		if ones <= 30 && (i == 0 || i == total-1) {
			continue
		}
		v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
		v += uint32(i)
		hosts = append(hosts, net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String())
	}
	return hosts, true
}

// HostsInSubnet expands the subnet an interface sits on, clamping the
// prefix to at least maxMask so a /8 advertisement does not flood the
// queue with sixteen million targets.
func HostsInSubnet(ip string, mask, maxMask int) []string {
	if maxMask <= 0 {
		maxMask = 24
	}
	if mask < maxMask {
		mask = maxMask
	}
	hosts, _ := expandCIDR(fmt.Sprintf("%s/%d", ip, mask))
	return hosts
}

// ParseCIDRList parses whitespace-separated ip/prefix tokens, the shape
// produced by `ip -o -4 addr show | awk '{print $4}'`. Loopback
// addresses are dropped.
func ParseCIDRList(out string) []types.Interface {
	var ifaces []types.Interface
	for _, tok := range strings.Fields(out) {
		if !strings.Contains(tok, "/") || strings.HasPrefix(tok, "127.") {
			continue
		}
		parts := strings.SplitN(tok, "/", 2)
		mask, err := strconv.Atoi(parts[1])
		if err != nil || net.ParseIP(parts[0]) == nil {
			continue
		}
		ifaces = append(ifaces, types.Interface{IP: parts[0], Mask: mask})
	}
	return ifaces
}

// ParseIfconfig pulls inet/netmask pairs out of ifconfig output, the
// fallback when the `ip` tool is missing on the remote host.
func ParseIfconfig(out string) []types.Interface {
	var ifaces []types.Interface
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "inet ") || strings.Contains(line, "127.0.0.1") {
			continue
		}
		parts := strings.Fields(line)
		var ip string
		for i, p := range parts {
			switch {
			case p == "inet" && i+1 < len(parts):
				ip = strings.TrimPrefix(parts[i+1], "addr:")
			case strings.Contains(p, "netmask") && i+1 < len(parts):
				if mask, err := NetmaskBits(parts[i+1]); err == nil && ip != "" {
					ifaces = append(ifaces, types.Interface{IP: ip, Mask: mask})
				}
			}
		}
	}
	return ifaces
}

// NetmaskBits converts a dotted-decimal netmask to its prefix length.
func NetmaskBits(netmask string) (int, error) {
	ip := net.ParseIP(netmask)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("bad netmask %q", netmask)
	}
	ones, bits := net.IPMask(ip.To4()).Size()
	if bits == 0 {
		return 0, fmt.Errorf("non-contiguous netmask %q", netmask)
	}
	return ones, nil
}

// LocalInfo returns the local hostname and the IPv4 interfaces of this
// machine, loopback excluded.
func LocalInfo() (string, []types.Interface) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	var out []types.Interface
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hostname, out
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		out = append(out, types.Interface{IP: ipnet.IP.String(), Mask: ones})
	}
	return hostname, out
}

// CheckOpenPort probes TCP reachability of ip:port within timeout.
func CheckOpenPort(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ParseCIDRs parses a list of CIDR blocks. Bare IPs are accepted and
// treated as /32.
func ParseCIDRs(blocks []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if !strings.Contains(b, "/") {
			b += "/32"
		}
		_, ipnet, err := net.ParseCIDR(b)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", b, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// ContainsIP reports whether ip falls inside any of the given networks.
func ContainsIP(nets []*net.IPNet, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
