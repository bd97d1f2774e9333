package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// advertisedHosts lists the hosts a receiver publishes for its chunk ports.
// A listen address bound to a specific IP advertises only that IP; a
// wildcard bind advertises every non-loopback IPv4 interface address.
func advertisedHosts(listenAddr string) []string {
	if host, _, err := net.SplitHostPort(listenAddr); err == nil && host != "" {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			return []string{ip.String()}
		}
	}

	hosts := make([]string, 0)
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range ifaces {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			if ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				hosts = append(hosts, ip4.String())
			}
		}
	}
	if len(hosts) == 0 {
		hosts = append(hosts, "127.0.0.1")
	}
	return hosts
}

// reachableHost returns the first of hosts that accepts a TCP connection on
// port. The probe connection is closed at once; the receive unit behind the
// port treats it as a dropped attempt and keeps listening.
func reachableHost(ctx context.Context, hosts []string, port int, timeout time.Duration) (string, error) {
	if len(hosts) == 0 {
		return "", fmt.Errorf("no addresses to dial")
	}
	if len(hosts) == 1 {
		return hosts[0], nil
	}
	d := net.Dialer{Timeout: timeout}
	var lastErr error
	for _, host := range hosts {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			_ = conn.Close()
			return host, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no advertised address reachable: %w", lastErr)
}
