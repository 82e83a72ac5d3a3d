package location

import (
	"net"
	"strings"
)

// trustedRanges are the loopback and RFC1918 networks on which the gateway's
// own network-level access control is expected to be authoritative.
var trustedRanges = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",    // Loopback
		"10.0.0.0/8",     // Class A private
		"172.16.0.0/12",  // Class B private
		"192.168.0.0/16", // Class C private
		"::1/128",        // IPv6 loopback
	}
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		networks = append(networks, network)
	}
	return networks
}()

// IsPrivateHost reports whether host (optionally with a port, IPv6 optionally
// bracketed) is a loopback literal or an address in a private range.
// Hostnames other than "localhost" are never resolved and report false.
func IsPrivateHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}

	// Zone identifiers (fe80::1%eth0) are not part of the address.
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx]
	}

	parsedIP := net.ParseIP(host)
	if parsedIP == nil {
		return false
	}

	if parsedIP.IsLoopback() {
		return true
	}

	for _, network := range trustedRanges {
		if network.Contains(parsedIP) {
			return true
		}
	}

	return false
}
