// SPDX-License-Identifier: MIT

package netid

import (
	"fmt"
	"net/netip"
)

// ClassID derives the download shaping class id from a client IP.
// The id is the last octet of the IPv4 address and must land in 1..254;
// network and broadcast octets are rejected.
func ClassID(ip string) (int, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, fmt.Errorf("netid: invalid ip %q: %w", ip, err)
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("netid: class id requires ipv4, got %q", ip)
	}
	oct := int(addr.As4()[3])
	if oct < 1 || oct > 254 {
		return 0, fmt.Errorf("netid: last octet %d outside 1..254", oct)
	}
	return oct, nil
}

// ValidIP reports whether raw parses as an IP address.
func ValidIP(raw string) bool {
	_, err := netip.ParseAddr(raw)
	return err == nil
}
