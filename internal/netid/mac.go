// SPDX-License-Identifier: MIT

// Package netid defines canonical network identifier types for pisond.
//
// MAC addresses arrive from DHCP leases, neighbor tables and portal cookies
// in mixed case and mixed separators. Every code path that stores or compares
// a MAC goes through this package so the canonical form is enforced at
// construction, never at the call sites.
package netid

import (
	"fmt"
	"net"
	"strings"
)

// MAC is a hardware address in canonical form: lowercase, colon-separated.
type MAC string

// ParseMAC parses and canonicalizes a hardware address.
func ParseMAC(raw string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("netid: invalid mac %q: %w", raw, err)
	}
	return MAC(strings.ToLower(hw.String())), nil
}

// MustMAC parses a hardware address and panics on failure. Test helper.
func MustMAC(raw string) MAC {
	m, err := ParseMAC(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string { return string(m) }

// IsZero reports whether the MAC is unset.
func (m MAC) IsZero() bool { return m == "" }

// Equal compares two raw MAC strings for identity regardless of case or
// separator style. Invalid input never compares equal.
func Equal(a, b string) bool {
	ma, err := ParseMAC(a)
	if err != nil {
		return false
	}
	mb, err := ParseMAC(b)
	if err != nil {
		return false
	}
	return ma == mb
}
