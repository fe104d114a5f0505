// SPDX-License-Identifier: MIT

// Package netpolicy abstracts the packet-forwarding plane: MAC authorization,
// per-IP shaping and traffic accounting. The session core only ever talks to
// the Policy interface; the shell adapter owns the iptables/tc/conntrack
// invocations.
package netpolicy

import (
	"context"
	"errors"

	"github.com/pisonet/pisond/internal/netid"
)

// ErrTransient marks a policy call that failed or timed out and is safe to
// retry on the next reconciliation pass.
var ErrTransient = errors.New("netpolicy: transient failure")

// CounterSample is one byte-counter reading for an accounting key.
type CounterSample struct {
	Bytes       uint64
	IdleSeconds int64
}

// Counters is a snapshot of per-client traffic accounting. Uploads are keyed
// by client IP; downloads are keyed by the shaping class id derived from the
// IP's last octet.
type Counters struct {
	Uploads   map[string]CounterSample
	Downloads map[int]CounterSample
}

// Policy is the capability the core consumes to effect packet-level
// authorization. All operations are idempotent so reconciliation retries
// are safe.
type Policy interface {
	// Authorize flags the MAC for forwarding. Returns whether the
	// authorization was newly created.
	Authorize(ctx context.Context, mac netid.MAC) (bool, error)

	// Deauthorize removes the MAC flag and evicts existing flows for the
	// MAC's bound IP.
	Deauthorize(ctx context.Context, mac netid.MAC) error

	// SetLimit applies a per-IP shaping policy in kbps.
	SetLimit(ctx context.Context, ip string, downKbps, upKbps int) error

	// RemoveLimit clears the per-IP shaping policy.
	RemoveLimit(ctx context.Context, ip string) error

	// SampleCounters reads the current byte counters on iface.
	SampleCounters(ctx context.Context, iface string) (Counters, error)

	// ListAuthorizedMACs returns the current authorization set.
	ListAuthorizedMACs(ctx context.Context) (map[netid.MAC]struct{}, error)

	// NeighborReachable reports whether the neighbor table holds a
	// reachable entry for ip.
	NeighborReachable(ctx context.Context, ip string) (bool, error)

	// HasLiveFlows reports whether any established flow references ip.
	HasLiveFlows(ctx context.Context, ip string) (bool, error)
}
