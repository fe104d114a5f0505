// SPDX-License-Identifier: MIT

package netpolicy

import (
	"context"
	"sync"

	"github.com/pisonet/pisond/internal/netid"
)

// Fake is an in-memory Policy for tests. It records call counts and lets
// tests script counter samples and liveness probes.
type Fake struct {
	mu sync.Mutex

	authorized map[netid.MAC]int // value = times authorized
	limits     map[string][2]int // ip -> {down, up}

	CountersByIface map[string]Counters
	Reachable       map[string]bool
	LiveFlows       map[string]bool

	AuthorizeCalls   []netid.MAC
	DeauthorizeCalls []netid.MAC
	SetLimitCalls    []string
	RemoveLimitCalls []string

	// Err, when set, is returned from every mutating call.
	Err error
}

// NewFake creates an empty fake policy.
func NewFake() *Fake {
	return &Fake{
		authorized:      make(map[netid.MAC]int),
		limits:          make(map[string][2]int),
		CountersByIface: make(map[string]Counters),
		Reachable:       make(map[string]bool),
		LiveFlows:       make(map[string]bool),
	}
}

// Authorize implements Policy.
func (f *Fake) Authorize(_ context.Context, mac netid.MAC) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	f.AuthorizeCalls = append(f.AuthorizeCalls, mac)
	f.authorized[mac]++
	return f.authorized[mac] == 1, nil
}

// Deauthorize implements Policy.
func (f *Fake) Deauthorize(_ context.Context, mac netid.MAC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.DeauthorizeCalls = append(f.DeauthorizeCalls, mac)
	delete(f.authorized, mac)
	return nil
}

// SetLimit implements Policy.
func (f *Fake) SetLimit(_ context.Context, ip string, downKbps, upKbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.SetLimitCalls = append(f.SetLimitCalls, ip)
	f.limits[ip] = [2]int{downKbps, upKbps}
	return nil
}

// RemoveLimit implements Policy.
func (f *Fake) RemoveLimit(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.RemoveLimitCalls = append(f.RemoveLimitCalls, ip)
	delete(f.limits, ip)
	return nil
}

// SampleCounters implements Policy.
func (f *Fake) SampleCounters(_ context.Context, iface string) (Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.CountersByIface[iface]
	if !ok {
		return Counters{Uploads: map[string]CounterSample{}, Downloads: map[int]CounterSample{}}, nil
	}
	return c, nil
}

// ListAuthorizedMACs implements Policy.
func (f *Fake) ListAuthorizedMACs(_ context.Context) (map[netid.MAC]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[netid.MAC]struct{}, len(f.authorized))
	for mac := range f.authorized {
		out[mac] = struct{}{}
	}
	return out, nil
}

// NeighborReachable implements Policy.
func (f *Fake) NeighborReachable(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reachable[ip], nil
}

// HasLiveFlows implements Policy.
func (f *Fake) HasLiveFlows(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LiveFlows[ip], nil
}

// IsAuthorized reports whether the fake currently authorizes mac.
func (f *Fake) IsAuthorized(mac netid.MAC) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[mac] > 0
}

// Limit returns the current {down, up} limit for ip, if any.
func (f *Fake) Limit(ip string) ([2]int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limits[ip]
	return l, ok
}

// SetAuthorized seeds the authorization set without recording a call.
func (f *Fake) SetAuthorized(mac netid.MAC) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized[mac]++
}

var _ Policy = (*Fake)(nil)
