// SPDX-License-Identifier: MIT

package portal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pisonet/pisond/internal/credit"
	"github.com/pisonet/pisond/internal/identity"
	"github.com/pisonet/pisond/internal/netid"
)

// FreeTimeConfig tunes the periodic free grant. Disabled by default.
type FreeTimeConfig struct {
	Enabled      bool
	Minutes      int           // minutes per claim
	ReclaimEvery time.Duration // per-MAC claim interval
}

// grantWindow bounds how long a claim's reservation stays refundable
// while the credit grant runs.
const grantWindow = 5 * time.Second

// DefaultFreeTimeConfig returns the appliance defaults.
func DefaultFreeTimeConfig() FreeTimeConfig {
	return FreeTimeConfig{Enabled: false, Minutes: 5, ReclaimEvery: 24 * time.Hour}
}

// FreeTimeInfo is the free-time slice of a status answer.
type FreeTimeInfo struct {
	Available bool `json:"available"`
	Minutes   int  `json:"minutes"`
}

// granter is the slice of the credit applier free time needs.
type granter interface {
	Grant(ctx context.Context, mac netid.MAC, clientID string, seconds int64, source string) error
}

var _ granter = (*credit.Applier)(nil)

// FreeTime hands out the periodic free grant, one claim per MAC per
// reclaim interval.
type FreeTime struct {
	cfg     FreeTimeConfig
	applier granter

	mu       sync.Mutex
	limiters map[netid.MAC]*rate.Limiter
}

// NewFreeTime wires the grant. Returns nil when disabled so callers can
// skip the status field entirely.
func NewFreeTime(cfg FreeTimeConfig, applier granter) *FreeTime {
	if !cfg.Enabled || cfg.Minutes <= 0 {
		return nil
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = DefaultFreeTimeConfig().ReclaimEvery
	}
	return &FreeTime{
		cfg:      cfg,
		applier:  applier,
		limiters: make(map[netid.MAC]*rate.Limiter),
	}
}

func (f *FreeTime) limiter(mac netid.MAC) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[mac]
	if !ok {
		l = rate.NewLimiter(rate.Every(f.cfg.ReclaimEvery), 1)
		f.limiters[mac] = l
	}
	return l
}

// Info reports whether the MAC may claim right now.
func (f *FreeTime) Info(mac netid.MAC) *FreeTimeInfo {
	if mac.IsZero() {
		return &FreeTimeInfo{Available: false, Minutes: f.cfg.Minutes}
	}
	return &FreeTimeInfo{
		Available: f.limiter(mac).Tokens() >= 1,
		Minutes:   f.cfg.Minutes,
	}
}

// Claim grants the free minutes once per interval per MAC.
func (f *FreeTime) Claim(ctx context.Context, req identity.Request) (int64, error) {
	if req.MAC.IsZero() {
		return 0, failf(CodeInvalid, "missing mac")
	}
	// Reserve the interval token instead of consuming it outright, so a
	// failed grant does not lock the MAC out for the whole reclaim window.
	// Cancel only refunds before the reservation's act time, hence the
	// short horizon covering the grant call.
	horizon := time.Now().Add(grantWindow)
	res := f.limiter(req.MAC).ReserveN(horizon, 1)
	if !res.OK() || res.DelayFrom(horizon) > 0 {
		res.Cancel()
		return 0, failf(CodeBusy, "free time already claimed, come back later")
	}
	seconds := int64(f.cfg.Minutes) * 60
	if err := f.applier.Grant(ctx, req.MAC, req.ClientID, seconds, "freetime"); err != nil {
		res.Cancel()
		return 0, err
	}
	return seconds, nil
}
