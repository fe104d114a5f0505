// SPDX-License-Identifier: MIT

// Package gate implements the per-MAC lockout after repeated failed voucher
// redeems or coin-insert starts.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/session"
)

// Config tunes the lockout.
type Config struct {
	BanLimit    int           // failures before the ban stamps
	BanDuration time.Duration // how long the ban holds
}

// DefaultConfig returns the appliance defaults.
func DefaultConfig() Config {
	return Config{BanLimit: 5, BanDuration: 10 * time.Minute}
}

// Gate counts consecutive failures per MAC and stamps a ban once the limit
// is reached. State lives in the failures table so a crash does not reset
// an active ban.
type Gate struct {
	cfg    Config
	store  session.FailureStore
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a gate over the given failure store.
func New(cfg Config, store session.FailureStore) *Gate {
	if cfg.BanLimit <= 0 {
		cfg.BanLimit = DefaultConfig().BanLimit
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultConfig().BanDuration
	}
	return &Gate{
		cfg:    cfg,
		store:  store,
		logger: xlog.WithComponent("gate"),
		now:    time.Now,
	}
}

// Check reports whether the MAC is currently banned and until when.
func (g *Gate) Check(ctx context.Context, mac netid.MAC) (bool, time.Time, error) {
	rec, err := g.store.GetFailure(ctx, mac)
	if errors.Is(err, session.ErrNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	if rec.BannedUntil != nil && g.now().Before(*rec.BannedUntil) {
		return true, *rec.BannedUntil, nil
	}
	return false, time.Time{}, nil
}

// Fail records one failed attempt and returns the ban state after it.
func (g *Gate) Fail(ctx context.Context, mac netid.MAC) (bool, time.Time, error) {
	rec, err := g.store.GetFailure(ctx, mac)
	if errors.Is(err, session.ErrNotFound) {
		rec = &session.FailureRecord{MAC: mac}
	} else if err != nil {
		return false, time.Time{}, err
	}

	// An expired ban starts a fresh count.
	if rec.BannedUntil != nil && !g.now().Before(*rec.BannedUntil) {
		rec.Count = 0
		rec.BannedUntil = nil
	}

	rec.Count++
	if rec.Count >= g.cfg.BanLimit && rec.BannedUntil == nil {
		until := g.now().Add(g.cfg.BanDuration)
		rec.BannedUntil = &until
		g.logger.Warn().
			Str("event", "gate.banned").
			Str("mac", mac.String()).
			Int("failures", rec.Count).
			Time("until", until).
			Msg("mac banned after repeated failures")
	}
	if err := g.store.PutFailure(ctx, *rec); err != nil {
		return false, time.Time{}, err
	}
	if rec.BannedUntil != nil {
		return true, *rec.BannedUntil, nil
	}
	return false, time.Time{}, nil
}

// Success clears the counter and any ban for the MAC.
func (g *Gate) Success(ctx context.Context, mac netid.MAC) error {
	return g.store.ClearFailure(ctx, mac)
}
