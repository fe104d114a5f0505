// SPDX-License-Identifier: MIT

// Package idle pauses sessions whose client has left the network. A pause
// stops the credit clock without spending the balance; the client resumes
// from the portal when it returns.
package idle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/session"
)

// Config tunes the idle detection.
type Config struct {
	Interval   time.Duration // probe cadence, default 5 s
	StallAfter time.Duration // byte-counter silence threshold, default 120 s
}

// DefaultConfig returns the appliance defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, StallAfter: 120 * time.Second}
}

// PausedEvent is emitted when the monitor pauses a session.
type PausedEvent struct {
	UserID session.UserID `json:"user_id"`
	MAC    string         `json:"mac"`
}

// Monitor pauses a session only when three independent signals agree: the
// byte counters have been silent past the stall threshold, the neighbor
// table no longer reaches the IP, and no established flow references it.
// Any one signal alone is too noisy on consumer hardware.
type Monitor struct {
	cfg    Config
	store  session.Store
	writer *session.Writer
	policy netpolicy.Policy
	logger zerolog.Logger
	now    func() time.Time

	// OnPaused, when set, is invoked for every idle-paused session.
	OnPaused func(PausedEvent)
}

// New wires the monitor.
func New(cfg Config, store session.Store, writer *session.Writer, policy netpolicy.Policy) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = def.StallAfter
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		writer: writer,
		policy: policy,
		logger: xlog.WithComponent("idle"),
		now:    time.Now,
	}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	tick := time.NewTicker(m.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := m.Pass(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Str("event", "idle.pass_failed").Msg("idle pass failed")
			}
		}
	}
}

// Pass examines every active session once.
func (m *Monitor) Pass(ctx context.Context) error {
	users, err := m.store.IterateActive(ctx)
	if err != nil {
		return err
	}
	now := m.now()

	var gone []session.User
	for i := range users {
		u := users[i]
		if u.IP == "" {
			continue
		}
		ref := u.LastTrafficAt
		if ref.IsZero() {
			ref = u.LastSeenAt
		}
		if ref.IsZero() || now.Sub(ref) < m.cfg.StallAfter {
			continue
		}
		reachable, err := m.policy.NeighborReachable(ctx, u.IP)
		if err != nil || reachable {
			continue
		}
		live, err := m.policy.HasLiveFlows(ctx, u.IP)
		if err != nil || live {
			continue
		}
		gone = append(gone, u)
	}
	if len(gone) == 0 {
		return nil
	}

	mutation := func(ctx context.Context) error {
		for _, u := range gone {
			if err := m.store.Pause(ctx, u.ID); err != nil {
				m.logger.Error().Err(err).
					Str("event", "idle.pause_failed").
					Str("user_id", string(u.ID)).
					Msg("pause failed")
			}
		}
		return nil
	}
	teardown := func(ctx context.Context) {
		for _, u := range gone {
			err := m.policy.Deauthorize(ctx, u.MAC)
			metrics.RecordPolicyCall("deauthorize", err)
			if u.IP != "" {
				err = m.policy.RemoveLimit(ctx, u.IP)
				metrics.RecordPolicyCall("remove_limit", err)
			}
			metrics.SessionsPausedTotal.WithLabelValues("idle").Inc()
			m.logger.Info().
				Str("event", "idle.paused").
				Str("user_id", string(u.ID)).
				Str("mac", u.MAC.String()).
				Str("ip", u.IP).
				Msg("session paused, client gone")
			if m.OnPaused != nil {
				m.OnPaused(PausedEvent{UserID: u.ID, MAC: u.MAC.String()})
			}
		}
	}

	return m.writer.Do(ctx, "idle.pause", mutation, teardown)
}
