// SPDX-License-Identifier: MIT

// Package ticker drives the time plane: the 1 Hz credit decrement, the 5 s
// traffic sampling pass and the 60 s enforcement reconciliation.
package ticker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/session"
)

// Config tunes the ticker cadence. Zero values take the defaults.
type Config struct {
	TickInterval      time.Duration // credit decrement, default 1 s
	SampleInterval    time.Duration // byte-counter sampling, default 5 s
	ReconcileInterval time.Duration // MAC-set reconciliation, default 60 s
	Iface             string        // LAN interface counters are read from
}

// DefaultConfig returns the appliance defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		SampleInterval:    5 * time.Second,
		ReconcileInterval: 60 * time.Second,
		Iface:             "br-lan",
	}
}

// ExpiredEvent is emitted when the ticker expires a session.
type ExpiredEvent struct {
	UserID session.UserID `json:"user_id"`
	MAC    netid.MAC      `json:"mac"`
}

// Ticker owns the decrement/expire loop. Mutations go through the single
// writer; enforcement teardown runs as post-commit hooks so a wedged shell
// never stalls the clock.
type Ticker struct {
	cfg    Config
	store  session.Store
	writer *session.Writer
	policy netpolicy.Policy
	logger zerolog.Logger
	now    func() time.Time

	// OnExpired, when set, is invoked for every expired session.
	OnExpired func(ExpiredEvent)

	lastTick time.Time

	// Cached byte totals per user, for reset-safe deltas.
	upCache   map[session.UserID]uint64
	downCache map[session.UserID]uint64
}

// New wires the ticker.
func New(cfg Config, store session.Store, writer *session.Writer, policy netpolicy.Policy) *Ticker {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.Iface == "" {
		cfg.Iface = def.Iface
	}
	return &Ticker{
		cfg:       cfg,
		store:     store,
		writer:    writer,
		policy:    policy,
		logger:    xlog.WithComponent("ticker"),
		now:       time.Now,
		upCache:   make(map[session.UserID]uint64),
		downCache: make(map[session.UserID]uint64),
	}
}

// Run loops until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	tick := time.NewTicker(t.cfg.TickInterval)
	sample := time.NewTicker(t.cfg.SampleInterval)
	reconcile := time.NewTicker(t.cfg.ReconcileInterval)
	defer tick.Stop()
	defer sample.Stop()
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error().Err(err).Str("event", "ticker.tick_failed").Msg("tick pass failed")
			}
		case <-sample.C:
			if err := t.Sample(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Str("event", "ticker.sample_failed").Msg("sample pass failed")
			}
		case <-reconcile.C:
			if err := t.Reconcile(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Str("event", "ticker.reconcile_failed").Msg("reconcile pass failed")
			}
		}
	}
}

// Tick decrements every active balance by the whole seconds elapsed since
// the previous tick and expires sessions that hit zero or passed their
// expiry timestamp. Wall-clock jumps decrement by the real elapsed time;
// negative jumps decrement nothing.
func (t *Ticker) Tick(ctx context.Context) error {
	now := t.now()
	if t.lastTick.IsZero() {
		t.lastTick = now
		return nil
	}
	delta := int64(now.Sub(t.lastTick) / time.Second)
	if delta <= 0 {
		return nil
	}
	t.lastTick = t.lastTick.Add(time.Duration(delta) * time.Second)

	users, err := t.store.IterateActive(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveSessions.Set(float64(len(users)))
	if len(users) == 0 {
		return nil
	}

	var expired []session.User
	mutation := func(ctx context.Context) error {
		for i := range users {
			u := users[i]
			left, err := t.store.Decrement(ctx, u.ID, delta)
			if err != nil {
				t.logger.Error().Err(err).
					Str("event", "ticker.decrement_failed").
					Str("user_id", string(u.ID)).
					Msg("decrement failed")
				continue
			}
			hitExpiry := u.SessionExpiryAt != nil && !now.Before(*u.SessionExpiryAt)
			if left > 0 && !hitExpiry {
				continue
			}
			if err := t.store.Expire(ctx, u.ID); err != nil {
				t.logger.Error().Err(err).
					Str("event", "ticker.expire_failed").
					Str("user_id", string(u.ID)).
					Msg("expire failed")
				continue
			}
			expired = append(expired, u)
		}
		return nil
	}

	teardown := func(ctx context.Context) {
		for _, u := range expired {
			t.tearDown(ctx, u)
			metrics.SessionsExpiredTotal.Inc()
			t.logger.Info().
				Str("event", "ticker.expired").
				Str("user_id", string(u.ID)).
				Str("mac", u.MAC.String()).
				Msg("session expired")
			if t.OnExpired != nil {
				t.OnExpired(ExpiredEvent{UserID: u.ID, MAC: u.MAC})
			}
		}
	}

	return t.writer.Do(ctx, "ticker.tick", mutation, teardown)
}

// Sample reads the byte counters and records traffic liveness. A counter
// that shrank was reset by a table rewrite; the current value is then the
// whole delta.
func (t *Ticker) Sample(ctx context.Context) error {
	counters, err := t.policy.SampleCounters(ctx, t.cfg.Iface)
	if err != nil {
		return err
	}
	users, err := t.store.IterateActive(ctx)
	if err != nil {
		return err
	}
	now := t.now()

	var moved []session.UserID
	for i := range users {
		u := users[i]
		if u.IP == "" {
			continue
		}
		var total uint64
		if s, ok := counters.Uploads[u.IP]; ok {
			total += counterDelta(t.upCache[u.ID], s.Bytes)
			t.upCache[u.ID] = s.Bytes
		}
		if class, err := netid.ClassID(u.IP); err == nil {
			if s, ok := counters.Downloads[class]; ok {
				total += counterDelta(t.downCache[u.ID], s.Bytes)
				t.downCache[u.ID] = s.Bytes
			}
		}
		if total > 0 {
			moved = append(moved, u.ID)
		}
	}
	if len(moved) == 0 {
		return nil
	}

	return t.writer.Do(ctx, "ticker.sample", func(ctx context.Context) error {
		for _, id := range moved {
			if err := t.store.TouchTraffic(ctx, id, now); err != nil {
				t.logger.Warn().Err(err).
					Str("event", "ticker.touch_failed").
					Str("user_id", string(id)).
					Msg("traffic touch failed")
			}
		}
		return nil
	})
}

// Reconcile converges the packet plane onto the store in both directions:
// active users get authorized and limited, stale authorizations get removed.
func (t *Ticker) Reconcile(ctx context.Context) error {
	authorized, err := t.policy.ListAuthorizedMACs(ctx)
	if err != nil {
		return err
	}
	users, err := t.store.IterateActive(ctx)
	if err != nil {
		return err
	}

	activeByMAC := make(map[netid.MAC]*session.User, len(users))
	for i := range users {
		activeByMAC[users[i].MAC] = &users[i]
	}

	for mac, u := range activeByMAC {
		if _, ok := authorized[mac]; ok {
			continue
		}
		_, err := t.policy.Authorize(ctx, mac)
		metrics.RecordPolicyCall("authorize", err)
		if err != nil {
			t.logger.Warn().Err(err).
				Str("event", "ticker.reconcile_authorize_failed").
				Str("mac", mac.String()).
				Msg("reconcile authorize failed")
			continue
		}
		metrics.ReconcileActionsTotal.WithLabelValues("authorize").Inc()
		if u.IP != "" && (u.RateDownKbps > 0 || u.RateUpKbps > 0) {
			err := t.policy.SetLimit(ctx, u.IP, u.RateDownKbps, u.RateUpKbps)
			metrics.RecordPolicyCall("set_limit", err)
		}
	}

	for mac := range authorized {
		if _, ok := activeByMAC[mac]; ok {
			continue
		}
		err := t.policy.Deauthorize(ctx, mac)
		metrics.RecordPolicyCall("deauthorize", err)
		if err != nil {
			t.logger.Warn().Err(err).
				Str("event", "ticker.reconcile_deauthorize_failed").
				Str("mac", mac.String()).
				Msg("reconcile deauthorize failed")
			continue
		}
		metrics.ReconcileActionsTotal.WithLabelValues("deauthorize").Inc()
	}
	return nil
}

func (t *Ticker) tearDown(ctx context.Context, u session.User) {
	err := t.policy.Deauthorize(ctx, u.MAC)
	metrics.RecordPolicyCall("deauthorize", err)
	if u.IP != "" {
		err = t.policy.RemoveLimit(ctx, u.IP)
		metrics.RecordPolicyCall("remove_limit", err)
	}
}

func counterDelta(cached, current uint64) uint64 {
	if current < cached {
		return current
	}
	return current - cached
}
