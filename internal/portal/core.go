// SPDX-License-Identifier: MIT

package portal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pisonet/pisond/internal/bus"
	"github.com/pisonet/pisond/internal/coin"
	"github.com/pisonet/pisond/internal/credit"
	"github.com/pisonet/pisond/internal/gate"
	"github.com/pisonet/pisond/internal/identity"
	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/session"
)

// UserInfo is the user slice of a status answer.
type UserInfo struct {
	UserID        session.UserID `json:"user_id"`
	UserCode      string         `json:"user_code"`
	CreditSeconds int64          `json:"credit_seconds"`
	Paused        bool           `json:"paused"`
	Connected     bool           `json:"connected"`
}

// SourceInfo is one coin source in a status answer.
type SourceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Online     bool   `json:"online"`
	PulseValue int    `json:"pulse_value_pesos"`
}

// CoinSessionInfo describes the open insert window, when this caller owns it.
type CoinSessionInfo struct {
	Mode             string    `json:"mode"`
	TargetSource     string    `json:"target_source,omitempty"`
	PendingAmount    int       `json:"pending_amount"`
	TentativeMinutes int       `json:"tentative_minutes"`
	Deadline         time.Time `json:"deadline"`
}

// Status is the full portal status answer. User is nil when no record
// matches the caller; a missing MAC still produces a Status.
type Status struct {
	User        *UserInfo        `json:"user"`
	Sources     []SourceInfo     `json:"sources"`
	CoinSession *CoinSessionInfo `json:"coin_session,omitempty"`
	FreeTime    *FreeTimeInfo    `json:"free_time,omitempty"`
}

// FinalizeResult reports a committed coin insert.
type FinalizeResult struct {
	Amount       int   `json:"amount"`
	SecondsAdded int64 `json:"seconds_added"`
}

// Core is the portal facade over the session pipeline. One instance per
// daemon; all methods are safe for concurrent use.
type Core struct {
	resolver *identity.Resolver
	store    session.Store
	writer   *session.Writer
	agg      *coin.Aggregator
	applier  *credit.Applier
	registry *coin.Registry
	policy   netpolicy.Policy
	gate     *gate.Gate
	bus      bus.Publisher
	free     *FreeTime
	logger   zerolog.Logger

	mu         sync.Mutex
	lastCredit map[netid.MAC]credit.CreditedEvent
}

// NewCore wires the facade and hooks the aggregator and applier callbacks
// onto the event bus.
func NewCore(resolver *identity.Resolver, store session.Store, writer *session.Writer, agg *coin.Aggregator, applier *credit.Applier, registry *coin.Registry, policy netpolicy.Policy, g *gate.Gate, publisher bus.Publisher, free *FreeTime) *Core {
	c := &Core{
		resolver:   resolver,
		store:      store,
		writer:     writer,
		agg:        agg,
		applier:    applier,
		registry:   registry,
		policy:     policy,
		gate:       g,
		bus:        publisher,
		free:       free,
		logger:     xlog.WithComponent("portal"),
		lastCredit: make(map[netid.MAC]credit.CreditedEvent),
	}
	agg.Notify = c.publishPending
	applier.OnCredited = c.handleCredited
	return c
}

func (c *Core) publishPending(u coin.PendingUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.bus.Publish(ctx, bus.TopicCoinPending, u)
}

func (c *Core) handleCredited(ev credit.CreditedEvent) {
	c.mu.Lock()
	c.lastCredit[ev.MAC] = ev
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.bus.Publish(ctx, bus.TopicSessionCredited, ev)
}

// Status answers the portal status query. A request whose MAC could not be
// resolved still gets an answer with a nil user.
func (c *Core) Status(ctx context.Context, req identity.Request) (Status, error) {
	var st Status

	u, err := c.resolver.Resolve(ctx, req)
	if err != nil && !errors.Is(err, identity.ErrMissingMAC) {
		return st, err
	}
	if u != nil {
		st.User = &UserInfo{
			UserID:        u.ID,
			UserCode:      u.UserCode,
			CreditSeconds: u.CreditSeconds,
			Paused:        u.Paused,
			Connected:     u.Connected,
		}
	}

	now := time.Now()
	for _, src := range c.registry.Snapshot() {
		st.Sources = append(st.Sources, SourceInfo{
			ID:         src.ID,
			Name:       src.Name,
			Online:     src.Online(now),
			PulseValue: src.PulseValuePesos,
		})
	}

	if snap, open := c.agg.Status(); open && !req.MAC.IsZero() && snap.Owner == req.MAC {
		st.CoinSession = &CoinSessionInfo{
			Mode:             string(snap.Mode),
			TargetSource:     snap.TargetSource,
			PendingAmount:    snap.PendingAmount,
			TentativeMinutes: snap.TentativeMinutes,
			Deadline:         snap.Deadline,
		}
	}

	if c.free != nil {
		st.FreeTime = c.free.Info(req.MAC)
	}
	return st, nil
}

// StartCoinInsert opens the insert window for the caller.
func (c *Core) StartCoinInsert(ctx context.Context, req identity.Request, mode coin.Mode, target string) error {
	if req.MAC.IsZero() {
		return failf(CodeInvalid, "missing mac")
	}

	_, err := c.agg.StartInsert(ctx, req.ClientID, req.MAC, mode, target)
	if err == nil {
		return nil
	}

	var be *coin.BannedError
	switch {
	case errors.As(err, &be):
		return banned(be.Until)
	case errors.Is(err, coin.ErrBusy):
		if c.gate != nil {
			if wasBanned, until, gerr := c.gate.Fail(ctx, req.MAC); gerr == nil && wasBanned {
				return banned(until)
			}
		}
		return failf(CodeBusy, "coin slot held by another client")
	default:
		return err
	}
}

// FinalizeCoinInsert closes the caller's insert window and reports the
// committed amount.
func (c *Core) FinalizeCoinInsert(ctx context.Context, req identity.Request) (FinalizeResult, error) {
	if req.MAC.IsZero() {
		return FinalizeResult{}, failf(CodeInvalid, "missing mac")
	}
	snap, open := c.agg.Status()
	if !open || snap.Owner != req.MAC {
		return FinalizeResult{}, failf(CodeNotFound, "no open insert window")
	}
	amount := snap.PendingAmount

	if err := c.agg.Done(ctx); err != nil {
		if errors.Is(err, credit.ErrNoRateForAmount) {
			return FinalizeResult{}, failf(CodeNoRate, "no rate fits %d pesos", amount)
		}
		return FinalizeResult{}, err
	}

	res := FinalizeResult{Amount: amount}
	c.mu.Lock()
	if ev, ok := c.lastCredit[req.MAC]; ok && ev.Amount == amount {
		res.SecondsAdded = ev.SecondsAdded
	}
	c.mu.Unlock()
	return res, nil
}

// Pause stops the caller's credit clock and tears down enforcement.
func (c *Core) Pause(ctx context.Context, req identity.Request) error {
	u, err := c.mustResolve(ctx, req)
	if err != nil {
		return err
	}
	mac, ip := u.MAC, u.IP
	err = c.writer.Do(ctx, "portal.pause", func(ctx context.Context) error {
		return c.store.Pause(ctx, u.ID)
	}, func(ctx context.Context) {
		err := c.policy.Deauthorize(ctx, mac)
		metrics.RecordPolicyCall("deauthorize", err)
		if ip != "" {
			err = c.policy.RemoveLimit(ctx, ip)
			metrics.RecordPolicyCall("remove_limit", err)
		}
	})
	if err != nil {
		return err
	}
	metrics.SessionsPausedTotal.WithLabelValues("api").Inc()
	c.logger.Info().
		Str("event", "portal.paused").
		Str("user_id", string(u.ID)).
		Msg("session paused by client")
	return nil
}

// Resume restarts the caller's clock and re-applies enforcement.
func (c *Core) Resume(ctx context.Context, req identity.Request) error {
	u, err := c.mustResolve(ctx, req)
	if err != nil {
		return err
	}
	if u.CreditSeconds <= 0 {
		return failf(CodeExpired, "no credit left")
	}
	mac, ip := u.MAC, u.IP
	down, up := u.RateDownKbps, u.RateUpKbps
	err = c.writer.Do(ctx, "portal.resume", func(ctx context.Context) error {
		return c.store.Resume(ctx, u.ID)
	}, func(ctx context.Context) {
		_, err := c.policy.Authorize(ctx, mac)
		metrics.RecordPolicyCall("authorize", err)
		if ip != "" && (down > 0 || up > 0) {
			err = c.policy.SetLimit(ctx, ip, down, up)
			metrics.RecordPolicyCall("set_limit", err)
		}
	})
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("event", "portal.resumed").
		Str("user_id", string(u.ID)).
		Msg("session resumed by client")
	return nil
}

// RedeemVoucher transfers a stored credit row onto the caller. The voucher
// code is a user code whose record holds unclaimed credit.
func (c *Core) RedeemVoucher(ctx context.Context, req identity.Request, code string) (int64, error) {
	if req.MAC.IsZero() {
		return 0, failf(CodeInvalid, "missing mac")
	}
	if c.gate != nil {
		if isBanned, until, err := c.gate.Check(ctx, req.MAC); err == nil && isBanned {
			return 0, banned(until)
		}
	}

	code = session.NormalizeUserCode(code)
	if !session.ValidUserCode(code) {
		return 0, c.redeemFail(ctx, req.MAC, failf(CodeInvalid, "malformed code"))
	}

	voucher, err := c.store.FindByCode(ctx, code)
	if errors.Is(err, session.ErrNotFound) {
		return 0, c.redeemFail(ctx, req.MAC, failf(CodeInvalid, "unknown code"))
	}
	if err != nil {
		return 0, err
	}
	if voucher.CreditSeconds <= 0 {
		return 0, c.redeemFail(ctx, req.MAC, failf(CodeInvalid, "code already spent"))
	}
	if voucher.MAC == req.MAC {
		return 0, failf(CodeConflict, "code already bound to this client")
	}

	seconds := voucher.CreditSeconds
	err = c.writer.Do(ctx, "portal.redeem_debit", func(ctx context.Context) error {
		return c.store.Expire(ctx, voucher.ID)
	}, func(ctx context.Context) {
		err := c.policy.Deauthorize(ctx, voucher.MAC)
		metrics.RecordPolicyCall("deauthorize", err)
	})
	if err != nil {
		return 0, err
	}

	if err := c.applier.Grant(ctx, req.MAC, req.ClientID, seconds, "voucher"); err != nil {
		c.logger.Error().Err(err).
			Str("event", "portal.redeem_grant_failed").
			Str("code", code).
			Msg("voucher debited but grant failed, see credit journal")
		return 0, err
	}
	if c.gate != nil {
		_ = c.gate.Success(ctx, req.MAC)
	}
	c.logger.Info().
		Str("event", "portal.voucher_redeemed").
		Str("mac", req.MAC.String()).
		Int64("seconds", seconds).
		Msg("voucher redeemed")
	return seconds, nil
}

func (c *Core) redeemFail(ctx context.Context, mac netid.MAC, orig *Error) error {
	if c.gate == nil {
		return orig
	}
	wasBanned, until, err := c.gate.Fail(ctx, mac)
	if err == nil && wasBanned {
		return banned(until)
	}
	return orig
}

// RestoreSession re-binds a stored session to the caller's device by user
// code or cookie.
func (c *Core) RestoreSession(ctx context.Context, req identity.Request, code string) (session.UserID, error) {
	if req.MAC.IsZero() {
		return "", failf(CodeInvalid, "missing mac")
	}

	var u *session.User
	var err error
	if code != "" {
		code = session.NormalizeUserCode(code)
		if !session.ValidUserCode(code) {
			return "", failf(CodeInvalid, "malformed code")
		}
		u, err = c.store.FindByCode(ctx, code)
	} else if req.ClientID != "" {
		u, err = c.store.FindByCookie(ctx, req.ClientID)
	} else {
		return "", failf(CodeInvalid, "code or cookie required")
	}
	if errors.Is(err, session.ErrNotFound) {
		return "", failf(CodeNotFound, "no such session")
	}
	if err != nil {
		return "", err
	}
	if u.CreditSeconds <= 0 {
		return "", failf(CodeExpired, "session has no credit left")
	}

	if u.MAC != req.MAC {
		owner, err := c.store.FindByMAC(ctx, req.MAC)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return "", err
		}
		if owner != nil && owner.Active() && owner.ID != u.ID {
			return "", failf(CodeConflict, "device already owns an active session")
		}
		oldMAC := u.MAC
		err = c.writer.Do(ctx, "portal.restore_claim", func(ctx context.Context) error {
			return c.store.ClaimMAC(ctx, u.ID, req.MAC)
		}, func(ctx context.Context) {
			err := c.policy.Deauthorize(ctx, oldMAC)
			metrics.RecordPolicyCall("deauthorize", err)
		})
		if err != nil {
			if errors.Is(err, session.ErrConflict) {
				return "", failf(CodeConflict, "mac owned by another session")
			}
			return "", err
		}
		u.MAC = req.MAC
	}

	mac := u.MAC
	ip, down, up := u.IP, u.RateDownKbps, u.RateUpKbps
	err = c.writer.Do(ctx, "portal.restore_resume", func(ctx context.Context) error {
		return c.store.Resume(ctx, u.ID)
	}, func(ctx context.Context) {
		_, err := c.policy.Authorize(ctx, mac)
		metrics.RecordPolicyCall("authorize", err)
		if ip != "" && (down > 0 || up > 0) {
			err = c.policy.SetLimit(ctx, ip, down, up)
			metrics.RecordPolicyCall("set_limit", err)
		}
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("event", "portal.restored").
		Str("user_id", string(u.ID)).
		Str("mac", req.MAC.String()).
		Msg("session restored")
	return u.ID, nil
}

// Resync replays the store onto the packet plane: every active user is
// re-authorized and re-limited. The daemon calls it once before serving.
func (c *Core) Resync(ctx context.Context) error {
	users, err := c.store.IterateActive(ctx)
	if err != nil {
		return err
	}
	for i := range users {
		u := users[i]
		_, err := c.policy.Authorize(ctx, u.MAC)
		metrics.RecordPolicyCall("authorize", err)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("event", "portal.resync_authorize_failed").
				Str("mac", u.MAC.String()).
				Msg("resync authorize failed")
			continue
		}
		if u.IP != "" && (u.RateDownKbps > 0 || u.RateUpKbps > 0) {
			err := c.policy.SetLimit(ctx, u.IP, u.RateDownKbps, u.RateUpKbps)
			metrics.RecordPolicyCall("set_limit", err)
		}
	}
	c.logger.Info().
		Str("event", "portal.resynced").
		Int("active", len(users)).
		Msg("enforcement resynced from store")
	return nil
}

// ClaimFreeTime grants the periodic free minutes when the feature is on.
func (c *Core) ClaimFreeTime(ctx context.Context, req identity.Request) (int64, error) {
	if c.free == nil {
		return 0, failf(CodeNotFound, "free time disabled")
	}
	return c.free.Claim(ctx, req)
}

func (c *Core) mustResolve(ctx context.Context, req identity.Request) (*session.User, error) {
	u, err := c.resolver.Resolve(ctx, req)
	if errors.Is(err, identity.ErrMissingMAC) {
		return nil, failf(CodeInvalid, "missing mac")
	}
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, failf(CodeNotFound, "no session for this device")
	}
	return u, nil
}
