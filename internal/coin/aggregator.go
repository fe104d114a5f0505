// SPDX-License-Identifier: MIT

package coin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pisonet/pisond/internal/gate"
	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
	ratetable "github.com/pisonet/pisond/internal/rate"
)

// Mode selects which sources may contribute to an open session.
type Mode string

const (
	// ModeAuto accepts pulses from every online source.
	ModeAuto Mode = "auto"
	// ModeManual accepts pulses only from the chosen target source.
	ModeManual Mode = "manual"
)

var (
	// ErrBusy means the slot is held by a different owner.
	ErrBusy = errors.New("coin: slot busy")
	// ErrNoSession means there is no open insert window.
	ErrNoSession = errors.New("coin: no open session")
	// ErrCommitting means the session is mid-commit and takes no pulses.
	ErrCommitting = errors.New("coin: commit in progress")
)

// BannedError reports a temporary pulse-flood ban.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("coin: banned until %s", e.Until.Format(time.RFC3339))
}

// Committer turns an accumulated per-source amount into one credit
// transaction. Implemented by the credit applier.
type Committer interface {
	Apply(ctx context.Context, mac netid.MAC, clientID string, perSource map[string]int) error
}

// Relay drives the physical coin slot power relay. The aggregator energizes
// it while the local slot may accept coins and de-energizes it otherwise.
type Relay interface {
	Energize(ctx context.Context) error
	DeEnergize(ctx context.Context) error
}

// NopRelay is a Relay for appliances without a controllable slot.
type NopRelay struct{}

func (NopRelay) Energize(context.Context) error   { return nil }
func (NopRelay) DeEnergize(context.Context) error { return nil }

// PendingUpdate is published after every counted pulse so the portal layer
// can render the running total.
type PendingUpdate struct {
	Owner            netid.MAC      `json:"mac"`
	ClientID         string         `json:"client_id"`
	PendingAmount    int            `json:"pending_amount"`
	PerSource        map[string]int `json:"per_source"`
	TentativeMinutes int            `json:"tentative_minutes"`
	Deadline         time.Time      `json:"deadline"`
}

// Config tunes the insert window and the pulse-flood ban.
type Config struct {
	IdleTimeout     time.Duration // refreshed on every pulse
	AbsoluteTimeout time.Duration // hard cap from StartInsert
	BanLimitPulses  int           // pulses per BanWindow before the ban trips
	BanWindow       time.Duration
	BanDuration     time.Duration
	CommitTimeout   time.Duration // budget for deadline-driven commits
}

// DefaultConfig returns the appliance defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Second,
		AbsoluteTimeout: 60 * time.Second,
		BanLimitPulses:  30,
		BanWindow:       10 * time.Second,
		BanDuration:     5 * time.Minute,
		CommitTimeout:   10 * time.Second,
	}
}

type aggState int

const (
	stateIdle aggState = iota
	stateOpen
	stateCommitting
)

func (s aggState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateCommitting:
		return "committing"
	default:
		return "idle"
	}
}

// Session is a snapshot of the open insert window.
type Session struct {
	Owner            netid.MAC
	ClientID         string
	Mode             Mode
	TargetSource     string
	PendingAmount    int
	PerSource        map[string]int
	TentativeMinutes int
	OpenedAt         time.Time
	Deadline         time.Time
	State            string
}

// Aggregator is the per-appliance coin insert state machine. At most one
// session is open at a time; a second owner gets ErrBusy. The pending amount
// survives a failed commit until the applier succeeds or the session is
// aborted.
type Aggregator struct {
	cfg       Config
	registry  *Registry
	table     *ratetable.Table
	committer Committer
	relay     Relay
	gate      *gate.Gate
	logger    zerolog.Logger
	now       func() time.Time

	// Notify, when set, receives a pending update after every counted
	// pulse and on session open. Called with the aggregator unlocked.
	Notify func(PendingUpdate)

	mu        sync.Mutex
	state     aggState
	sess      *session
	gen       uint64 // invalidates stale deadline timers
	banOwner  netid.MAC
	banUntil  time.Time
	idleTimer *time.Timer
	hardTimer *time.Timer
}

type session struct {
	owner     netid.MAC
	clientID  string
	mode      Mode
	target    string
	pending   int
	perSource map[string]int
	tentative int
	openedAt  time.Time
	deadline  time.Time
	limiter   *rate.Limiter
}

// NewAggregator wires the state machine. gate may be nil when the lockout is
// disabled; relay may be nil for slot-less appliances.
func NewAggregator(cfg Config, registry *Registry, table *ratetable.Table, committer Committer, relay Relay, g *gate.Gate) *Aggregator {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = def.AbsoluteTimeout
	}
	if cfg.BanLimitPulses <= 0 {
		cfg.BanLimitPulses = def.BanLimitPulses
	}
	if cfg.BanWindow <= 0 {
		cfg.BanWindow = def.BanWindow
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = def.CommitTimeout
	}
	if relay == nil {
		relay = NopRelay{}
	}
	return &Aggregator{
		cfg:       cfg,
		registry:  registry,
		table:     table,
		committer: committer,
		relay:     relay,
		gate:      g,
		logger:    xlog.WithComponent("coin.aggregator"),
		now:       time.Now,
	}
}

// StartInsert opens the insert window for owner, or re-opens it for the same
// owner with the pending amount preserved. A different owner while a session
// exists gets ErrBusy; a banned owner gets BannedError.
func (a *Aggregator) StartInsert(ctx context.Context, clientID string, owner netid.MAC, mode Mode, target string) (Session, error) {
	if mode != ModeManual {
		mode = ModeAuto
		target = ""
	} else if target == "" {
		target = LocalSourceID
	}

	if a.gate != nil {
		banned, until, err := a.gate.Check(ctx, owner)
		if err != nil {
			return Session{}, fmt.Errorf("coin: gate check: %w", err)
		}
		if banned {
			return Session{}, &BannedError{Until: until}
		}
	}

	a.mu.Lock()
	now := a.now()

	if a.banOwner == owner && now.Before(a.banUntil) {
		until := a.banUntil
		a.mu.Unlock()
		return Session{}, &BannedError{Until: until}
	}
	if a.state == stateCommitting {
		a.mu.Unlock()
		return Session{}, ErrBusy
	}
	if a.state == stateOpen && a.sess.owner != owner {
		a.mu.Unlock()
		return Session{}, ErrBusy
	}

	if a.state == stateOpen {
		// Same owner re-opens: pending survives, window restarts.
		a.sess.mode = mode
		a.sess.target = target
	} else {
		a.sess = &session{
			owner:     owner,
			clientID:  clientID,
			mode:      mode,
			target:    target,
			perSource: make(map[string]int),
			openedAt:  now,
			limiter:   rate.NewLimiter(rate.Every(a.cfg.BanWindow/time.Duration(a.cfg.BanLimitPulses)), a.cfg.BanLimitPulses),
		}
		a.state = stateOpen
	}
	a.sess.deadline = now.Add(a.cfg.IdleTimeout)
	a.armTimersLocked()

	energize := mode == ModeAuto || target == LocalSourceID
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if energize {
		if err := a.relay.Energize(ctx); err != nil {
			a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay energize failed")
		}
	} else {
		if err := a.relay.DeEnergize(ctx); err != nil {
			a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay de-energize failed")
		}
	}

	a.logger.Info().
		Str("event", "coin.session_open").
		Str("mac", owner.String()).
		Str("mode", string(mode)).
		Str("target", target).
		Msg("insert window open")
	a.notify(snap)
	return snap, nil
}

// Pulse folds count pulses from source into the open session. Pulses outside
// an open window, from a filtered source, or from an unknown remote source
// are dropped with a log line, never an error.
func (a *Aggregator) Pulse(ctx context.Context, count int, source string) {
	if count <= 0 {
		return
	}

	a.mu.Lock()
	if a.state != stateOpen {
		st := a.state.String()
		a.mu.Unlock()
		metrics.RecordPulseDrop("idle")
		a.logger.Warn().
			Str("event", "coin.pulse_dropped").
			Str("source", source).
			Int("count", count).
			Str("state", st).
			Msg("pulse outside open window dropped")
		return
	}
	if source != LocalSourceID && !a.registry.Known(source) {
		a.mu.Unlock()
		metrics.RecordPulseDrop("unknown_source")
		a.logger.Warn().
			Str("event", "coin.pulse_dropped").
			Str("source", source).
			Msg("pulse from unknown source dropped")
		return
	}
	if a.sess.mode == ModeManual && source != a.sess.target {
		target := a.sess.target
		a.mu.Unlock()
		metrics.RecordPulseDrop("wrong_target")
		a.logger.Warn().
			Str("event", "coin.pulse_dropped").
			Str("source", source).
			Str("target", target).
			Msg("pulse from non-target source dropped in manual mode")
		return
	}

	now := a.now()
	if !a.sess.limiter.AllowN(now, count) {
		owner := a.sess.owner
		a.banOwner = owner
		a.banUntil = now.Add(a.cfg.BanDuration)
		a.dropSessionLocked()
		until := a.banUntil
		a.mu.Unlock()

		metrics.RecordPulseDrop("banned")
		a.logger.Warn().
			Str("event", "coin.pulse_ban").
			Str("mac", owner.String()).
			Str("source", source).
			Time("until", until).
			Msg("pulse flood, session dropped without commit")
		if err := a.relay.DeEnergize(ctx); err != nil {
			a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay de-energize failed")
		}
		return
	}

	pesos := count * a.registry.PulseValue(source)
	a.sess.pending += pesos
	a.sess.perSource[source] += pesos
	a.sess.deadline = now.Add(a.cfg.IdleTimeout)
	a.sess.tentative = a.table.Plan(a.sess.pending, a.dominantSourceLocked()).Minutes
	a.armTimersLocked()
	snap := a.snapshotLocked()
	a.mu.Unlock()

	metrics.RecordPulse(source, count)
	a.logger.Info().
		Str("event", "coin.pulse").
		Str("source", source).
		Int("count", count).
		Int("pesos", pesos).
		Int("pending", snap.PendingAmount).
		Msg("pulse counted")
	a.notify(snap)
}

// Done closes the window and commits the pending amount. A zero amount is a
// no-op commit straight back to Idle. On applier failure the session stays
// in Committing; call Done again to retry or Abort to discard.
func (a *Aggregator) Done(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case stateIdle:
		a.mu.Unlock()
		return ErrNoSession
	case stateOpen:
		a.state = stateCommitting
		a.gen++
		a.stopTimersLocked()
	case stateCommitting:
		// retry path
	}
	a.mu.Unlock()

	if err := a.relay.DeEnergize(ctx); err != nil {
		a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay de-energize failed")
	}
	return a.commit(ctx)
}

// Abort discards the session and any pending amount.
func (a *Aggregator) Abort(ctx context.Context) error {
	a.mu.Lock()
	if a.state == stateIdle {
		a.mu.Unlock()
		return ErrNoSession
	}
	owner := a.sess.owner
	pending := a.sess.pending
	a.dropSessionLocked()
	a.mu.Unlock()

	a.logger.Warn().
		Str("event", "coin.session_aborted").
		Str("mac", owner.String()).
		Int("pending", pending).
		Msg("insert window aborted, pending discarded")
	if err := a.relay.DeEnergize(ctx); err != nil {
		a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay de-energize failed")
	}
	return nil
}

// Status returns the current session snapshot. ok is false in Idle.
func (a *Aggregator) Status() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateIdle {
		return Session{State: stateIdle.String()}, false
	}
	return a.snapshotLocked(), true
}

func (a *Aggregator) commit(ctx context.Context) error {
	a.mu.Lock()
	if a.state != stateCommitting {
		a.mu.Unlock()
		return ErrNoSession
	}
	owner := a.sess.owner
	clientID := a.sess.clientID
	pending := a.sess.pending
	perSource := make(map[string]int, len(a.sess.perSource))
	for k, v := range a.sess.perSource {
		perSource[k] = v
	}
	a.mu.Unlock()

	if pending == 0 {
		a.mu.Lock()
		a.dropSessionLocked()
		a.mu.Unlock()
		a.logger.Info().
			Str("event", "coin.commit_noop").
			Str("mac", owner.String()).
			Msg("window closed with zero amount")
		return nil
	}

	if err := a.committer.Apply(ctx, owner, clientID, perSource); err != nil {
		a.logger.Error().
			Err(err).
			Str("event", "coin.commit_failed").
			Str("mac", owner.String()).
			Int("pending", pending).
			Msg("credit commit failed, pending retained")
		return fmt.Errorf("coin: commit: %w", err)
	}

	a.mu.Lock()
	a.dropSessionLocked()
	a.mu.Unlock()

	if a.gate != nil {
		if err := a.gate.Success(ctx, owner); err != nil {
			a.logger.Warn().Err(err).Str("event", "coin.gate_clear_failed").Msg("gate clear failed")
		}
	}
	a.logger.Info().
		Str("event", "coin.commit").
		Str("mac", owner.String()).
		Int("amount", pending).
		Msg("credit committed")
	return nil
}

// onDeadline fires from the idle or absolute timer.
func (a *Aggregator) onDeadline(gen uint64) {
	a.mu.Lock()
	if a.state != stateOpen || a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.state = stateCommitting
	a.gen++
	a.stopTimersLocked()
	owner := a.sess.owner
	a.mu.Unlock()

	a.logger.Info().
		Str("event", "coin.deadline").
		Str("mac", owner.String()).
		Msg("insert window deadline, committing")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommitTimeout)
	defer cancel()
	if err := a.relay.DeEnergize(ctx); err != nil {
		a.logger.Error().Err(err).Str("event", "coin.relay_failed").Msg("relay de-energize failed")
	}
	if err := a.commit(ctx); err != nil {
		// Session stays in Committing; the operator resolves via Done or Abort.
		return
	}
}

func (a *Aggregator) armTimersLocked() {
	a.gen++
	gen := a.gen
	a.stopTimersLocked()
	a.idleTimer = time.AfterFunc(a.cfg.IdleTimeout, func() { a.onDeadline(gen) })
	hard := a.sess.openedAt.Add(a.cfg.AbsoluteTimeout).Sub(a.now())
	if hard < 0 {
		hard = 0
	}
	a.hardTimer = time.AfterFunc(hard, func() { a.onDeadline(gen) })
}

func (a *Aggregator) stopTimersLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	if a.hardTimer != nil {
		a.hardTimer.Stop()
		a.hardTimer = nil
	}
}

func (a *Aggregator) dropSessionLocked() {
	a.stopTimersLocked()
	a.gen++
	a.sess = nil
	a.state = stateIdle
}

// dominantSourceLocked picks the source with the largest contribution, used
// for the tentative rate-visibility lookup while the window is open.
func (a *Aggregator) dominantSourceLocked() string {
	best, bestAmount := LocalSourceID, -1
	for src, amount := range a.sess.perSource {
		if amount > bestAmount {
			best, bestAmount = src, amount
		}
	}
	return best
}

func (a *Aggregator) snapshotLocked() Session {
	per := make(map[string]int, len(a.sess.perSource))
	for k, v := range a.sess.perSource {
		per[k] = v
	}
	return Session{
		Owner:            a.sess.owner,
		ClientID:         a.sess.clientID,
		Mode:             a.sess.mode,
		TargetSource:     a.sess.target,
		PendingAmount:    a.sess.pending,
		PerSource:        per,
		TentativeMinutes: a.sess.tentative,
		OpenedAt:         a.sess.openedAt,
		Deadline:         a.sess.deadline,
		State:            a.state.String(),
	}
}

func (a *Aggregator) notify(s Session) {
	if a.Notify == nil {
		return
	}
	a.Notify(PendingUpdate{
		Owner:            s.Owner,
		ClientID:         s.ClientID,
		PendingAmount:    s.PendingAmount,
		PerSource:        s.PerSource,
		TentativeMinutes: s.TentativeMinutes,
		Deadline:         s.Deadline,
	})
}
