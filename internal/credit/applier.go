// SPDX-License-Identifier: MIT

package credit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/rate"
	"github.com/pisonet/pisond/internal/session"
)

// ErrNoRateForAmount means the rate table cannot price an accumulated amount
// for its source. The sales rows stay in the ledger; the pending record stays
// open for the retry.
var ErrNoRateForAmount = errors.New("credit: no rate for amount")

// Overrides resolves per-source bandwidth overrides in kbps.
type Overrides interface {
	Override(source string) (downKbps, upKbps int, ok bool)
}

// CreditedEvent describes one committed credit transaction.
type CreditedEvent struct {
	UserID       session.UserID `json:"user_id"`
	MAC          netid.MAC      `json:"mac"`
	ClientID     string         `json:"client_id"`
	UserCode     string         `json:"user_code"`
	Amount       int            `json:"amount"`
	SecondsAdded int64          `json:"seconds_added"`
	Source       string         `json:"source"`
}

// Applier executes the commit sequence: sales rows, plan, user upsert through
// the single writer, then post-commit enforcement (authorize plus rate limit).
// Enforcement failures never fail the commit; the store stays authoritative
// and the ticker heals the packet plane.
type Applier struct {
	store     session.Store
	writer    *session.Writer
	table     *rate.Table
	policy    netpolicy.Policy
	journal   *Journal
	overrides Overrides
	logger    zerolog.Logger
	tracer    trace.Tracer

	// OnCredited, when set, is invoked after every committed transaction.
	OnCredited func(CreditedEvent)
}

// NewApplier wires the commit pipeline. overrides may be nil.
func NewApplier(store session.Store, writer *session.Writer, table *rate.Table, policy netpolicy.Policy, journal *Journal, overrides Overrides) *Applier {
	return &Applier{
		store:     store,
		writer:    writer,
		table:     table,
		policy:    policy,
		journal:   journal,
		overrides: overrides,
		logger:    xlog.WithComponent("credit.applier"),
		tracer:    otel.Tracer("pisond/credit"),
	}
}

// Apply commits one coin transaction: a sale row per contributing source,
// the planned minutes folded into the user record, then enforcement. The
// amounts are pesos already multiplied per source.
func (a *Applier) Apply(ctx context.Context, mac netid.MAC, clientID string, perSource map[string]int) error {
	amount := 0
	for _, v := range perSource {
		amount += v
	}
	if amount <= 0 {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "credit.apply",
		trace.WithAttributes(attribute.Int("credit.amount", amount)))
	defer span.End()

	dominant := dominantSource(perSource)
	pendingID, err := a.journal.Begin(ctx, PendingRecord{
		MAC:       mac.String(),
		ClientID:  clientID,
		Amount:    amount,
		PerSource: perSource,
	})
	if err != nil {
		return err
	}

	totalSeconds := int64(0)
	maxDown, maxUp := 0, 0
	var snap session.User

	mutation := func(ctx context.Context) error {
		now := time.Now().UTC()

		// Sales rows first. They survive a failed plan so no coin drop
		// is ever unaccounted for.
		for _, src := range sortedSources(perSource) {
			sale := session.Sale{Timestamp: now, Amount: perSource[src], MAC: mac, Source: src}
			if err := a.store.AppendSale(ctx, sale); err != nil {
				return fmt.Errorf("append sale: %w", err)
			}
		}

		// One plan over the whole accumulated amount, priced with the
		// dominant source's visibility. Splitting per source would plan
		// each fraction separately and underpay mixed sessions.
		p := a.table.Plan(amount, dominant)
		if p.Zero() {
			return fmt.Errorf("%w: %d pesos via %s", ErrNoRateForAmount, amount, dominant)
		}
		totalSeconds = int64(p.Minutes) * 60
		maxDown, maxUp = p.DownKbps, p.UpKbps

		user, err := a.upsert(ctx, mac, clientID, totalSeconds, maxDown, maxUp, dominant, now)
		if err != nil {
			return err
		}
		snap = *user
		return nil
	}

	err = a.writer.Do(ctx, "credit.apply", mutation,
		a.authorizeHook(mac),
		a.limitHook(&snap),
	)
	if err != nil {
		reason := "store"
		if errors.Is(err, ErrNoRateForAmount) {
			reason = "no_rate_for_amount"
		}
		metrics.CreditFailedTotal.WithLabelValues(reason).Inc()
		a.logger.Error().
			Err(err).
			Str("event", "credit.apply_failed").
			Str("mac", mac.String()).
			Str("pending_id", pendingID).
			Int("amount", amount).
			Msg("credit transaction failed, pending record retained")
		return err
	}

	if err := a.journal.Resolve(ctx, pendingID); err != nil {
		a.logger.Warn().Err(err).
			Str("event", "credit.journal_resolve_failed").
			Str("pending_id", pendingID).
			Msg("committed but pending record not resolved")
	}

	metrics.CreditCommitsTotal.WithLabelValues(dominant).Inc()
	metrics.CreditSecondsTotal.Add(float64(totalSeconds))
	a.logger.Info().
		Str("event", "credit.committed").
		Str("mac", mac.String()).
		Str("user_id", string(snap.ID)).
		Int("amount", amount).
		Int64("seconds_added", totalSeconds).
		Str("source", dominant).
		Msg("credit committed")

	a.emit(CreditedEvent{
		UserID:       snap.ID,
		MAC:          mac,
		ClientID:     clientID,
		UserCode:     snap.UserCode,
		Amount:       amount,
		SecondsAdded: totalSeconds,
		Source:       dominant,
	})
	return nil
}

// Grant credits explicit seconds with no peso amount: voucher redeems,
// session restores and free-time grants. A zero-amount sale row keeps the
// ledger complete.
func (a *Applier) Grant(ctx context.Context, mac netid.MAC, clientID string, seconds int64, source string) error {
	if seconds <= 0 {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "credit.grant",
		trace.WithAttributes(attribute.Int64("credit.seconds", seconds), attribute.String("credit.source", source)))
	defer span.End()

	pendingID, err := a.journal.Begin(ctx, PendingRecord{
		MAC:       mac.String(),
		ClientID:  clientID,
		PerSource: map[string]int{source: 0},
	})
	if err != nil {
		return err
	}

	var snap session.User
	mutation := func(ctx context.Context) error {
		now := time.Now().UTC()
		sale := session.Sale{Timestamp: now, Amount: 0, MAC: mac, Source: source}
		if err := a.store.AppendSale(ctx, sale); err != nil {
			return fmt.Errorf("append sale: %w", err)
		}
		user, err := a.upsert(ctx, mac, clientID, seconds, 0, 0, source, now)
		if err != nil {
			return err
		}
		snap = *user
		return nil
	}

	err = a.writer.Do(ctx, "credit.grant", mutation,
		a.authorizeHook(mac),
		a.limitHook(&snap),
	)
	if err != nil {
		metrics.CreditFailedTotal.WithLabelValues("store").Inc()
		return err
	}

	if err := a.journal.Resolve(ctx, pendingID); err != nil {
		a.logger.Warn().Err(err).
			Str("event", "credit.journal_resolve_failed").
			Str("pending_id", pendingID).
			Msg("committed but pending record not resolved")
	}

	metrics.CreditSecondsTotal.Add(float64(seconds))
	a.logger.Info().
		Str("event", "credit.granted").
		Str("mac", mac.String()).
		Int64("seconds_added", seconds).
		Str("source", source).
		Msg("credit granted")

	a.emit(CreditedEvent{
		UserID:       snap.ID,
		MAC:          mac,
		ClientID:     clientID,
		UserCode:     snap.UserCode,
		SecondsAdded: seconds,
		Source:       source,
	})
	return nil
}

// upsert finds or creates the user for mac and folds the grant in. Runs on
// the writer goroutine.
func (a *Applier) upsert(ctx context.Context, mac netid.MAC, clientID string, seconds int64, downKbps, upKbps int, dominant string, now time.Time) (*session.User, error) {
	user, err := a.store.FindByMAC(ctx, mac)
	created := false
	switch {
	case errors.Is(err, session.ErrNotFound):
		user = &session.User{MAC: mac, ClientID: clientID}
		created = true
	case err != nil:
		return nil, fmt.Errorf("find user: %w", err)
	}

	if clientID != "" && user.ClientID == "" {
		user.ClientID = clientID
	}
	user.CreditSeconds += seconds
	user.TotalSecondsEver += seconds
	if downKbps > user.RateDownKbps {
		user.RateDownKbps = downKbps
	}
	if upKbps > user.RateUpKbps {
		user.RateUpKbps = upKbps
	}
	// Per-source override wins over everything planned.
	if a.overrides != nil {
		if down, up, ok := a.overrides.Override(dominant); ok {
			user.RateDownKbps = down
			user.RateUpKbps = up
		}
	}
	user.Paused = false
	user.Connected = true
	user.LastSeenAt = now
	user.LastTrafficAt = now

	if created {
		if err := a.store.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	} else {
		if err := a.store.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}
	return user, nil
}

func (a *Applier) authorizeHook(mac netid.MAC) func(context.Context) {
	return func(ctx context.Context) {
		_, err := a.policy.Authorize(ctx, mac)
		metrics.RecordPolicyCall("authorize", err)
		if err != nil {
			a.logger.Warn().Err(err).
				Str("event", "credit.authorize_failed").
				Str("mac", mac.String()).
				Msg("authorize failed, ticker will reconcile")
		}
	}
}

func (a *Applier) limitHook(snap *session.User) func(context.Context) {
	return func(ctx context.Context) {
		if snap.IP == "" || (snap.RateDownKbps == 0 && snap.RateUpKbps == 0) {
			return
		}
		err := a.policy.SetLimit(ctx, snap.IP, snap.RateDownKbps, snap.RateUpKbps)
		metrics.RecordPolicyCall("set_limit", err)
		if err != nil {
			a.logger.Warn().Err(err).
				Str("event", "credit.set_limit_failed").
				Str("ip", snap.IP).
				Msg("rate limit apply failed, ticker will reconcile")
		}
	}
}

func (a *Applier) emit(ev CreditedEvent) {
	if a.OnCredited != nil {
		a.OnCredited(ev)
	}
}

func dominantSource(perSource map[string]int) string {
	best, bestAmount := "", -1
	for _, src := range sortedSources(perSource) {
		if perSource[src] > bestAmount {
			best, bestAmount = src, perSource[src]
		}
	}
	return best
}

func sortedSources(perSource map[string]int) []string {
	out := make([]string, 0, len(perSource))
	for src := range perSource {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}
