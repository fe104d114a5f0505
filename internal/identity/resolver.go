// SPDX-License-Identifier: MIT

// Package identity reconciles the three identifiers a portal request can
// carry (persistent cookie, MAC, IP) into one canonical user. It is the
// single place where cookie/MAC disagreements are decided.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/session"
)

// ErrMissingMAC means the request's MAC could not be resolved from its IP.
// Status queries still answer with a null user; crediting actions fail.
var ErrMissingMAC = errors.New("identity: missing mac")

// Request carries the identifiers observed on one portal request.
type Request struct {
	ClientID string    // persistent cookie value, may be empty
	MAC      netid.MAC // zero when the lease/neighbor lookup failed
	IP       string    // may be empty
}

// Resolver applies the reconciliation policy over the store. MAC rewrites
// run through the single writer; the stale MAC's deauthorization runs as a
// post-commit hook.
type Resolver struct {
	store  session.UserStore
	writer *session.Writer
	policy netpolicy.Policy
	logger zerolog.Logger
}

// NewResolver wires the resolver.
func NewResolver(store session.UserStore, writer *session.Writer, policy netpolicy.Policy) *Resolver {
	return &Resolver{
		store:  store,
		writer: writer,
		policy: policy,
		logger: xlog.WithComponent("identity"),
	}
}

// Resolve maps the request to an existing user, or to nil when none matches.
// The device's current radio identity outranks the cookie: a cookie pointing
// at one user while another active user owns the observed MAC resolves to
// the MAC owner. A cookie whose user roamed to a fresh MAC claims that MAC,
// tearing down the old enforcement state.
//
// A nil user with a nil error is a valid outcome for status queries; callers
// performing a crediting action follow up with ResolveOrCreate.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*session.User, error) {
	if req.MAC.IsZero() {
		if req.ClientID == "" {
			return nil, ErrMissingMAC
		}
		// Cookie-only lookup still answers status.
		u, err := r.store.FindByCookie(ctx, req.ClientID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrMissingMAC
		}
		return u, err
	}

	if req.ClientID != "" {
		u, err := r.store.FindByCookie(ctx, req.ClientID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			// fall through to the MAC lookup
		case err != nil:
			return nil, err
		case u.MAC == req.MAC:
			return u, nil
		default:
			return r.reconcileMACMismatch(ctx, u, req.MAC)
		}
	}

	u, err := r.store.FindByMAC(ctx, req.MAC)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.ClientID != "" && u.ClientID == "" {
		if err := r.bindCookie(ctx, u, req.ClientID); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// ResolveOrCreate resolves like Resolve but creates the user when nothing
// matches. Crediting actions only.
func (r *Resolver) ResolveOrCreate(ctx context.Context, req Request) (*session.User, error) {
	u, err := r.Resolve(ctx, req)
	if err != nil || u != nil {
		return u, err
	}

	created := &session.User{MAC: req.MAC, ClientID: req.ClientID, IP: req.IP}
	err = r.writer.Do(ctx, "identity.create", func(ctx context.Context) error {
		return r.store.Create(ctx, created)
	})
	if err != nil {
		return nil, fmt.Errorf("identity: create user: %w", err)
	}
	r.logger.Info().
		Str("event", "identity.user_created").
		Str("user_id", string(created.ID)).
		Str("mac", req.MAC.String()).
		Msg("user created on first credit")
	return created, nil
}

// reconcileMACMismatch decides a cookie whose user is stored under a
// different MAC than the one observed on the wire.
func (r *Resolver) reconcileMACMismatch(ctx context.Context, cookieUser *session.User, observed netid.MAC) (*session.User, error) {
	owner, err := r.store.FindByMAC(ctx, observed)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	if owner != nil && owner.Active() && owner.ID != cookieUser.ID {
		// The radio identity wins: another active user owns this MAC.
		r.logger.Warn().
			Str("event", "identity.cookie_abandoned").
			Str("cookie_user", string(cookieUser.ID)).
			Str("mac_owner", string(owner.ID)).
			Str("mac", observed.String()).
			Msg("cookie points at a different user than the active mac owner")
		return owner, nil
	}

	// The cookie's user roamed to a new MAC: claim it. An active session
	// follows its user to the new radio identity immediately rather than
	// waiting for the reconcile pass.
	oldMAC := cookieUser.MAC
	active := cookieUser.Active()
	err = r.writer.Do(ctx, "identity.claim_mac", func(ctx context.Context) error {
		return r.store.ClaimMAC(ctx, cookieUser.ID, observed)
	}, func(ctx context.Context) {
		err := r.policy.Deauthorize(ctx, oldMAC)
		metrics.RecordPolicyCall("deauthorize", err)
		if active {
			_, err = r.policy.Authorize(ctx, observed)
			metrics.RecordPolicyCall("authorize", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("identity: claim mac: %w", err)
	}
	cookieUser.MAC = observed
	r.logger.Info().
		Str("event", "identity.mac_claimed").
		Str("user_id", string(cookieUser.ID)).
		Str("old_mac", oldMAC.String()).
		Str("new_mac", observed.String()).
		Msg("user roamed, mac rebound")
	return cookieUser, nil
}

func (r *Resolver) bindCookie(ctx context.Context, u *session.User, clientID string) error {
	u.ClientID = clientID
	err := r.writer.Do(ctx, "identity.bind_cookie", func(ctx context.Context) error {
		return r.store.Update(ctx, u)
	})
	if err != nil {
		return fmt.Errorf("identity: bind cookie: %w", err)
	}
	return nil
}
