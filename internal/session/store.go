// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"time"

	"github.com/pisonet/pisond/internal/netid"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict indicates an identifier is owned by another active user.
	ErrConflict = errors.New("session: identifier conflict")
)

// UserStore is the durable user record set with its secondary indexes.
// Lookups are case-insensitive on MAC and user code; stored case is
// normalized on write. A nil user with a nil error is never returned:
// misses are ErrNotFound.
type UserStore interface {
	Get(ctx context.Context, id UserID) (*User, error)
	FindByCookie(ctx context.Context, clientID string) (*User, error)
	FindByMAC(ctx context.Context, mac netid.MAC) (*User, error)
	FindByCode(ctx context.Context, code string) (*User, error)

	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id UserID) error

	// ClaimMAC moves newMAC to the given user, deleting any stale record
	// that currently holds it. The single-owner invariant on MAC survives.
	ClaimMAC(ctx context.Context, id UserID, newMAC netid.MAC) error

	// AssignIP clears ip from any other record first, then writes it.
	AssignIP(ctx context.Context, id UserID, ip string) error

	// Decrement subtracts seconds from the balance, clamping at zero, and
	// returns the new balance.
	Decrement(ctx context.Context, id UserID, seconds int64) (int64, error)

	Pause(ctx context.Context, id UserID) error
	Resume(ctx context.Context, id UserID) error

	// Expire zeroes the balance and marks the user disconnected.
	Expire(ctx context.Context, id UserID) error

	// IterateActive returns a snapshot of users with credit_seconds > 0
	// and paused = false.
	IterateActive(ctx context.Context) ([]User, error)

	// TouchTraffic records traffic observed for the user at ts.
	TouchTraffic(ctx context.Context, id UserID, ts time.Time) error
}

// SaleStore is the append-only sales ledger.
type SaleStore interface {
	AppendSale(ctx context.Context, s Sale) error
	SalesBetween(ctx context.Context, from, to time.Time) ([]Sale, error)
}

// FailureStore persists per-MAC failed attempt counters.
type FailureStore interface {
	GetFailure(ctx context.Context, mac netid.MAC) (*FailureRecord, error)
	PutFailure(ctx context.Context, rec FailureRecord) error
	ClearFailure(ctx context.Context, mac netid.MAC) error
}

// Store is the full relational store surface.
type Store interface {
	UserStore
	SaleStore
	FailureStore
}
