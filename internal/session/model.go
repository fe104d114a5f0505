// SPDX-License-Identifier: MIT

// Package session defines the credit-holding user records and the store
// contract every other component mutates them through.
package session

import (
	"time"

	"github.com/pisonet/pisond/internal/netid"
)

// UserID is the opaque primary identifier of a credit-holding user.
type UserID string

// User is the durable credit-holding record.
//
// Invariants enforced by the store:
//   - CreditSeconds >= 0
//   - at most one user owns a given non-null IP while it has credit
//   - Paused implies not Connected
type User struct {
	ID               UserID
	MAC              netid.MAC
	ClientID         string // persistent portal cookie value, may be empty
	IP               string // current lease, may be empty
	UserCode         string
	CreditSeconds    int64
	TotalSecondsEver int64
	RateDownKbps     int
	RateUpKbps       int
	Paused           bool
	Connected        bool
	LastTrafficAt    time.Time
	LastSeenAt       time.Time
	SessionExpiryAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the user currently holds spendable credit.
func (u *User) Active() bool {
	return u != nil && u.CreditSeconds > 0
}

// Sale is one append-only ledger row for a committed coin or voucher credit.
type Sale struct {
	ID        int64
	Timestamp time.Time
	Amount    int
	MAC       netid.MAC
	Source    string
}

// FailureRecord tracks consecutive failed redeem/start attempts per MAC.
type FailureRecord struct {
	MAC         netid.MAC
	Count       int
	BannedUntil *time.Time
	UpdatedAt   time.Time
}
