// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/rate"
	"github.com/pisonet/pisond/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "pisond.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &session.User{
		MAC:           netid.MustMAC("aa:bb:cc:dd:ee:01"),
		ClientID:      "C1",
		IP:            "10.0.0.5",
		CreditSeconds: 300,
		Connected:     true,
	}
	require.NoError(t, s.Create(ctx, u))
	require.NotEmpty(t, u.ID)
	assert.True(t, session.ValidUserCode(u.UserCode), u.UserCode)

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.MAC, got.MAC)
	assert.Equal(t, int64(300), got.CreditSeconds)

	got, err = s.FindByCookie(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	got, err = s.FindByMAC(ctx, netid.MustMAC("AA:BB:CC:DD:EE:01"))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	got, err = s.FindByCode(ctx, u.UserCode)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.FindByMAC(ctx, netid.MustMAC("aa:bb:cc:dd:ee:99"))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestClaimMACDeletesStaleOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1 := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), CreditSeconds: 300}
	require.NoError(t, s.Create(ctx, u1))
	stale := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:02")}
	require.NoError(t, s.Create(ctx, stale))

	require.NoError(t, s.ClaimMAC(ctx, u1.ID, netid.MustMAC("aa:bb:cc:dd:ee:02")))

	got, err := s.Get(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, netid.MustMAC("aa:bb:cc:dd:ee:02"), got.MAC)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAssignIPIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1 := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), IP: "10.0.0.7", CreditSeconds: 60}
	require.NoError(t, s.Create(ctx, u1))
	u2 := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:02"), CreditSeconds: 60}
	require.NoError(t, s.Create(ctx, u2))

	require.NoError(t, s.AssignIP(ctx, u2.ID, "10.0.0.7"))

	got1, err := s.Get(ctx, u1.ID)
	require.NoError(t, err)
	assert.Empty(t, got1.IP)

	got2, err := s.Get(ctx, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", got2.IP)
}

func TestDecrementClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), CreditSeconds: 3}
	require.NoError(t, s.Create(ctx, u))

	left, err := s.Decrement(ctx, u.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), left)

	left, err = s.Decrement(ctx, u.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), left)
}

func TestIterateActiveSkipsPausedAndEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), CreditSeconds: 120}
	require.NoError(t, s.Create(ctx, active))
	paused := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:02"), CreditSeconds: 120, Paused: true}
	require.NoError(t, s.Create(ctx, paused))
	empty := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:03")}
	require.NoError(t, s.Create(ctx, empty))

	users, err := s.IterateActive(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, active.ID, users[0].ID)
}

func TestSalesLedgerAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mac := netid.MustMAC("aa:bb:cc:dd:ee:01")

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i, amount := range []int{3, 5, 10} {
		require.NoError(t, s.AppendSale(ctx, session.Sale{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Amount:    amount,
			MAC:       mac,
			Source:    "hardware",
		}))
	}

	sales, err := s.SalesBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, 3, sales[0].Amount)
	assert.Equal(t, 5, sales[1].Amount)
}

func TestFailureRecordRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mac := netid.MustMAC("aa:bb:cc:dd:ee:01")

	_, err := s.GetFailure(ctx, mac)
	assert.ErrorIs(t, err, session.ErrNotFound)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.PutFailure(ctx, session.FailureRecord{MAC: mac, Count: 3, BannedUntil: &until}))

	rec, err := s.GetFailure(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Count)
	require.NotNil(t, rec.BannedUntil)
	assert.Equal(t, until.Unix(), rec.BannedUntil.Unix())

	require.NoError(t, s.ClearFailure(ctx, mac))
	_, err = s.GetFailure(ctx, mac)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRatesAndSourceVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertRate(ctx, rate.Rate{Amount: 1, Minutes: 1})
	require.NoError(t, err)
	_, err = s.InsertRate(ctx, rate.Rate{Amount: 5, Minutes: 7})
	require.NoError(t, err)

	rates, err := s.LoadRates(ctx)
	require.NoError(t, err)
	assert.Len(t, rates, 2)

	require.NoError(t, s.SetSourceRates(ctx, "remote:A", []int64{id1}))
	ids, err := s.GetSourceRates(ctx, "remote:A")
	require.NoError(t, err)
	assert.Equal(t, []int64{id1}, ids)
}

func TestSourceUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := SourceRow{ID: "remote:A", Name: "Annex", PulseValuePesos: 5, LastActiveAt: time.Now()}
	require.NoError(t, s.UpsertSource(ctx, row))
	row.Name = "Annex 2"
	require.NoError(t, s.UpsertSource(ctx, row))

	rows, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Annex 2", rows[0].Name)
	assert.Equal(t, 5, rows[0].PulseValuePesos)
}
