// SPDX-License-Identifier: MIT

package portal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisonet/pisond/internal/bus"
	"github.com/pisonet/pisond/internal/coin"
	"github.com/pisonet/pisond/internal/credit"
	"github.com/pisonet/pisond/internal/gate"
	"github.com/pisonet/pisond/internal/identity"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/persistence/sqlite"
	"github.com/pisonet/pisond/internal/rate"
	"github.com/pisonet/pisond/internal/session"
)

type fixture struct {
	core     *Core
	agg      *coin.Aggregator
	store    *sqlite.Store
	policy   *netpolicy.Fake
	bus      *bus.MemoryBus
	registry *coin.Registry
}

func newFixture(t *testing.T, ftCfg FreeTimeConfig) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "pisond.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	writer := session.NewWriter()
	go func() { _ = writer.Run(ctx) }()

	journal, err := credit.OpenInMemoryJournal()
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	policy := netpolicy.NewFake()
	table := rate.NewTable([]rate.Rate{
		{ID: 1, Amount: 1, Minutes: 1, DownKbps: 1024, UpKbps: 512},
		{ID: 2, Amount: 5, Minutes: 7, DownKbps: 2048, UpKbps: 1024},
	})
	registry, err := coin.NewRegistry(ctx, store)
	require.NoError(t, err)

	g := gate.New(gate.DefaultConfig(), store)
	applier := credit.NewApplier(store, writer, table, policy, journal, registry)
	agg := coin.NewAggregator(coin.Config{}, registry, table, applier, nil, g)
	resolver := identity.NewResolver(store, writer, policy)
	mb := bus.NewMemoryBus(64)
	t.Cleanup(func() { _ = mb.Close() })
	free := NewFreeTime(ftCfg, applier)

	core := NewCore(resolver, store, writer, agg, applier, registry, policy, g, mb, free)
	return &fixture{core: core, agg: agg, store: store, policy: policy, bus: mb, registry: registry}
}

func req(mac string) identity.Request {
	return identity.Request{ClientID: "C1", MAC: netid.MustMAC(mac), IP: "10.0.0.5"}
}

func TestStatusUnknownDevice(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})

	st, err := f.core.Status(context.Background(), req("aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Nil(t, st.User)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, coin.LocalSourceID, st.Sources[0].ID)
	assert.True(t, st.Sources[0].Online)
	assert.Nil(t, st.CoinSession)
}

func TestCoinInsertRoundtrip(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()
	r := req("aa:bb:cc:dd:ee:01")

	require.NoError(t, f.core.StartCoinInsert(ctx, r, coin.ModeAuto, ""))
	f.agg.Pulse(ctx, 5, coin.LocalSourceID)

	st, err := f.core.Status(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, st.CoinSession)
	assert.Equal(t, 5, st.CoinSession.PendingAmount)
	assert.Equal(t, 7, st.CoinSession.TentativeMinutes)

	res, err := f.core.FinalizeCoinInsert(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Amount)
	assert.Equal(t, int64(420), res.SecondsAdded)

	st, err = f.core.Status(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, st.User)
	assert.Equal(t, int64(420), st.User.CreditSeconds)
	assert.Nil(t, st.CoinSession)

	// coin.pending and session.credited both went over the bus.
	topics := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case m := <-f.bus.Events():
			topics[m.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("missing bus events")
		}
	}
	assert.True(t, topics[bus.TopicCoinPending])
	assert.True(t, topics[bus.TopicSessionCredited])
}

func TestStartCoinInsertBusy(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	require.NoError(t, f.core.StartCoinInsert(ctx, req("aa:bb:cc:dd:ee:01"), coin.ModeAuto, ""))
	err := f.core.StartCoinInsert(ctx, req("aa:bb:cc:dd:ee:02"), coin.ModeAuto, "")
	assert.Equal(t, CodeBusy, CodeOf(err))
}

func TestFinalizeWithoutWindow(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	_, err := f.core.FinalizeCoinInsert(context.Background(), req("aa:bb:cc:dd:ee:01"))
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()
	r := req("aa:bb:cc:dd:ee:01")

	require.NoError(t, f.core.StartCoinInsert(ctx, r, coin.ModeAuto, ""))
	f.agg.Pulse(ctx, 5, coin.LocalSourceID)
	_, err := f.core.FinalizeCoinInsert(ctx, r)
	require.NoError(t, err)

	require.NoError(t, f.core.Pause(ctx, r))
	st, err := f.core.Status(ctx, r)
	require.NoError(t, err)
	assert.True(t, st.User.Paused)
	assert.Equal(t, int64(420), st.User.CreditSeconds, "pause spends nothing")
	require.Eventually(t, func() bool { return !f.policy.IsAuthorized(netid.MustMAC("aa:bb:cc:dd:ee:01")) }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.core.Resume(ctx, r))
	st, err = f.core.Status(ctx, r)
	require.NoError(t, err)
	assert.False(t, st.User.Paused)
	require.Eventually(t, func() bool { return f.policy.IsAuthorized(netid.MustMAC("aa:bb:cc:dd:ee:01")) }, time.Second, 5*time.Millisecond)
}

func TestRedeemVoucherTransfers(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	voucher := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:99"), CreditSeconds: 900}
	require.NoError(t, f.store.Create(ctx, voucher))

	r := req("aa:bb:cc:dd:ee:01")
	seconds, err := f.core.RedeemVoucher(ctx, r, voucher.UserCode)
	require.NoError(t, err)
	assert.Equal(t, int64(900), seconds)

	u, err := f.store.FindByMAC(ctx, netid.MustMAC("aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Equal(t, int64(900), u.CreditSeconds)

	drained, err := f.store.Get(ctx, voucher.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), drained.CreditSeconds)
}

func TestRedeemVoucherInvalidCodeCounts(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()
	r := req("aa:bb:cc:dd:ee:01")

	_, err := f.core.RedeemVoucher(ctx, r, "CJ-XXXXXX")
	assert.Equal(t, CodeInvalid, CodeOf(err))

	rec, err := f.store.GetFailure(ctx, r.MAC)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count, "failed redeem feeds the lockout")
}

func TestRestoreSessionByCode(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	old := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:99"), CreditSeconds: 600, Paused: true}
	require.NoError(t, f.store.Create(ctx, old))

	r := req("aa:bb:cc:dd:ee:01")
	id, err := f.core.RestoreSession(ctx, r, old.UserCode)
	require.NoError(t, err)
	assert.Equal(t, old.ID, id)

	u, err := f.store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, netid.MustMAC("aa:bb:cc:dd:ee:01"), u.MAC)
	assert.False(t, u.Paused)
}

func TestRestoreSessionExpired(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	old := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:99"), CreditSeconds: 0}
	require.NoError(t, f.store.Create(ctx, old))

	_, err := f.core.RestoreSession(ctx, req("aa:bb:cc:dd:ee:01"), old.UserCode)
	assert.Equal(t, CodeExpired, CodeOf(err))
}

func TestRestoreSessionConflict(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	stored := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:99"), CreditSeconds: 600}
	require.NoError(t, f.store.Create(ctx, stored))
	owner := &session.User{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), CreditSeconds: 300}
	require.NoError(t, f.store.Create(ctx, owner))

	_, err := f.core.RestoreSession(ctx, identity.Request{MAC: netid.MustMAC("aa:bb:cc:dd:ee:01")}, stored.UserCode)
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestResyncAuthorizesActives(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	ctx := context.Background()

	u := &session.User{
		MAC: netid.MustMAC("aa:bb:cc:dd:ee:01"), IP: "10.0.0.5",
		CreditSeconds: 600, RateDownKbps: 1024, RateUpKbps: 512,
	}
	require.NoError(t, f.store.Create(ctx, u))

	require.NoError(t, f.core.Resync(ctx))

	assert.True(t, f.policy.IsAuthorized(u.MAC))
	l, ok := f.policy.Limit("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, [2]int{1024, 512}, l)
}

func TestFreeTimeClaimOncePerInterval(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{Enabled: true, Minutes: 5, ReclaimEvery: time.Hour})
	ctx := context.Background()
	r := req("aa:bb:cc:dd:ee:01")

	seconds, err := f.core.ClaimFreeTime(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(300), seconds)

	_, err = f.core.ClaimFreeTime(ctx, r)
	assert.Equal(t, CodeBusy, CodeOf(err))

	st, err := f.core.Status(ctx, r)
	require.NoError(t, err)
	require.NotNil(t, st.FreeTime)
	assert.False(t, st.FreeTime.Available)
}

func TestFreeTimeDisabled(t *testing.T) {
	f := newFixture(t, FreeTimeConfig{})
	_, err := f.core.ClaimFreeTime(context.Background(), req("aa:bb:cc:dd:ee:01"))
	assert.Equal(t, CodeNotFound, CodeOf(err))
}
