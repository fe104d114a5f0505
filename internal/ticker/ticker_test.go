// SPDX-License-Identifier: MIT

package ticker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/persistence/sqlite"
	"github.com/pisonet/pisond/internal/session"
)

func newFixture(t *testing.T) (*Ticker, *sqlite.Store, *netpolicy.Fake) {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "pisond.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	writer := session.NewWriter()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = writer.Run(ctx) }()

	policy := netpolicy.NewFake()
	tk := New(Config{Iface: "br-lan"}, store, writer, policy)
	return tk, store, policy
}

func seedUser(t *testing.T, store *sqlite.Store, mac string, credit int64, ip string) *session.User {
	t.Helper()
	u := &session.User{
		MAC:           netid.MustMAC(mac),
		IP:            ip,
		CreditSeconds: credit,
		Connected:     true,
	}
	require.NoError(t, store.Create(context.Background(), u))
	return u
}

func TestTickDecrementsByElapsedSeconds(t *testing.T) {
	tk, store, _ := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 100, "")

	base := time.Now()
	tk.now = func() time.Time { return base }
	require.NoError(t, tk.Tick(ctx)) // first pass only anchors the clock

	tk.now = func() time.Time { return base.Add(10*time.Second + 700*time.Millisecond) }
	require.NoError(t, tk.Tick(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.CreditSeconds, "sub-second remainder carries over")

	// The 700 ms remainder is credited on the next pass.
	tk.now = func() time.Time { return base.Add(11*time.Second + 400*time.Millisecond) }
	require.NoError(t, tk.Tick(ctx))
	got, err = store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(89), got.CreditSeconds)
}

func TestTickExpiresAtZero(t *testing.T) {
	tk, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 5, "10.0.0.5")
	policy.SetAuthorized(u.MAC)
	require.NoError(t, policy.SetLimit(ctx, u.IP, 1024, 512))

	var expired []ExpiredEvent
	done := make(chan struct{})
	tk.OnExpired = func(ev ExpiredEvent) {
		expired = append(expired, ev)
		close(done)
	}

	base := time.Now()
	tk.now = func() time.Time { return base }
	require.NoError(t, tk.Tick(ctx))
	tk.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, tk.Tick(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CreditSeconds)
	assert.False(t, got.Connected)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry teardown did not run")
	}
	require.Eventually(t, func() bool { return !policy.IsAuthorized(u.MAC) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := policy.Limit(u.IP)
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Len(t, expired, 1)
	assert.Equal(t, u.ID, expired[0].UserID)
}

func TestTickHonorsSessionExpiry(t *testing.T) {
	tk, store, _ := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 10_000, "")
	expiry := time.Now().Add(5 * time.Second)
	u.SessionExpiryAt = &expiry
	require.NoError(t, store.Update(ctx, u))

	base := time.Now()
	tk.now = func() time.Time { return base }
	require.NoError(t, tk.Tick(ctx))
	tk.now = func() time.Time { return base.Add(10 * time.Second) }
	require.NoError(t, tk.Tick(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.CreditSeconds, "expiry timestamp overrides remaining credit")
}

func TestSampleTouchesTrafficAndHandlesReset(t *testing.T) {
	tk, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 600, "10.0.0.5")

	policy.CountersByIface["br-lan"] = netpolicy.Counters{
		Uploads:   map[string]netpolicy.CounterSample{"10.0.0.5": {Bytes: 1000}},
		Downloads: map[int]netpolicy.CounterSample{5: {Bytes: 2000}},
	}
	require.NoError(t, tk.Sample(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	first := got.LastTrafficAt
	assert.False(t, first.IsZero())

	// A table rewrite reset the upload counter; the smaller current value
	// is the whole delta, not a negative.
	policy.CountersByIface["br-lan"] = netpolicy.Counters{
		Uploads:   map[string]netpolicy.CounterSample{"10.0.0.5": {Bytes: 50}},
		Downloads: map[int]netpolicy.CounterSample{5: {Bytes: 2000}},
	}
	tk.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, tk.Sample(ctx))

	got, err = store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.LastTrafficAt.After(first))
}

func TestSampleNoTrafficNoTouch(t *testing.T) {
	tk, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 600, "10.0.0.5")

	policy.CountersByIface["br-lan"] = netpolicy.Counters{
		Uploads:   map[string]netpolicy.CounterSample{"10.0.0.5": {Bytes: 1000}},
		Downloads: map[int]netpolicy.CounterSample{},
	}
	require.NoError(t, tk.Sample(ctx))
	require.NoError(t, tk.Sample(ctx)) // identical counters, zero delta

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	first := got.LastTrafficAt

	require.NoError(t, tk.Sample(ctx))
	got, err = store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got.LastTrafficAt)
}

func TestReconcileBothDirections(t *testing.T) {
	tk, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedUser(t, store, "aa:bb:cc:dd:ee:01", 600, "10.0.0.5")
	u.RateDownKbps = 1024
	u.RateUpKbps = 512
	require.NoError(t, store.Update(ctx, u))

	stale := netid.MustMAC("aa:bb:cc:dd:ee:99")
	policy.SetAuthorized(stale)

	require.NoError(t, tk.Reconcile(ctx))

	assert.True(t, policy.IsAuthorized(u.MAC), "active user re-authorized")
	l, ok := policy.Limit("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, [2]int{1024, 512}, l)
	assert.False(t, policy.IsAuthorized(stale), "stale authorization removed")
}
