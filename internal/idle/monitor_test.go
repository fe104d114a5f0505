// SPDX-License-Identifier: MIT

package idle

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

func newFixture(t *testing.T) (*Monitor, *sqlite.Store, *netpolicy.Fake) {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "pisond.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	writer := session.NewWriter()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = writer.Run(ctx) }()

	policy := netpolicy.NewFake()
	return New(Config{StallAfter: 120 * time.Second}, store, writer, policy), store, policy
}

func seedStalled(t *testing.T, store *sqlite.Store) *session.User {
	t.Helper()
	ctx := context.Background()
	u := &session.User{
		MAC:           netid.MustMAC("aa:bb:cc:dd:ee:01"),
		IP:            "10.0.0.5",
		CreditSeconds: 600,
		Connected:     true,
	}
	require.NoError(t, store.Create(ctx, u))
	require.NoError(t, store.TouchTraffic(ctx, u.ID, time.Now().Add(-10*time.Minute)))
	return u
}

func TestPassPausesGoneClient(t *testing.T) {
	m, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedStalled(t, store)
	policy.SetAuthorized(u.MAC)

	done := make(chan PausedEvent, 1)
	m.OnPaused = func(ev PausedEvent) { done <- ev }

	require.NoError(t, m.Pass(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.False(t, got.Connected)
	assert.Equal(t, int64(600), got.CreditSeconds, "pause spends nothing")

	select {
	case ev := <-done:
		assert.Equal(t, u.ID, ev.UserID)
	case <-time.After(time.Second):
		t.Fatal("pause teardown did not run")
	}
	require.Eventually(t, func() bool { return !policy.IsAuthorized(u.MAC) }, time.Second, 5*time.Millisecond)
}

func TestPassKeepsReachableClient(t *testing.T) {
	m, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedStalled(t, store)
	policy.Reachable["10.0.0.5"] = true

	require.NoError(t, m.Pass(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused, "reachable neighbor vetoes the pause")
}

func TestPassKeepsClientWithLiveFlows(t *testing.T) {
	m, store, policy := newFixture(t)
	ctx := context.Background()
	u := seedStalled(t, store)
	policy.LiveFlows["10.0.0.5"] = true

	require.NoError(t, m.Pass(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused, "live flows veto the pause")
}

func TestPassKeepsRecentTraffic(t *testing.T) {
	m, store, _ := newFixture(t)
	ctx := context.Background()
	u := seedStalled(t, store)
	require.NoError(t, store.TouchTraffic(ctx, u.ID, time.Now()))

	require.NoError(t, m.Pass(ctx))

	got, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused, "fresh traffic vetoes the pause")
}
