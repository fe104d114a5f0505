// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pisonet/pisond/internal/bus"
	"github.com/pisonet/pisond/internal/config"
	"github.com/pisonet/pisond/internal/credit"
	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/persistence/sqlite"
	"github.com/pisonet/pisond/internal/report"
	"github.com/pisonet/pisond/internal/session"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Ingest.Addr = "127.0.0.1:0"
	return cfg
}

func TestAppStartsAndStopsClean(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	holder := config.NewHolder(cfg, "")

	mb := bus.NewMemoryBus(64)
	defer func() { _ = mb.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, holder, netpolicy.NewFake(), mb)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// Give the loops a moment to come up, then shut down.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.NoError(t, app.Close())
}

func TestRunWarnsOnUnresolvedCredits(t *testing.T) {
	cfg := testConfig(t)
	holder := config.NewHolder(cfg, "")

	mb := bus.NewMemoryBus(64)
	defer func() { _ = mb.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, holder, netpolicy.NewFake(), mb)
	require.NoError(t, err)

	// A crash between journal begin and resolve leaves an open record; the
	// daemon must still come up and surface it.
	_, err = app.journal.Begin(ctx, credit.PendingRecord{
		MAC:       "aa:bb:cc:dd:ee:01",
		Amount:    5,
		PerSource: map[string]int{"hardware": 5},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.NoError(t, app.Close())
}

func TestIngestDisabledWithoutKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.SubVendoKey = ""
	holder := config.NewHolder(cfg, "")

	mb := bus.NewMemoryBus(64)
	defer func() { _ = mb.Close() }()

	app, err := New(context.Background(), holder, netpolicy.NewFake(), mb)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.Nil(t, app.ingest)
}

func TestOpsSalesReports(t *testing.T) {
	cfg := testConfig(t)
	holder := config.NewHolder(cfg, "")

	mb := bus.NewMemoryBus(64)
	defer func() { _ = mb.Close() }()

	ctx := context.Background()
	app, err := New(ctx, holder, netpolicy.NewFake(), mb)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	require.NoError(t, app.store.AppendSale(ctx, session.Sale{
		Timestamp: time.Now().UTC(),
		Amount:    5,
		MAC:       netid.MustMAC("aa:bb:cc:dd:ee:01"),
		Source:    "hardware",
	}))

	ts := httptest.NewServer(app.opsHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/reports/sales/by-source")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []report.SourceTotal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "hardware", rows[0].Source)
	assert.Equal(t, 5, rows[0].Pesos)

	resp, err = http.Get(ts.URL + "/reports/sales/export.csv")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2, "header plus one sale")
	assert.Contains(t, lines[1], "aa:bb:cc:dd:ee:01")

	resp, err = http.Get(ts.URL + "/reports/sales/daily?from=not-a-time")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncRatesSeedsOnceAndKeepsStoredRows(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "pisond.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	lines := []config.RateLine{{Amount: 1, Minutes: 1}, {Amount: 5, Minutes: 7}}

	rates, err := syncRates(ctx, store, lines)
	require.NoError(t, err)
	require.Len(t, rates, 2)

	// A second sync with an overlapping amount must not duplicate it; the
	// stored definition wins over the config line.
	lines[1].Minutes = 99
	rates, err = syncRates(ctx, store, lines)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	for _, r := range rates {
		if r.Amount == 5 {
			assert.Equal(t, 7, r.Minutes)
		}
	}
}
