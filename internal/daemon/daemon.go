// SPDX-License-Identifier: MIT

// Package daemon assembles the pisond components and runs them until the
// context is cancelled.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pisonet/pisond/internal/bus"
	"github.com/pisonet/pisond/internal/coin"
	"github.com/pisonet/pisond/internal/config"
	"github.com/pisonet/pisond/internal/credit"
	"github.com/pisonet/pisond/internal/gate"
	"github.com/pisonet/pisond/internal/identity"
	"github.com/pisonet/pisond/internal/idle"
	"github.com/pisonet/pisond/internal/ingest"
	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/netpolicy"
	"github.com/pisonet/pisond/internal/persistence/sqlite"
	"github.com/pisonet/pisond/internal/portal"
	"github.com/pisonet/pisond/internal/rate"
	"github.com/pisonet/pisond/internal/report"
	"github.com/pisonet/pisond/internal/session"
	"github.com/pisonet/pisond/internal/ticker"
)

// App owns every long-lived component of the daemon.
type App struct {
	holder    *config.Holder
	store     *sqlite.Store
	journal   *credit.Journal
	writer    *session.Writer
	table     *rate.Table
	registry  *coin.Registry
	agg       *coin.Aggregator
	core      *portal.Core
	ticker    *ticker.Ticker
	monitor   *idle.Monitor
	ingest    *ingest.Server
	reporter  *report.Reporter
	publisher bus.Publisher
	ownBus    bool
	logger    zerolog.Logger
}

// New builds the daemon from the held configuration. policy may be nil to
// select the shell policy for cfg.Iface; publisher may be nil to select
// Redis when configured and the in-process bus otherwise.
func New(ctx context.Context, holder *config.Holder, policy netpolicy.Policy, publisher bus.Publisher) (*App, error) {
	cfg := holder.Get()
	logger := xlog.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.DataDir, "pisond.db")
	if _, err := os.Stat(dbPath); err == nil {
		if problems, err := sqlite.VerifyIntegrity(dbPath, "quick"); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.integrity_check_failed").Msg("could not verify database")
		} else if len(problems) > 0 {
			logger.Error().
				Str("event", "daemon.database_corrupt").
				Strs("problems", problems).
				Msg("database failed integrity check")
		}
	}

	store, err := sqlite.NewStore(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	journal, err := credit.OpenJournal(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rates, err := syncRates(ctx, store, cfg.Rates)
	if err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, err
	}
	table := rate.NewTable(rates)

	registry, err := coin.NewRegistry(ctx, store)
	if err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, err
	}

	if policy == nil {
		policy = netpolicy.NewShellPolicy(netpolicy.ShellConfig{LanIface: cfg.Iface})
	}

	ownBus := false
	if publisher == nil {
		ownBus = true
		if cfg.Redis.Addr != "" {
			rb, err := bus.NewRedisBus(bus.RedisConfig{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				_ = journal.Close()
				_ = store.Close()
				return nil, err
			}
			publisher = rb
		} else {
			publisher = bus.NewMemoryBus(256)
		}
	}

	writer := session.NewWriter()
	g := gate.New(gate.Config{
		BanLimit:    cfg.Gate.BanLimit,
		BanDuration: time.Duration(cfg.Gate.BanMinutes) * time.Minute,
	}, store)
	applier := credit.NewApplier(store, writer, table, policy, journal, registry)
	agg := coin.NewAggregator(coin.Config{
		IdleTimeout:     time.Duration(cfg.Coin.IdleTimeoutSeconds) * time.Second,
		AbsoluteTimeout: time.Duration(cfg.Coin.AbsoluteTimeoutSeconds) * time.Second,
		BanLimitPulses:  cfg.Coin.BanLimitPulses,
		BanWindow:       time.Duration(cfg.Coin.BanWindowSeconds) * time.Second,
		BanDuration:     time.Duration(cfg.Coin.BanMinutes) * time.Minute,
	}, registry, table, applier, coin.NopRelay{}, g)
	resolver := identity.NewResolver(store, writer, policy)
	free := portal.NewFreeTime(portal.FreeTimeConfig{
		Enabled:      cfg.FreeTime.Enabled,
		Minutes:      cfg.FreeTime.Minutes,
		ReclaimEvery: time.Duration(cfg.FreeTime.ReclaimHours) * time.Hour,
	}, applier)
	core := portal.NewCore(resolver, store, writer, agg, applier, registry, policy, g, publisher, free)

	tk := ticker.New(ticker.Config{Iface: cfg.Iface}, store, writer, policy)
	tk.OnExpired = func(ev ticker.ExpiredEvent) {
		_ = publisher.Publish(context.Background(), bus.TopicSessionExpired, ev)
	}
	mon := idle.New(idle.Config{
		StallAfter: time.Duration(cfg.Idle.StallSeconds) * time.Second,
	}, store, writer, policy)
	mon.OnPaused = func(ev idle.PausedEvent) {
		_ = publisher.Publish(context.Background(), bus.TopicSessionPaused, ev)
	}

	reporter, err := report.New(store, cfg.TimeZone)
	if err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, err
	}

	var ing *ingest.Server
	if cfg.Ingest.SubVendoKey != "" {
		ing = ingest.New(ingest.Config{
			Addr:         cfg.Ingest.Addr,
			SharedSecret: cfg.Ingest.SubVendoKey,
			RateLimit:    cfg.Ingest.RateLimit,
			RateWindow:   time.Duration(cfg.Ingest.RateWindowSeconds) * time.Second,
		}, registry, agg)
	}

	return &App{
		holder:    holder,
		store:     store,
		journal:   journal,
		writer:    writer,
		table:     table,
		registry:  registry,
		agg:       agg,
		core:      core,
		ticker:    tk,
		monitor:   mon,
		ingest:    ing,
		reporter:  reporter,
		publisher: publisher,
		ownBus:    ownBus,
		logger:    logger,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. A clean cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	open, err := a.journal.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, rec := range open {
		a.logger.Warn().
			Str("event", "daemon.unresolved_credit").
			Str("journal_id", rec.ID).
			Str("mac", rec.MAC).
			Int("amount", rec.Amount).
			Msg("credit journal entry left open by previous run")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(a.writer.Run(gctx)) })

	// Enforcement resync needs the writer loop running.
	if err := a.core.Resync(gctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "daemon.resync_failed").Msg("startup resync failed")
	}

	g.Go(func() error { return ignoreCancel(a.ticker.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(a.monitor.Run(gctx)) })

	if a.ingest != nil {
		a.serveHTTP(g, gctx, &http.Server{
			Addr:              a.holder.Get().Ingest.Addr,
			Handler:           a.ingest.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	} else {
		a.logger.Info().
			Str("event", "daemon.ingest_disabled").
			Msg("no sub_vendo_key configured, ingest listener disabled")
	}

	if addr := a.holder.Get().MetricsAddr; addr != "" {
		a.serveHTTP(g, gctx, &http.Server{
			Addr:              addr,
			Handler:           a.opsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	updates := a.holder.RegisterListener()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				a.applyReload(gctx, next)
			}
		}
	})

	a.logger.Info().Str("event", "daemon.started").Msg("pisond running")
	return g.Wait()
}

// Close releases the stores and the bus. Call after Run returns.
func (a *App) Close() error {
	var first error
	if a.ownBus {
		if err := a.publisher.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := a.journal.Close(); err != nil && first == nil {
		first = err
	}
	if err := a.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Portal exposes the portal core for the serving layer.
func (a *App) Portal() *portal.Core { return a.core }

func (a *App) serveHTTP(g *errgroup.Group, ctx context.Context, srv *http.Server) {
	g.Go(func() error {
		a.logger.Info().
			Str("event", "daemon.listen").
			Str("addr", srv.Addr).
			Msg("http listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func (a *App) opsHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/reports/sales/by-source", a.handleSalesBySource)
	r.Get("/reports/sales/daily", a.handleSalesDaily)
	r.Get("/reports/sales/export.csv", a.handleSalesExport)
	return r
}

// reportRange parses optional from/to query params (RFC 3339); the default
// window is the last 30 days.
func reportRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad from: %w", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad to: %w", err)
		}
		to = t
	}
	return from, to, nil
}

func (a *App) handleSalesBySource(w http.ResponseWriter, r *http.Request) {
	from, to, err := reportRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := a.reporter.BySource(r.Context(), from, to)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (a *App) handleSalesDaily(w http.ResponseWriter, r *http.Request) {
	from, to, err := reportRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := a.reporter.ByDay(r.Context(), from, to)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (a *App) handleSalesExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := reportRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sales.csv"`)
	if _, err := a.reporter.WriteCSV(r.Context(), w, from, to); err != nil {
		a.logger.Warn().Err(err).Str("event", "daemon.export_failed").Msg("sales export failed")
	}
}

// applyReload pushes the parts of a reloaded config that can change at
// runtime: the rate table. Listener addresses and timeouts need a restart.
func (a *App) applyReload(ctx context.Context, next config.Config) {
	rates, err := syncRates(ctx, a.store, next.Rates)
	if err != nil {
		a.logger.Error().Err(err).Str("event", "daemon.reload_rates_failed").Msg("rate table not updated")
		return
	}
	a.table.Replace(rates)
	a.logger.Info().
		Str("event", "daemon.rates_reloaded").
		Int("rates", len(rates)).
		Msg("rate table reloaded")
}

// syncRates makes the persisted rate table a superset of the configured
// lines and returns the persisted rows. Amounts already present keep their
// stored definition so operator edits in the database survive restarts.
func syncRates(ctx context.Context, store *sqlite.Store, lines []config.RateLine) ([]rate.Rate, error) {
	persisted, err := store.LoadRates(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(persisted))
	for _, r := range persisted {
		have[r.Amount] = true
	}
	changed := false
	for _, l := range lines {
		if have[l.Amount] {
			continue
		}
		if _, err := store.InsertRate(ctx, rate.Rate{
			Amount:   l.Amount,
			Minutes:  l.Minutes,
			DownKbps: l.DownKbps,
			UpKbps:   l.UpKbps,
		}); err != nil {
			return nil, err
		}
		changed = true
	}
	if !changed {
		return persisted, nil
	}
	return store.LoadRates(ctx)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
