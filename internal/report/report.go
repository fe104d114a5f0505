// SPDX-License-Identifier: MIT

// Package report aggregates the sales ledger for operators: per-source and
// per-day totals plus an atomic CSV export.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pisonet/pisond/internal/session"
)

// DefaultTimeZone is the tenant time zone daily boundaries are computed in.
const DefaultTimeZone = "Asia/Manila"

// SourceTotal is one per-source aggregation row.
type SourceTotal struct {
	Source string
	Pesos  int
	Sales  int
}

// DayTotal is one per-day aggregation row. Day is the tenant-local date in
// YYYY-MM-DD form.
type DayTotal struct {
	Day   string
	Pesos int
	Sales int
}

// Reporter answers aggregation queries over the sales ledger. All daily
// boundaries use the single configured tenant location, never a mix of
// server-local and UTC.
type Reporter struct {
	sales session.SaleStore
	loc   *time.Location
}

// New builds a reporter in the named time zone. An empty name selects the
// default tenant zone.
func New(sales session.SaleStore, tz string) (*Reporter, error) {
	if tz == "" {
		tz = DefaultTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("report: load tz %q: %w", tz, err)
	}
	return &Reporter{sales: sales, loc: loc}, nil
}

// Location exposes the tenant zone for callers that format timestamps.
func (r *Reporter) Location() *time.Location { return r.loc }

// BySource sums peso amounts per source over [from, to).
func (r *Reporter) BySource(ctx context.Context, from, to time.Time) ([]SourceTotal, error) {
	sales, err := r.sales.SalesBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	agg := make(map[string]*SourceTotal)
	for _, s := range sales {
		row, ok := agg[s.Source]
		if !ok {
			row = &SourceTotal{Source: s.Source}
			agg[s.Source] = row
		}
		row.Pesos += s.Amount
		row.Sales++
	}
	out := make([]SourceTotal, 0, len(agg))
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// ByDay sums peso amounts per tenant-local calendar day over [from, to).
func (r *Reporter) ByDay(ctx context.Context, from, to time.Time) ([]DayTotal, error) {
	sales, err := r.sales.SalesBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	agg := make(map[string]*DayTotal)
	for _, s := range sales {
		day := s.Timestamp.In(r.loc).Format("2006-01-02")
		row, ok := agg[day]
		if !ok {
			row = &DayTotal{Day: day}
			agg[day] = row
		}
		row.Pesos += s.Amount
		row.Sales++
	}
	out := make([]DayTotal, 0, len(agg))
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// Today sums the current tenant-local day.
func (r *Reporter) Today(ctx context.Context, now time.Time) (DayTotal, error) {
	local := now.In(r.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	rows, err := r.ByDay(ctx, start, start.Add(24*time.Hour))
	if err != nil {
		return DayTotal{}, err
	}
	day := start.Format("2006-01-02")
	for _, row := range rows {
		if row.Day == day {
			return row, nil
		}
	}
	return DayTotal{Day: day}, nil
}
