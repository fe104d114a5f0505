// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/rate"
	"github.com/pisonet/pisond/internal/session"
)

// AppendSale writes one ledger row. The ledger is append-only; there is no
// update or delete path on purpose.
func (s *Store) AppendSale(ctx context.Context, sale session.Sale) error {
	ts := sale.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sales (ts, amount, mac, source) VALUES (?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), sale.Amount, sale.MAC.String(), sale.Source)
	return err
}

// SalesBetween returns ledger rows with from <= ts < to, oldest first.
func (s *Store) SalesBetween(ctx context.Context, from, to time.Time) ([]session.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, amount, mac, source FROM sales
		WHERE ts >= ? AND ts < ? ORDER BY id`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []session.Sale
	for rows.Next() {
		var sale session.Sale
		var ts, mac string
		if err := rows.Scan(&sale.ID, &ts, &sale.Amount, &mac, &sale.Source); err != nil {
			return nil, err
		}
		sale.Timestamp, _ = time.Parse(time.RFC3339, ts)
		sale.MAC = netid.MAC(mac)
		out = append(out, sale)
	}
	return out, rows.Err()
}

// GetFailure retrieves the failure record for a MAC, or ErrNotFound.
func (s *Store) GetFailure(ctx context.Context, mac netid.MAC) (*session.FailureRecord, error) {
	var rec session.FailureRecord
	var banned sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT mac, count, banned_until, updated_at FROM failures WHERE mac = ?`,
		mac.String()).Scan(&rec.MAC, &rec.Count, &banned, &updated)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if banned.Valid && banned.String != "" {
		t, _ := time.Parse(time.RFC3339, banned.String)
		rec.BannedUntil = &t
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &rec, nil
}

// PutFailure upserts the failure record for a MAC.
func (s *Store) PutFailure(ctx context.Context, rec session.FailureRecord) error {
	var banned any
	if rec.BannedUntil != nil {
		banned = rec.BannedUntil.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (mac, count, banned_until, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			count = excluded.count,
			banned_until = excluded.banned_until,
			updated_at = excluded.updated_at`,
		rec.MAC.String(), rec.Count, banned, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ClearFailure removes the failure record for a MAC.
func (s *Store) ClearFailure(ctx context.Context, mac netid.MAC) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failures WHERE mac = ?`, mac.String())
	return err
}

// LoadRates returns the full rate table.
func (s *Store) LoadRates(ctx context.Context) ([]rate.Rate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, amount, minutes, rate_up_kbps, rate_down_kbps FROM rates ORDER BY amount`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []rate.Rate
	for rows.Next() {
		var r rate.Rate
		if err := rows.Scan(&r.ID, &r.Amount, &r.Minutes, &r.UpKbps, &r.DownKbps); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRate adds one rate line and returns its id.
func (s *Store) InsertRate(ctx context.Context, r rate.Rate) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rates (amount, minutes, rate_up_kbps, rate_down_kbps) VALUES (?, ?, ?, ?)`,
		r.Amount, r.Minutes, r.UpKbps, r.DownKbps)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SourceRow is the persisted shape of a coin source.
type SourceRow struct {
	ID              string
	Name            string
	PulseValuePesos int
	RateDownKbps    int
	RateUpKbps      int
	LastActiveAt    time.Time
}

// UpsertSource registers or refreshes a coin source, keyed by device id.
func (s *Store) UpsertSource(ctx context.Context, row SourceRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, pulse_value_pesos, rate_down_kbps, rate_up_kbps, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pulse_value_pesos = excluded.pulse_value_pesos,
			rate_down_kbps = excluded.rate_down_kbps,
			rate_up_kbps = excluded.rate_up_kbps,
			last_active_at = excluded.last_active_at`,
		row.ID, row.Name, row.PulseValuePesos, row.RateDownKbps, row.RateUpKbps,
		formatTime(row.LastActiveAt))
	return err
}

// ListSources returns all registered sources. Inactive sources are kept.
func (s *Store) ListSources(ctx context.Context) ([]SourceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, pulse_value_pesos, rate_down_kbps, rate_up_kbps, last_active_at
		 FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SourceRow
	for rows.Next() {
		var row SourceRow
		var lastActive sql.NullString
		if err := rows.Scan(&row.ID, &row.Name, &row.PulseValuePesos,
			&row.RateDownKbps, &row.RateUpKbps, &lastActive); err != nil {
			return nil, err
		}
		row.LastActiveAt = parseTime(lastActive)
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetSourceRates replaces the visible rate subset for a source.
func (s *Store) SetSourceRates(ctx context.Context, sourceID string, rateIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_rates WHERE source_id = ?`, sourceID); err != nil {
		return err
	}
	for _, id := range rateIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_rates (source_id, rate_id) VALUES (?, ?)`, sourceID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSourceRates returns the visible rate subset for a source, empty when
// the source sees the full table.
func (s *Store) GetSourceRates(ctx context.Context, sourceID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rate_id FROM source_rates WHERE source_id = ? ORDER BY rate_id`, sourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetConfig reads one config value, empty string when absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetConfig upserts one config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
