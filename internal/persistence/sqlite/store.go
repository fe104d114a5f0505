// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pisonet/pisond/internal/netid"
	"github.com/pisonet/pisond/internal/session"
)

// Store provides SQLite persistence for users, the sales ledger, coin
// sources, the rate table and failure records.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dbPath and runs migrations.
func NewStore(dbPath string, cfg Config) (*Store, error) {
	db, err := open(dbPath, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		mac TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_code TEXT NOT NULL,
		credit_seconds INTEGER NOT NULL DEFAULT 0 CHECK(credit_seconds >= 0),
		total_seconds_ever INTEGER NOT NULL DEFAULT 0,
		rate_down_kbps INTEGER NOT NULL DEFAULT 0,
		rate_up_kbps INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		connected INTEGER NOT NULL DEFAULT 0,
		last_traffic_at TEXT,
		last_seen_at TEXT,
		session_expiry_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_mac ON users(mac);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_code ON users(user_code);
	CREATE INDEX IF NOT EXISTS idx_users_client ON users(client_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_ip_active
		ON users(ip) WHERE ip != '' AND credit_seconds > 0;

	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		amount INTEGER NOT NULL,
		mac TEXT NOT NULL,
		source TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sales_ts ON sales(ts);
	CREATE INDEX IF NOT EXISTS idx_sales_source ON sales(source);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		pulse_value_pesos INTEGER NOT NULL DEFAULT 1,
		rate_down_kbps INTEGER NOT NULL DEFAULT 0,
		rate_up_kbps INTEGER NOT NULL DEFAULT 0,
		last_active_at TEXT
	);

	CREATE TABLE IF NOT EXISTS rates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		amount INTEGER NOT NULL CHECK(amount > 0),
		minutes INTEGER NOT NULL CHECK(minutes > 0),
		rate_up_kbps INTEGER NOT NULL DEFAULT 0,
		rate_down_kbps INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS source_rates (
		source_id TEXT NOT NULL,
		rate_id INTEGER NOT NULL,
		PRIMARY KEY (source_id, rate_id)
	);

	CREATE TABLE IF NOT EXISTS failures (
		mac TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		banned_until TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const userColumns = `id, mac, client_id, ip, user_code, credit_seconds, total_seconds_ever,
	rate_down_kbps, rate_up_kbps, paused, connected, last_traffic_at, last_seen_at,
	session_expiry_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*session.User, error) {
	var u session.User
	var mac string
	var lastTraffic, lastSeen, expiry sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&u.ID, &mac, &u.ClientID, &u.IP, &u.UserCode,
		&u.CreditSeconds, &u.TotalSecondsEver,
		&u.RateDownKbps, &u.RateUpKbps,
		&u.Paused, &u.Connected,
		&lastTraffic, &lastSeen, &expiry,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.MAC = netid.MAC(strings.ToLower(mac))
	u.LastTrafficAt = parseTime(lastTraffic)
	u.LastSeenAt = parseTime(lastSeen)
	if expiry.Valid && expiry.String != "" {
		t := parseTime(expiry)
		u.SessionExpiryAt = &t
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, v.String)
	return t
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// Get retrieves a user by primary id.
func (s *Store) Get(ctx context.Context, id session.UserID) (*session.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, string(id))
	return scanUser(row)
}

// FindByCookie retrieves a user by persistent client cookie.
func (s *Store) FindByCookie(ctx context.Context, clientID string) (*session.User, error) {
	if clientID == "" {
		return nil, session.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE client_id = ? LIMIT 1`, clientID)
	return scanUser(row)
}

// FindByMAC retrieves a user by hardware address, case-insensitively, and
// normalizes the stored case on a mixed-case match.
func (s *Store) FindByMAC(ctx context.Context, mac netid.MAC) (*session.User, error) {
	if mac.IsZero() {
		return nil, session.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(mac) = ? LIMIT 1`, mac.String())
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	// Normalize stored case so the unique index never splits on case.
	_, _ = s.db.ExecContext(ctx, `UPDATE users SET mac = ? WHERE id = ? AND mac != ?`,
		mac.String(), string(u.ID), mac.String())
	return u, nil
}

// FindByCode retrieves a user by user code, case-insensitively.
func (s *Store) FindByCode(ctx context.Context, code string) (*session.User, error) {
	code = session.NormalizeUserCode(code)
	if code == "" {
		return nil, session.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE UPPER(user_code) = ? LIMIT 1`, code)
	return scanUser(row)
}

// Create inserts a new user. Missing id and user code are generated; the
// code generation retries on the unique index.
func (s *Store) Create(ctx context.Context, u *session.User) error {
	if u.ID == "" {
		u.ID = session.UserID(uuid.NewString())
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	for attempt := 0; attempt < 5; attempt++ {
		if u.UserCode == "" {
			code, err := session.GenerateUserCode()
			if err != nil {
				return err
			}
			u.UserCode = code
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(u.ID), u.MAC.String(), u.ClientID, u.IP, u.UserCode,
			u.CreditSeconds, u.TotalSecondsEver,
			u.RateDownKbps, u.RateUpKbps,
			u.Paused, u.Connected,
			formatTime(u.LastTrafficAt), formatTime(u.LastSeenAt), expiryArg(u.SessionExpiryAt),
			u.CreatedAt.Format(time.RFC3339), u.UpdatedAt.Format(time.RFC3339),
		)
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) && strings.Contains(err.Error(), "user_code") {
			u.UserCode = ""
			continue
		}
		if isUniqueViolation(err) {
			return session.ErrConflict
		}
		return err
	}
	return errors.New("sqlite: exhausted user code attempts")
}

// Update rewrites all mutable fields of an existing user.
func (s *Store) Update(ctx context.Context, u *session.User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET mac = ?, client_id = ?, ip = ?, user_code = ?,
			credit_seconds = ?, total_seconds_ever = ?,
			rate_down_kbps = ?, rate_up_kbps = ?,
			paused = ?, connected = ?,
			last_traffic_at = ?, last_seen_at = ?, session_expiry_at = ?,
			updated_at = ?
		WHERE id = ?`,
		u.MAC.String(), u.ClientID, u.IP, u.UserCode,
		u.CreditSeconds, u.TotalSecondsEver,
		u.RateDownKbps, u.RateUpKbps,
		u.Paused, u.Connected,
		formatTime(u.LastTrafficAt), formatTime(u.LastSeenAt), expiryArg(u.SessionExpiryAt),
		u.UpdatedAt.Format(time.RFC3339),
		string(u.ID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return session.ErrConflict
		}
		return err
	}
	return requireRow(res)
}

// Delete removes a user record. Administrator action only.
func (s *Store) Delete(ctx context.Context, id session.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClaimMAC moves newMAC to the given user, deleting any stale record that
// currently holds it.
func (s *Store) ClaimMAC(ctx context.Context, id session.UserID, newMAC netid.MAC) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM users WHERE LOWER(mac) = ? AND id != ?`, newMAC.String(), string(id)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET mac = ?, updated_at = ? WHERE id = ?`,
		newMAC.String(), time.Now().UTC().Format(time.RFC3339), string(id))
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignIP clears ip from any other record first, then writes it, keeping
// the active-IP unique index satisfied.
func (s *Store) AssignIP(ctx context.Context, id session.UserID, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if ip != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET ip = '' WHERE ip = ? AND id != ?`, ip, string(id)); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET ip = ?, updated_at = ? WHERE id = ?`,
		ip, time.Now().UTC().Format(time.RFC3339), string(id))
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// Decrement subtracts seconds from the balance, clamping at zero, and
// returns the new balance.
func (s *Store) Decrement(ctx context.Context, id session.UserID, seconds int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET credit_seconds = MAX(0, credit_seconds - ?), updated_at = ?
		WHERE id = ?`,
		seconds, time.Now().UTC().Format(time.RFC3339), string(id))
	if err != nil {
		return 0, err
	}
	var balance int64
	err = s.db.QueryRowContext(ctx, `SELECT credit_seconds FROM users WHERE id = ?`, string(id)).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, session.ErrNotFound
	}
	return balance, err
}

// Pause marks a user paused and disconnected.
func (s *Store) Pause(ctx context.Context, id session.UserID) error {
	return s.setFlags(ctx, id, `paused = 1, connected = 0`)
}

// Resume clears the paused flag and marks the user connected.
func (s *Store) Resume(ctx context.Context, id session.UserID) error {
	return s.setFlags(ctx, id, `paused = 0, connected = 1`)
}

// Expire zeroes the balance and marks the user disconnected.
func (s *Store) Expire(ctx context.Context, id session.UserID) error {
	return s.setFlags(ctx, id, `credit_seconds = 0, connected = 0, session_expiry_at = NULL`)
}

func (s *Store) setFlags(ctx context.Context, id session.UserID, set string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), string(id))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IterateActive returns a snapshot of unpaused users holding credit.
func (s *Store) IterateActive(ctx context.Context) ([]session.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE credit_seconds > 0 AND paused = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []session.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// TouchTraffic records traffic observed for the user at ts.
func (s *Store) TouchTraffic(ctx context.Context, id session.UserID, ts time.Time) error {
	return s.setFlagsArg(ctx, id, `last_traffic_at = ?, last_seen_at = ?`,
		ts.UTC().Format(time.RFC3339), ts.UTC().Format(time.RFC3339))
}

func (s *Store) setFlagsArg(ctx context.Context, id session.UserID, set string, args ...any) error {
	args = append(args, time.Now().UTC().Format(time.RFC3339), string(id))
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func expiryArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
