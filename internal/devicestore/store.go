// Package devicestore persists presence records in SQLite so that
// entities for known devices survive a restart. Only the identity and
// last-known attributes are kept; online state is never trusted across
// a restart and is recomputed by the next poll.
package devicestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/jnap-presence/internal/presence"
)

// Store is a SQLite-backed device store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the device database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS known_devices (
		key          TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		display_name TEXT NOT NULL,
		mac_address  TEXT NOT NULL DEFAULT '',
		ip_address   TEXT NOT NULL DEFAULT '',
		ipv6_address TEXT NOT NULL DEFAULT '',
		known_macs   TEXT NOT NULL DEFAULT '',
		attributes   TEXT NOT NULL DEFAULT '{}',
		last_seen    TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts every record in one transaction.
func (s *Store) Save(ctx context.Context, records []presence.DeviceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO known_devices
		   (key, device_id, display_name, mac_address, ip_address, ipv6_address,
		    known_macs, attributes, last_seen, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   device_id    = excluded.device_id,
		   display_name = excluded.display_name,
		   mac_address  = excluded.mac_address,
		   ip_address   = excluded.ip_address,
		   ipv6_address = excluded.ipv6_address,
		   known_macs   = excluded.known_macs,
		   attributes   = excluded.attributes,
		   last_seen    = excluded.last_seen,
		   updated_at   = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	updated := s.now().UTC().Format(time.RFC3339)
	for _, r := range records {
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes for %s: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Key, r.DeviceID, r.DisplayName, r.MACAddress, r.IPAddress, r.IPv6Address,
			strings.Join(r.KnownMACs, ","), string(attrs), formatTime(r.LastSeen), updated,
		); err != nil {
			return fmt.Errorf("save %s: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load returns every stored record ordered by key. Records come back
// offline.
func (s *Store) Load(ctx context.Context) ([]presence.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, device_id, display_name, mac_address, ip_address, ipv6_address,
		        known_macs, attributes, last_seen
		 FROM known_devices ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []presence.DeviceRecord
	for rows.Next() {
		var (
			r                   presence.DeviceRecord
			macs, attrs, seenAt string
		)
		if err := rows.Scan(&r.Key, &r.DeviceID, &r.DisplayName, &r.MACAddress,
			&r.IPAddress, &r.IPv6Address, &macs, &attrs, &seenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if macs != "" {
			r.KnownMACs = strings.Split(macs, ",")
		}
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", r.Key, err)
		}
		if r.Attributes == nil {
			r.Attributes = make(map[string]string)
		}
		r.LastSeen = parseTime(seenAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM known_devices WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete devices: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM known_devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
