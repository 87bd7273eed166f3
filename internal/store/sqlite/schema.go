// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; user_version tracks the last applied index.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		mac_address        TEXT,
		ip_address         TEXT NOT NULL DEFAULT '',
		hostname           TEXT NOT NULL DEFAULT '',
		client_group       TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'Unknown',
		last_seen_at       TEXT NOT NULL DEFAULT '',
		assigned_layout_id TEXT NOT NULL DEFAULT '',
		device_info        TEXT NOT NULL DEFAULT '',
		metadata           TEXT NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_mac ON clients(mac_address) WHERE mac_address IS NOT NULL;

	CREATE TABLE IF NOT EXISTS layouts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		elements   TEXT NOT NULL DEFAULT '[]',
		tags       TEXT NOT NULL DEFAULT '[]',
		category   TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL DEFAULT 1,
		created    TEXT NOT NULL DEFAULT '',
		modified   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		layout_id    TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		client_group TEXT NOT NULL DEFAULT '',
		priority     INTEGER NOT NULL DEFAULT 0,
		start_time   TEXT NOT NULL,
		end_time     TEXT NOT NULL,
		days_of_week TEXT NOT NULL DEFAULT '[]',
		valid_from   TEXT,
		valid_until  TEXT,
		is_active    INTEGER NOT NULL DEFAULT 1,
		modified     TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS registration_tokens (
		fingerprint           TEXT PRIMARY KEY,
		expires_at            TEXT NOT NULL,
		max_uses              INTEGER NOT NULL DEFAULT 1,
		used_count            INTEGER NOT NULL DEFAULT 0,
		restricted_to_group   TEXT NOT NULL DEFAULT '',
		restricted_to_location TEXT NOT NULL DEFAULT '',
		restricted_to_mac     TEXT NOT NULL DEFAULT '',
		is_active             INTEGER NOT NULL DEFAULT 1,
		created_at            TEXT NOT NULL DEFAULT '',
		CHECK (used_count <= max_uses)
	);

	CREATE TABLE IF NOT EXISTS operator_registrations (
		id                TEXT PRIMARY KEY,
		device_identifier TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'Pending',
		token_fingerprint TEXT NOT NULL DEFAULT '',
		permissions       TEXT NOT NULL DEFAULT '[]',
		registered_at     TEXT NOT NULL DEFAULT '',
		approved_at       TEXT,
		last_seen_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_operators_token_fp ON operator_registrations(token_fingerprint);`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("bump user_version: %w", err)
		}
	}
	return nil
}
