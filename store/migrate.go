// Copyright 2025 The go-broadcast Authors
// This file is part of the go-broadcast library.
//
// The go-broadcast library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-broadcast library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-broadcast library. If not, see <http://www.gnu.org/licenses/>.

package store

import "fmt"

// Schema notes.
//
// protocol_stats.avg_latency_ms is a recency-weighted estimator, not a true
// mean: each sample folds in as (prior+sample)/2 with floor division. Existing
// databases were written with this rule, so it is kept bit-for-bit even though
// a running mean would be more obvious.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY,
		uuid        TEXT    NOT NULL UNIQUE,
		type        TEXT    NOT NULL,
		content     TEXT    NOT NULL,
		timestamp   INTEGER NOT NULL,
		from_magnet TEXT    NOT NULL,
		to_magnet   TEXT,
		ack_of_uuid TEXT,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_uuid ON messages(uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from_to ON messages(from_magnet, to_magnet)`,

	`CREATE TABLE IF NOT EXISTS receipts (
		id           INTEGER PRIMARY KEY,
		message_uuid TEXT    NOT NULL,
		protocol     TEXT    NOT NULL,
		received_at  INTEGER NOT NULL,
		latency_ms   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_uuid ON receipts(message_uuid)`,

	`CREATE TABLE IF NOT EXISTS peer_channel_prefs (
		id               INTEGER PRIMARY KEY,
		identity         TEXT    NOT NULL,
		protocol         TEXT    NOT NULL,
		is_working       INTEGER NOT NULL DEFAULT 0,
		last_ack_at      INTEGER,
		avg_latency_ms   INTEGER,
		preference_order INTEGER,
		cannot_use       INTEGER NOT NULL DEFAULT 0,
		UNIQUE(identity, protocol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prefs_identity ON peer_channel_prefs(identity)`,

	`CREATE TABLE IF NOT EXISTS protocol_stats (
		id             INTEGER PRIMARY KEY,
		protocol       TEXT    NOT NULL UNIQUE,
		total_sent     INTEGER NOT NULL DEFAULT 0,
		total_acked    INTEGER NOT NULL DEFAULT 0,
		avg_latency_ms INTEGER,
		last_used_at   INTEGER NOT NULL
	)`,
}

// migrate creates missing tables and applies detect-and-add column upgrades.
// Early databases predate the receipts.server column; any future column
// follows the same pattern.
func (s *Store) migrate() error {
	for _, stmt := range schema {
		if err := s.withRetry(noCtx, func() error {
			_, err := s.db.Exec(stmt)
			return err
		}); err != nil {
			return fmt.Errorf("migrate evidence store: %w", err)
		}
	}
	if err := s.addColumnIfMissing("receipts", "server", "TEXT"); err != nil {
		return err
	}
	return s.createIndexIfMissing("idx_receipts_server", "receipts", "server")
}

func (s *Store) addColumnIfMissing(table, column, typ string) error {
	has, err := s.hasColumn(table, column)
	if err != nil || has {
		return err
	}
	return s.withRetry(noCtx, func() error {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
		return err
	})
}

func (s *Store) createIndexIfMissing(name, table, column string) error {
	return s.withRetry(noCtx, func() error {
		_, err := s.db.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, column))
		return err
	})
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
