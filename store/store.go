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

// Package store implements the on-disk evidence store: one row per message,
// one row per transport receipt, plus per-peer channel preferences and
// aggregate per-protocol statistics. The store is a single SQLite file in WAL
// mode; every mutation retries on a busy database with exponential backoff.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/broadcast-dm/go-broadcast/envelope"
)

// busyTimeout is handed to SQLite itself; the retry loop in retry.go sits on
// top of it for the cases where the timeout still fires.
const busyTimeout = 10 * time.Second

// Store is the durable delivery-evidence database. All methods are safe for
// concurrent use; writes are serialized on a single connection.
type Store struct {
	db *sql.DB
}

// StoredMessage is a message row joined with its receipt count.
type StoredMessage struct {
	UUID       string
	Type       string
	Content    string
	Timestamp  int64
	FromMagnet string
	ToMagnet   string
	Receipts   int
}

// Receipt is the evidence that one transport delivered one message.
type Receipt struct {
	MessageUUID string
	Protocol    string
	Server      string // relay/broker/node the copy came through, if meaningful
	ReceivedAt  int64  // milliseconds since epoch
	LatencyMs   int64  // receivedAt - message.timestamp, negative kept verbatim
}

// PeerPreference tracks how well one transport works towards one peer.
// Pointer fields distinguish "not supplied" from zero; unsupplied values are
// preserved on upsert.
type PeerPreference struct {
	Identity        string
	Protocol        string
	IsWorking       bool
	LastAckAt       *int64
	AvgLatencyMs    *int64
	PreferenceOrder *int64
	CannotUse       bool
}

// ProtocolStats is the aggregate send/ack record of one transport.
type ProtocolStats struct {
	Protocol     string
	TotalSent    int64
	TotalAcked   int64
	AvgLatencyMs *int64
	LastUsedAt   int64
}

// Open opens (creating if needed) the evidence store at path and migrates the
// schema. The auxiliary -wal and -shm files appear next to the database file.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		url.PathEscape(path), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open evidence store: %w", err)
	}
	// A single connection serializes all writers, which keeps receipt
	// insertion order deterministic under concurrent arrivals.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveMessage records a message once. Saving the same uuid again is a no-op,
// which makes the call safe to repeat from any transport's inbound path.
func (s *Store) SaveMessage(ctx context.Context, msg *envelope.Message, toMagnet string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (uuid, type, content, timestamp, from_magnet, to_magnet, ack_of_uuid, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.UUID, msg.Type, msg.Content, msg.Timestamp, msg.FromMagnetLink, toMagnet,
			nullable(msg.AckOfUUID), time.Now().UnixMilli())
		return err
	})
}

// HasMessage reports whether a message row exists for uuid.
func (s *Store) HasMessage(ctx context.Context, uuid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE uuid = ?`, uuid).Scan(&n)
	return n > 0, err
}

// SaveReceipt appends one delivery receipt. Receipts are never deduplicated:
// every transport's copy of a message is evidence worth keeping.
func (s *Store) SaveReceipt(ctx context.Context, r Receipt) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO receipts (message_uuid, protocol, server, received_at, latency_ms)
			VALUES (?, ?, ?, ?, ?)`,
			r.MessageUUID, r.Protocol, nullable(r.Server), r.ReceivedAt, r.LatencyMs)
		return err
	})
}

// ReceiptsFor returns every receipt for uuid ordered by arrival, insertion
// order breaking ties. The first element is the first-receipt transport.
func (s *Store) ReceiptsFor(ctx context.Context, uuid string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_uuid, COALESCE(server, ''), protocol, received_at, latency_ms
		FROM receipts WHERE message_uuid = ? ORDER BY received_at, id`, uuid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageUUID, &r.Server, &r.Protocol, &r.ReceivedAt, &r.LatencyMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdatePeerPreference upserts the (identity, protocol) row. Unsupplied
// pointer fields keep whatever the row already holds.
func (s *Store) UpdatePeerPreference(ctx context.Context, p PeerPreference) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peer_channel_prefs (identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity, protocol) DO UPDATE SET
				is_working       = excluded.is_working,
				last_ack_at      = COALESCE(excluded.last_ack_at, last_ack_at),
				avg_latency_ms   = COALESCE(excluded.avg_latency_ms, avg_latency_ms),
				preference_order = COALESCE(excluded.preference_order, preference_order),
				cannot_use       = excluded.cannot_use`,
			p.Identity, p.Protocol, p.IsWorking, p.LastAckAt, p.AvgLatencyMs, p.PreferenceOrder, p.CannotUse)
		return err
	})
}

// PeerPreferences returns the known channel preferences of one peer identity.
func (s *Store) PeerPreferences(ctx context.Context, identity string) ([]PeerPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use
		FROM peer_channel_prefs WHERE identity = ? ORDER BY protocol`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerPreference
	for rows.Next() {
		var p PeerPreference
		if err := rows.Scan(&p.Identity, &p.Protocol, &p.IsWorking, &p.LastAckAt, &p.AvgLatencyMs, &p.PreferenceOrder, &p.CannotUse); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProtocolStats bumps the aggregate counters of one transport after a
// send: totalSent always increments, totalAcked when acked is set. The
// average latency follows the recency-weighted rule new = (prior+sample)/2
// rather than a true mean; see the package documentation in migrate.go.
func (s *Store) UpdateProtocolStats(ctx context.Context, protocol string, acked bool, latencyMs *int64) error {
	ackInc := int64(0)
	if acked {
		ackInc = 1
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO protocol_stats (protocol, total_sent, total_acked, avg_latency_ms, last_used_at)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT(protocol) DO UPDATE SET
				total_sent  = total_sent + 1,
				total_acked = total_acked + excluded.total_acked,
				avg_latency_ms = CASE
					WHEN excluded.avg_latency_ms IS NULL THEN avg_latency_ms
					WHEN avg_latency_ms IS NULL THEN excluded.avg_latency_ms
					ELSE (avg_latency_ms + excluded.avg_latency_ms) / 2
				END,
				last_used_at = excluded.last_used_at`,
			protocol, ackInc, latencyMs, time.Now().UnixMilli())
		return err
	})
}

// Stats returns the aggregate row of one transport, or nil if it never sent.
func (s *Store) Stats(ctx context.Context, protocol string) (*ProtocolStats, error) {
	var st ProtocolStats
	err := s.db.QueryRowContext(ctx, `
		SELECT protocol, total_sent, total_acked, avg_latency_ms, last_used_at
		FROM protocol_stats WHERE protocol = ?`, protocol).
		Scan(&st.Protocol, &st.TotalSent, &st.TotalAcked, &st.AvgLatencyMs, &st.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AllStats returns the aggregate rows of every transport that ever sent.
func (s *Store) AllStats(ctx context.Context) ([]ProtocolStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT protocol, total_sent, total_acked, avg_latency_ms, last_used_at
		FROM protocol_stats ORDER BY protocol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProtocolStats
	for rows.Next() {
		var st ProtocolStats
		if err := rows.Scan(&st.Protocol, &st.TotalSent, &st.TotalAcked, &st.AvgLatencyMs, &st.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAllMessages returns the newest limit messages with their receipt
// counts. This is the explicit whole-history query used by report views.
func (s *Store) ListAllMessages(ctx context.Context, limit int) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.uuid, m.type, m.content, m.timestamp, m.from_magnet, COALESCE(m.to_magnet, ''),
		       (SELECT COUNT(1) FROM receipts r WHERE r.message_uuid = m.uuid)
		FROM messages m ORDER BY m.timestamp DESC, m.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.UUID, &m.Type, &m.Content, &m.Timestamp, &m.FromMagnet, &m.ToMagnet, &m.Receipts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
