// Package sqlitestore is the embedded, zero-external-dependency EventStore
// backend: a WAL-mode SQLite database with a single writer connection and a
// SHA-256 hash-chained gateway_events table. It is the gateway's default
// store.
package sqlitestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/gateway/internal/ids"
	"github.com/tripwire/gateway/internal/store"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// GenesisHash is the prev_hash of the very first event appended to a fresh
// store.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ddl is the schema, applied idempotently on every Open. Column names match
// the logical gateway_events schema described in spec §6.
const ddl = `
CREATE TABLE IF NOT EXISTS gateway_events (
    seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id            TEXT    NOT NULL,
    request_id          TEXT    NOT NULL,
    trace_id            TEXT    NOT NULL,
    client_id           TEXT    NOT NULL DEFAULT '',
    target_id           TEXT    NOT NULL DEFAULT '',
    event_kind          TEXT    NOT NULL,
    method              TEXT    NOT NULL DEFAULT '',
    ts                  TEXT    NOT NULL,
    latency_ms          INTEGER,
    upstream_latency_ms INTEGER,
    decision            TEXT    NOT NULL DEFAULT '',
    deny_reason         TEXT    NOT NULL DEFAULT '',
    error               TEXT    NOT NULL DEFAULT '',
    status_code         INTEGER,
    metadata_json       TEXT    NOT NULL DEFAULT '{}',
    prev_hash           TEXT    NOT NULL,
    event_hash          TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gateway_events_request_id ON gateway_events (request_id);
CREATE INDEX IF NOT EXISTS idx_gateway_events_client_ts ON gateway_events (client_id, ts);
CREATE INDEX IF NOT EXISTS idx_gateway_events_kind_ts ON gateway_events (event_kind, ts);
CREATE INDEX IF NOT EXISTS idx_gateway_events_target_ts ON gateway_events (target_id, ts);
`

// Store is a WAL-mode SQLite-backed store.EventStore. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB

	mu       sync.Mutex // serializes AppendEvent to maintain the hash chain
	prevHash string
	seq      int64

	dropped atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL mode, and
// applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single-connection pool
	// serializes AppendEvent calls through this connection rather than
	// surfacing "database is locked" errors under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	s := &Store{db: db, prevHash: GenesisHash}

	row := db.QueryRow(`SELECT seq, event_hash FROM gateway_events ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		s.seq = seq
		s.prevHash = hash
	case sql.ErrNoRows:
		// fresh store, genesis state already set
	default:
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: restore chain head: %w", err)
	}

	return s, nil
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(ctx context.Context, fields store.EventFields) (store.GatewayEvent, error) {
	metadata := fields.MetadataJSON
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	eventID := ids.NewEventID()
	ts := time.Now().UTC()
	prevHash := s.prevHash

	e := store.GatewayEvent{
		Seq:               seq,
		EventID:           eventID,
		RequestID:         fields.RequestID,
		TraceID:           fields.TraceID,
		ClientID:          fields.ClientID,
		Target:            fields.Target,
		Kind:              fields.Kind,
		Method:            fields.Method,
		Timestamp:         ts,
		LatencyMs:         fields.LatencyMs,
		UpstreamLatencyMs: fields.UpstreamLatencyMs,
		Decision:          fields.Decision,
		DenyReason:        fields.DenyReason,
		ErrorMessage:      fields.ErrorMessage,
		StatusCode:        fields.StatusCode,
		MetadataJSON:      metadata,
		PrevHash:          prevHash,
	}
	e.EventHash = hashContent(e)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_events (
		    seq, event_id, request_id, trace_id, client_id, target_id, event_kind, method, ts,
		    latency_ms, upstream_latency_ms, decision, deny_reason, error, status_code, metadata_json,
		    prev_hash, event_hash
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.EventID, e.RequestID, e.TraceID, e.ClientID, e.Target, string(e.Kind), e.Method, e.Timestamp.Format(time.RFC3339Nano),
		e.LatencyMs, e.UpstreamLatencyMs, e.Decision, e.DenyReason, e.ErrorMessage, e.StatusCode, string(e.MetadataJSON),
		e.PrevHash, e.EventHash,
	)
	if err != nil {
		return store.GatewayEvent{}, fmt.Errorf("sqlitestore: append event: %w", err)
	}

	s.seq = seq
	s.prevHash = e.EventHash

	return e, nil
}

// Query implements store.EventStore.
func (s *Store) Query(ctx context.Context, q store.EventQuery) ([]store.GatewayEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where := "WHERE ts >= ? AND ts < ?"
	args := []any{q.From.UTC().Format(time.RFC3339Nano), q.To.UTC().Format(time.RFC3339Nano)}

	if q.Target != "" {
		where += " AND target_id = ?"
		args = append(args, q.Target)
	}
	if q.ClientID != "" {
		where += " AND client_id = ?"
		args = append(args, q.ClientID)
	}
	if len(q.Kinds) > 0 {
		placeholders := ""
		for i, k := range q.Kinds {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(k))
		}
		where += " AND event_kind IN (" + placeholders + ")"
	}

	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT seq, event_id, request_id, trace_id, client_id, target_id, event_kind, method, ts,
		       latency_ms, upstream_latency_ms, decision, deny_reason, error, status_code, metadata_json,
		       prev_hash, event_hash
		FROM   gateway_events
		%s
		ORDER  BY seq ASC
		LIMIT  ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	var events []store.GatewayEvent
	for rows.Next() {
		e, tsStr, metadata, kind, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.Kind = store.EventKind(kind)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse timestamp: %w", err)
		}
		e.MetadataJSON = json.RawMessage(metadata)
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanEvent centralizes the column list shared by Query and VerifyChain.
func scanEvent(scan func(dest ...any) error) (store.GatewayEvent, string, string, string, error) {
	var e store.GatewayEvent
	var kind, tsStr, metadata string
	err := scan(
		&e.Seq, &e.EventID, &e.RequestID, &e.TraceID, &e.ClientID, &e.Target, &kind, &e.Method, &tsStr,
		&e.LatencyMs, &e.UpstreamLatencyMs, &e.Decision, &e.DenyReason, &e.ErrorMessage, &e.StatusCode, &metadata,
		&e.PrevHash, &e.EventHash,
	)
	return e, tsStr, metadata, kind, err
}

// VerifyChain implements store.EventStore.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, request_id, trace_id, client_id, target_id, event_kind, method, ts,
		       latency_ms, upstream_latency_ms, decision, deny_reason, error, status_code, metadata_json,
		       prev_hash, event_hash
		FROM gateway_events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("sqlitestore: verify chain query: %w", err)
	}
	defer rows.Close()

	prevHash := GenesisHash
	for rows.Next() {
		e, tsStr, metadata, kind, err := scanEvent(rows.Scan)
		if err != nil {
			return fmt.Errorf("sqlitestore: verify chain scan: %w", err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("sqlitestore: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		e.Kind = store.EventKind(kind)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return fmt.Errorf("sqlitestore: verify chain parse timestamp: %w", err)
		}
		e.MetadataJSON = json.RawMessage(metadata)
		storedHash := e.EventHash
		computed := hashContent(e)
		if computed != storedHash {
			return fmt.Errorf("sqlitestore: hash mismatch at seq %d: stored %q, computed %q", e.Seq, storedHash, computed)
		}
		prevHash = storedHash
	}
	return rows.Err()
}

// Diagnose implements store.EventStore.
func (s *Store) Diagnose(ctx context.Context) (store.Diagnostics, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateway_events`).Scan(&total); err != nil {
		return store.Diagnostics{}, fmt.Errorf("sqlitestore: diagnose count: %w", err)
	}
	chainErr := s.VerifyChain(ctx)
	return store.Diagnostics{
		TotalEvents:   total,
		DroppedEvents: s.dropped.Load(),
		ChainIntact:   chainErr == nil,
	}, nil
}

// Repair re-applies the schema DDL (idempotent) and runs SQLite's integrity
// check, returning the first problem reported. Tamper-evident chain breaks
// are not auto-repaired: VerifyChain is the operator's signal to restore
// from a backup rather than Repair masking lost integrity.
func (s *Store) Repair(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlitestore: repair schema: %w", err)
	}
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("sqlitestore: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlitestore: integrity check failed: %s", result)
	}
	return nil
}

// MarkDropped increments the dropped-event counter reported by Diagnose.
// audit.Logger calls it whenever AppendEvent fails; the gateway then
// proceeds without that event.
func (s *Store) MarkDropped() {
	s.dropped.Add(1)
}

// Close implements store.EventStore.
func (s *Store) Close() error {
	return s.db.Close()
}

// hashContent computes the tamper-evident SHA-256 digest for e, covering
// every field except EventHash itself.
func hashContent(e store.GatewayEvent) string {
	content := struct {
		Seq               int64           `json:"seq"`
		EventID           string          `json:"event_id"`
		RequestID         string          `json:"request_id"`
		TraceID           string          `json:"trace_id"`
		ClientID          string          `json:"client_id"`
		Target            string          `json:"target_id"`
		Kind              string          `json:"event_kind"`
		Method            string          `json:"method"`
		Ts                time.Time       `json:"ts"`
		LatencyMs         *int64          `json:"latency_ms"`
		UpstreamLatencyMs *int64          `json:"upstream_latency_ms"`
		Decision          string          `json:"decision"`
		DenyReason        string          `json:"deny_reason"`
		Error             string          `json:"error"`
		StatusCode        *int            `json:"status_code"`
		MetadataJSON      json.RawMessage `json:"metadata_json"`
		PrevHash          string          `json:"prev_hash"`
	}{
		e.Seq, e.EventID, e.RequestID, e.TraceID, e.ClientID, e.Target, string(e.Kind), e.Method, e.Timestamp,
		e.LatencyMs, e.UpstreamLatencyMs, e.Decision, e.DenyReason, e.ErrorMessage, e.StatusCode, e.MetadataJSON,
		e.PrevHash,
	}

	raw, err := json.Marshal(content)
	if err != nil {
		// content's fields are all JSON-serialisable; unreachable in practice.
		panic(fmt.Sprintf("sqlitestore: marshal hash content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
