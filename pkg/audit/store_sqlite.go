package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the audit chain in a single table. Appends are
// serialized through a mutex so the previous-hash link is race free even
// across goroutines sharing one store.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        seq INTEGER PRIMARY KEY,
        entry_id TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        actor TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT '',
        entity TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        action TEXT NOT NULL,
        from_state TEXT NOT NULL DEFAULT '',
        to_state TEXT NOT NULL DEFAULT '',
        reason TEXT NOT NULL DEFAULT '',
        result TEXT NOT NULL,
        detail JSON,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq sql.NullInt64
	var head sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT seq, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&seq, &head); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("audit: read chain head: %w", err)
	}

	e.Seq = seq.Int64 + 1
	e.PreviousHash = genesisHash
	if head.Valid {
		e.PreviousHash = head.String
	}
	hash, err := e.computeHash()
	if err != nil {
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	e.EntryHash = hash

	detailJSON, _ := json.Marshal(e.Detail)
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_entries (
        seq, entry_id, timestamp, actor, role, entity, entity_id, action,
        from_state, to_state, reason, result, detail, previous_hash, entry_hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, e.Role,
		e.Entity, e.EntityID, e.Action, e.FromState, e.ToState, e.Reason, e.Result,
		string(detailJSON), e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, entityID string) ([]Entry, error) {
	return s.query(ctx, `SELECT seq, entry_id, timestamp, actor, role, entity, entity_id, action,
        from_state, to_state, reason, result, detail, previous_hash, entry_hash
        FROM audit_entries WHERE entity_id = ? ORDER BY seq`, entityID)
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `SELECT seq, entry_id, timestamp, actor, role, entity, entity_id, action,
        from_state, to_state, reason, result, detail, previous_hash, entry_hash
        FROM audit_entries ORDER BY seq`)
}

func (s *SQLiteStore) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	entries, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var detailJSON sql.NullString
		if err := rows.Scan(&e.Seq, &e.EntryID, &ts, &e.Actor, &e.Role, &e.Entity, &e.EntityID,
			&e.Action, &e.FromState, &e.ToState, &e.Reason, &e.Result, &detailJSON,
			&e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if detailJSON.Valid && detailJSON.String != "" && detailJSON.String != "null" {
			_ = json.Unmarshal([]byte(detailJSON.String), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
