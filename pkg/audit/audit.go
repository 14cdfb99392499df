// Package audit provides the append-only, hash-chained audit log. Every
// mutation attempt in the system lands here, including denied ones; for a
// denial the from and to state are equal and Result is "denied".
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datumfab/datum/pkg/canonicalize"
)

const (
	ResultOK     = "ok"
	ResultDenied = "denied"
)

// genesisHash anchors the first entry of a chain.
const genesisHash = "genesis"

// Entry is one audit record. EntryHash covers every field except itself,
// and PreviousHash links to the prior entry, so any rewrite of history is
// detectable.
type Entry struct {
	EntryID   string         `json:"entry_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Role      string         `json:"role"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Reason    string         `json:"reason,omitempty"`
	Result    string         `json:"result"`
	Detail    map[string]any `json:"detail,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// hashFields returns the canonical content the entry hash covers.
func (e *Entry) hashFields() map[string]any {
	return map[string]any{
		"entry_id":      e.EntryID,
		"seq":           e.Seq,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":         e.Actor,
		"role":          e.Role,
		"entity":        e.Entity,
		"entity_id":     e.EntityID,
		"action":        e.Action,
		"from_state":    e.FromState,
		"to_state":      e.ToState,
		"reason":        e.Reason,
		"result":        e.Result,
		"detail":        e.Detail,
		"previous_hash": e.PreviousHash,
	}
}

func (e *Entry) computeHash() (string, error) {
	return canonicalize.CanonicalHash(e.hashFields())
}

// Store persists entries and exposes chain verification.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, entityID string) ([]Entry, error)
	ListAll(ctx context.Context) ([]Entry, error)
	VerifyChain(ctx context.Context) (*VerifyResult, error)
}

// VerifyResult reports the outcome of walking the full chain.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	BrokenSeq  int64  `json:"broken_seq,omitempty"`
	BrokenHash string `json:"broken_hash,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Log is the write front door: it stamps ids and timestamps, appends to
// the store, and mirrors each event to structured logging.
type Log struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewLog(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, log: logger, now: time.Now}
}

// WithClock substitutes the timestamp source; tests use this.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record appends the entry. Append failures are surfaced to the caller:
// an unauditable mutation must not proceed.
func (l *Log) Record(ctx context.Context, e Entry) error {
	e.EntryID = uuid.NewString()
	e.Timestamp = l.now().UTC()
	if e.Result == "" {
		e.Result = ResultOK
	}
	if err := l.store.Append(ctx, &e); err != nil {
		l.log.Error("audit append failed", "entity", e.Entity, "entity_id", e.EntityID, "action", e.Action, "error", err)
		return err
	}
	l.log.Info("audit",
		"entity", e.Entity,
		"entity_id", e.EntityID,
		"action", e.Action,
		"from", e.FromState,
		"to", e.ToState,
		"result", e.Result,
		"actor", e.Actor,
	)
	return nil
}

func (l *Log) Store() Store { return l.store }
