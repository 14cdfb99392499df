package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// SQLiteStore persists plan versions as JSON documents keyed by
// (plan_id, version). The unique key gives Put its must-not-exist
// semantics without an explicit transaction.
type SQLiteStore struct {
	db *sql.DB
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
    CREATE TABLE IF NOT EXISTS plan_versions (
        plan_id TEXT NOT NULL,
        version INTEGER NOT NULL,
        state TEXT NOT NULL,
        document JSON NOT NULL,
        PRIMARY KEY (plan_id, version)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, p *contracts.DatumPlan) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("plan: marshal version: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO plan_versions (plan_id, version, state, document) VALUES (?, ?, ?, ?)`,
		p.PlanID, p.Version, string(p.State), string(doc))
	if err != nil {
		return fmt.Errorf("plan: insert version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.CodeVersionConflict, "plan %q version %d already exists", p.PlanID, p.Version).
			With("plan_id", p.PlanID).With("version", p.Version)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, p *contracts.DatumPlan) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("plan: marshal version: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_versions SET state = ?, document = ? WHERE plan_id = ? AND version = ?`,
		string(p.State), string(doc), p.PlanID, p.Version)
	if err != nil {
		return fmt.Errorf("plan: update version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(p.PlanID, p.Version)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, planID string, version int) (*contracts.DatumPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document FROM plan_versions WHERE plan_id = ? AND version = ?`, planID, version)
	return scanPlan(row, planID, version)
}

func (s *SQLiteStore) Latest(ctx context.Context, planID string) (*contracts.DatumPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document FROM plan_versions WHERE plan_id = ? ORDER BY version DESC LIMIT 1`, planID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.Newf(fault.CodeNotFound, "plan %q not found", planID).With("plan_id", planID)
		}
		return nil, err
	}
	return decodePlan(doc)
}

func (s *SQLiteStore) Versions(ctx context.Context, planID string) ([]*contracts.DatumPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM plan_versions WHERE plan_id = ? ORDER BY version`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DatumPlan
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := decodePlan(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "plan %q not found", planID).With("plan_id", planID)
	}
	return out, nil
}

func scanPlan(row *sql.Row, planID string, version int) (*contracts.DatumPlan, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(planID, version)
		}
		return nil, err
	}
	return decodePlan(doc)
}

func decodePlan(doc string) (*contracts.DatumPlan, error) {
	var p contracts.DatumPlan
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("plan: decode stored version: %w", err)
	}
	return &p, nil
}
