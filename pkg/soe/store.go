package soe

import (
	"context"
	"sync"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// RunStore keeps evaluated runs addressable by soe_run_id so plans,
// exports, and integrity checks can resolve them later. Runs are
// content-addressed and immutable, so Put is naturally idempotent.
type RunStore interface {
	Put(ctx context.Context, run *contracts.SOERun) error
	Get(ctx context.Context, runID string) (*contracts.SOERun, error)
}

// MemoryRunStore is the in-process run store.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*contracts.SOERun
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*contracts.SOERun)}
}

func (s *MemoryRunStore) Put(_ context.Context, run *contracts.SOERun) error {
	if run.SOERunID == "" {
		return fault.New(fault.CodeInvalid, "run carries no soe_run_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.SOERunID] = run
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID string) (*contracts.SOERun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "soe run %q not found", runID).With("soe_run_id", runID)
	}
	return run, nil
}
