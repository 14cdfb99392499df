// Package plan implements the governed manufacturing-plan artifact: the
// generator that derives v1 from a quote and an overlay run, the editor
// with override-with-reason policy, the optimizer, the approval state
// machine, and the immutable version store underneath them.
package plan

import (
	"context"
	"sort"
	"sync"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Store persists plan versions. Put writes a version that must not yet
// exist; Update replaces an existing version in place and is reserved for
// the approval state machine, which only moves state, locked, and the
// approval/edit metadata.
type Store interface {
	Put(ctx context.Context, p *contracts.DatumPlan) error
	Update(ctx context.Context, p *contracts.DatumPlan) error
	Get(ctx context.Context, planID string, version int) (*contracts.DatumPlan, error)
	Latest(ctx context.Context, planID string) (*contracts.DatumPlan, error)
	Versions(ctx context.Context, planID string) ([]*contracts.DatumPlan, error)
}

// MemoryStore is the in-process store used by tests and the default
// server configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]map[int]*contracts.DatumPlan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]map[int]*contracts.DatumPlan)}
}

func (s *MemoryStore) Put(_ context.Context, p *contracts.DatumPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.plans[p.PlanID]
	if !ok {
		versions = make(map[int]*contracts.DatumPlan)
		s.plans[p.PlanID] = versions
	}
	if _, exists := versions[p.Version]; exists {
		return fault.Newf(fault.CodeVersionConflict, "plan %q version %d already exists", p.PlanID, p.Version).
			With("plan_id", p.PlanID).With("version", p.Version)
	}
	versions[p.Version] = p.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, p *contracts.DatumPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.plans[p.PlanID]
	if _, exists := versions[p.Version]; !exists {
		return notFound(p.PlanID, p.Version)
	}
	versions[p.Version] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, planID string, version int) (*contracts.DatumPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID][version]
	if !ok {
		return nil, notFound(planID, version)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Latest(_ context.Context, planID string) (*contracts.DatumPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.plans[planID]
	if len(versions) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "plan %q not found", planID).With("plan_id", planID)
	}
	max := 0
	for v := range versions {
		if v > max {
			max = v
		}
	}
	return versions[max].Clone(), nil
}

func (s *MemoryStore) Versions(_ context.Context, planID string) ([]*contracts.DatumPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.plans[planID]
	if len(versions) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "plan %q not found", planID).With("plan_id", planID)
	}
	out := make([]*contracts.DatumPlan, 0, len(versions))
	for _, p := range versions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func notFound(planID string, version int) error {
	return fault.Newf(fault.CodeNotFound, "plan %q version %d not found", planID, version).
		With("plan_id", planID).With("version", version)
}
