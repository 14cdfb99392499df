package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Service wires the pure plan functions to the version store and the
// audit log. All mutating operations are optimistic: build the next
// version in memory, write with must-not-exist semantics, and let the
// caller retry on VERSION_CONFLICT.
type Service struct {
	store Store
	aud   *audit.Log
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, aud *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, aud: aud, log: logger, now: time.Now}
}

// WithClock substitutes the timestamp source; tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Generate creates plan version 1 from a quote and an optional overlay
// run and persists it.
func (s *Service) Generate(ctx context.Context, quote contracts.Quote, run *contracts.SOERun, actor, role string) (*contracts.DatumPlan, error) {
	p, err := Generate(quote, run)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: p.PlanID,
		Action: "generate", FromState: "", ToState: string(p.State),
		Detail: map[string]any{"version": p.Version, "soe_run_id": p.SOERunID},
	})
	return p, nil
}

// Edit validates the request against the latest version and writes the
// next version. Every attempt is audited, including denials.
func (s *Service) Edit(ctx context.Context, planID string, req EditRequest, actor, role string) (*contracts.DatumPlan, error) {
	current, err := s.store.Latest(ctx, planID)
	if err != nil {
		return nil, err
	}
	if req.EditedBy == "" {
		req.EditedBy = actor
	}

	if _, err := validateEdit(current, req); err != nil {
		s.recordDenied(ctx, current, actor, role, "edit", req.Reason, err)
		return nil, err
	}
	next, err := applyEdit(current, req, s.timestamp())
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, next); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: planID,
		Action: "edit", FromState: string(current.State), ToState: string(next.State),
		Reason: req.Reason,
		Detail: map[string]any{"version": next.Version, "parent_version": current.Version, "overrides": len(req.Overrides)},
	})
	return next, nil
}

// Fork clones the latest approved version into a fresh draft. Overrides
// against an approved ancestor start here; the fork requires approval of
// its own.
func (s *Service) Fork(ctx context.Context, planID, reason, actor, role string) (*contracts.DatumPlan, error) {
	current, err := s.store.Latest(ctx, planID)
	if err != nil {
		return nil, err
	}
	if current.State != contracts.PlanStateApproved {
		err := fault.Newf(fault.CodePlanStateTransitionInvalid,
			"plan %q version %d is %s; only approved versions fork", planID, current.Version, current.State).
			With("plan_id", planID).With("state", string(current.State))
		s.recordDenied(ctx, current, actor, role, "fork", reason, err)
		return nil, err
	}

	next := current.Clone()
	next.Version = current.Version + 1
	next.ParentVersion = current.Version
	next.State = contracts.PlanStateDraft
	next.Locked = false
	next.SubmittedBy, next.SubmittedAt = "", ""
	next.ApprovedBy, next.ApprovedAt = "", ""
	next.EditMetadata = append(next.EditMetadata, contracts.EditMetadata{
		EditedBy:   actor,
		EditedAt:   s.timestamp(),
		EditReason: fmt.Sprintf("forked from approved version %d: %s", current.Version, reason),
	})

	if err := s.store.Put(ctx, next); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: planID,
		Action: "fork", FromState: string(current.State), ToState: string(next.State),
		Reason: reason,
		Detail: map[string]any{"version": next.Version, "parent_version": current.Version},
	})
	return next, nil
}

// Optimize writes a new version whose free steps are reordered for the
// objective. Locked and overlay-sourced steps never move.
func (s *Service) Optimize(ctx context.Context, planID string, objective Objective, actor, role string) (*contracts.DatumPlan, OptimizationSummary, error) {
	current, err := s.store.Latest(ctx, planID)
	if err != nil {
		return nil, OptimizationSummary{}, err
	}
	if current.State != contracts.PlanStateDraft {
		var verr error
		if current.State == contracts.PlanStateApproved {
			verr = approvedImmutable(current)
		} else {
			verr = fault.Newf(fault.CodePlanInvalidEdit, "plan %q version %d is %s; only drafts optimize",
				planID, current.Version, current.State)
		}
		s.recordDenied(ctx, current, actor, role, "optimize", string(objective), verr)
		return nil, OptimizationSummary{}, verr
	}

	steps, summary, err := Optimize(current, objective)
	if err != nil {
		return nil, OptimizationSummary{}, err
	}
	next, err := applyEdit(current, EditRequest{
		Steps:    steps,
		Reason:   fmt.Sprintf("optimize for %s", summary.Objective),
		EditedBy: actor,
	}, s.timestamp())
	if err != nil {
		return nil, OptimizationSummary{}, err
	}
	if err := s.store.Put(ctx, next); err != nil {
		return nil, OptimizationSummary{}, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: planID,
		Action: "optimize", FromState: string(current.State), ToState: string(next.State),
		Detail: map[string]any{"version": next.Version, "objective": string(summary.Objective), "steps_moved": summary.StepsMoved},
	})
	return next, summary, nil
}

// Submit moves the latest draft to submitted.
func (s *Service) Submit(ctx context.Context, planID, reason, actor, role string) (*contracts.DatumPlan, error) {
	return s.transition(ctx, planID, actor, role, reason, "submit", func(p *contracts.DatumPlan) error {
		if p.State != contracts.PlanStateDraft {
			return transitionErr(p, contracts.PlanStateSubmitted)
		}
		p.State = contracts.PlanStateSubmitted
		p.SubmittedBy = actor
		p.SubmittedAt = s.timestamp()
		return nil
	})
}

// Approve moves the latest submitted version to approved and locks it.
func (s *Service) Approve(ctx context.Context, planID, reason, actor, role string) (*contracts.DatumPlan, error) {
	if role != "OPS" && role != "ADMIN" {
		return nil, fault.Newf(fault.CodeInvalid, "role %s cannot approve plans", role)
	}
	return s.transition(ctx, planID, actor, role, reason, "approve", func(p *contracts.DatumPlan) error {
		if p.State != contracts.PlanStateSubmitted {
			return transitionErr(p, contracts.PlanStateApproved)
		}
		p.State = contracts.PlanStateApproved
		p.Locked = true
		p.ApprovedBy = actor
		p.ApprovedAt = s.timestamp()
		return nil
	})
}

// Reject returns the latest submitted version to draft on the same
// version number; the rejection lands in edit metadata.
func (s *Service) Reject(ctx context.Context, planID, reason, actor, role string) (*contracts.DatumPlan, error) {
	if reason == "" {
		return nil, fault.New(fault.CodeInvalid, "reject requires a reason")
	}
	return s.transition(ctx, planID, actor, role, reason, "reject", func(p *contracts.DatumPlan) error {
		if p.State != contracts.PlanStateSubmitted {
			return transitionErr(p, contracts.PlanStateDraft)
		}
		p.State = contracts.PlanStateDraft
		p.EditMetadata = append(p.EditMetadata, contracts.EditMetadata{
			EditedBy:   actor,
			EditedAt:   s.timestamp(),
			EditReason: "rejected: " + reason,
		})
		return nil
	})
}

func (s *Service) Get(ctx context.Context, planID string, version int) (*contracts.DatumPlan, error) {
	return s.store.Get(ctx, planID, version)
}

func (s *Service) Latest(ctx context.Context, planID string) (*contracts.DatumPlan, error) {
	return s.store.Latest(ctx, planID)
}

func (s *Service) Versions(ctx context.Context, planID string) ([]*contracts.DatumPlan, error) {
	return s.store.Versions(ctx, planID)
}

// Diff compares two stored versions of a plan.
func (s *Service) Diff(ctx context.Context, planID string, a, b int) (Diff, error) {
	from, err := s.store.Get(ctx, planID, a)
	if err != nil {
		return Diff{}, err
	}
	to, err := s.store.Get(ctx, planID, b)
	if err != nil {
		return Diff{}, err
	}
	return ComputeDiff(from, to), nil
}

func (s *Service) transition(ctx context.Context, planID, actor, role, reason, action string, apply func(*contracts.DatumPlan) error) (*contracts.DatumPlan, error) {
	current, err := s.store.Latest(ctx, planID)
	if err != nil {
		return nil, err
	}
	from := current.State

	next := current.Clone()
	if err := apply(next); err != nil {
		s.recordDenied(ctx, current, actor, role, action, reason, err)
		return nil, err
	}
	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: planID,
		Action: action, FromState: string(from), ToState: string(next.State),
		Reason: reason,
		Detail: map[string]any{"version": next.Version},
	})
	return next, nil
}

func (s *Service) recordDenied(ctx context.Context, p *contracts.DatumPlan, actor, role, action, reason string, cause error) {
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "plan", EntityID: p.PlanID,
		Action: action, FromState: string(p.State), ToState: string(p.State),
		Reason: reason, Result: audit.ResultDenied,
		Detail: map[string]any{"version": p.Version, "error_code": string(fault.CodeOf(cause))},
	})
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.aud == nil {
		return
	}
	if err := s.aud.Record(ctx, e); err != nil {
		s.log.Error("plan audit record failed", "entity_id", e.EntityID, "error", err)
	}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func transitionErr(p *contracts.DatumPlan, target contracts.PlanState) error {
	if p.State == contracts.PlanStateApproved {
		return approvedImmutable(p)
	}
	return fault.Newf(fault.CodePlanStateTransitionInvalid,
		"plan %q version %d cannot move from %s to %s", p.PlanID, p.Version, p.State, target).
		With("plan_id", p.PlanID).With("version", p.Version).
		With("from", string(p.State)).With("to", string(target))
}
