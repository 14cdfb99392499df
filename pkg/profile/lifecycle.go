// Package profile governs standards-profile lifecycle, versioning, and
// bundles. Profiles move draft → submitted → approved/rejected →
// deprecated; an approved version is immutable and corrections happen by
// cutting a new semver version.
package profile

import (
	"context"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Bump selects which semver component a new version increments.
type Bump string

const (
	BumpMajor Bump = "major"
	BumpMinor Bump = "minor"
	BumpPatch Bump = "patch"
)

type Service struct {
	cat catalog.Catalog
	aud *audit.Log
	log *slog.Logger
	now func() time.Time
}

func NewService(cat catalog.Catalog, aud *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cat: cat, aud: aud, log: logger, now: time.Now}
}

// WithClock substitutes the timestamp source; tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit moves a draft profile version to submitted.
func (s *Service) Submit(ctx context.Context, profileID, version, actor, role, reason string) (*contracts.StandardsProfile, error) {
	return s.transition(ctx, profileID, version, actor, role, reason, "submit",
		contracts.ProfileStateSubmitted,
		func(p *contracts.StandardsProfile) error {
			if p.State != contracts.ProfileStateDraft {
				return transitionErr(p, contracts.ProfileStateSubmitted)
			}
			p.State = contracts.ProfileStateSubmitted
			p.SubmittedBy = actor
			p.SubmittedAt = s.timestamp()
			return nil
		})
}

// Approve moves a submitted profile version to approved. Approved
// versions are immutable from this point on.
func (s *Service) Approve(ctx context.Context, profileID, version, actor, role, reason string) (*contracts.StandardsProfile, error) {
	return s.transition(ctx, profileID, version, actor, role, reason, "approve",
		contracts.ProfileStateApproved,
		func(p *contracts.StandardsProfile) error {
			if p.State != contracts.ProfileStateSubmitted {
				return transitionErr(p, contracts.ProfileStateApproved)
			}
			p.State = contracts.ProfileStateApproved
			p.ApprovedBy = actor
			p.ApprovedAt = s.timestamp()
			return nil
		})
}

// Reject moves a submitted profile version back to rejected. A reason is
// mandatory.
func (s *Service) Reject(ctx context.Context, profileID, version, actor, role, reason string) (*contracts.StandardsProfile, error) {
	if reason == "" {
		return nil, fault.New(fault.CodeInvalid, "reject requires a reason")
	}
	return s.transition(ctx, profileID, version, actor, role, reason, "reject",
		contracts.ProfileStateRejected,
		func(p *contracts.StandardsProfile) error {
			if p.State != contracts.ProfileStateSubmitted {
				return transitionErr(p, contracts.ProfileStateRejected)
			}
			p.State = contracts.ProfileStateRejected
			p.RejectedBy = actor
			p.RejectedAt = s.timestamp()
			p.RejectReason = reason
			return nil
		})
}

// Deprecate retires an approved profile version. This is the only state
// an approved version may move to.
func (s *Service) Deprecate(ctx context.Context, profileID, version, actor, role, reason, supersededBy string) (*contracts.StandardsProfile, error) {
	return s.transition(ctx, profileID, version, actor, role, reason, "deprecate",
		contracts.ProfileStateDeprecated,
		func(p *contracts.StandardsProfile) error {
			if p.State != contracts.ProfileStateApproved {
				return transitionErr(p, contracts.ProfileStateDeprecated)
			}
			p.State = contracts.ProfileStateDeprecated
			p.DeprecatedAt = s.timestamp()
			p.SupersededBy = supersededBy
			return nil
		})
}

// NewVersion clones the latest version of a profile into a new draft with
// a bumped semver and parent_version set. The mutate callback applies the
// caller's changes to the fresh draft before it is written.
func (s *Service) NewVersion(ctx context.Context, profileID string, bump Bump, actor, role string, mutate func(*contracts.StandardsProfile)) (*contracts.StandardsProfile, error) {
	latest, err := s.cat.Profile(profileID)
	if err != nil {
		return nil, err
	}
	current, err := semver.NewVersion(latest.Version)
	if err != nil {
		return nil, fault.Newf(fault.CodeInternal, "profile %q carries non-semver version %q", profileID, latest.Version)
	}

	var next semver.Version
	switch bump {
	case BumpMajor:
		next = current.IncMajor()
	case BumpPatch:
		next = current.IncPatch()
	default:
		next = current.IncMinor()
	}

	draft := *latest
	draft.ParentProfileIDs = append([]string(nil), latest.ParentProfileIDs...)
	draft.DefaultPacks = append([]string(nil), latest.DefaultPacks...)
	draft.SourceStandards = append([]string(nil), latest.SourceStandards...)
	draft.Version = next.String()
	draft.ParentVersion = latest.Version
	draft.State = contracts.ProfileStateDraft
	draft.SubmittedBy, draft.SubmittedAt = "", ""
	draft.ApprovedBy, draft.ApprovedAt = "", ""
	draft.RejectedBy, draft.RejectedAt, draft.RejectReason = "", "", ""
	draft.DeprecatedAt, draft.SupersededBy = "", ""
	if mutate != nil {
		mutate(&draft)
	}
	// The clone keeps id and type; a mutate that changed them would break
	// version lineage.
	draft.ProfileID = latest.ProfileID
	draft.ProfileType = latest.ProfileType

	if err := s.cat.PutProfileVersion(&draft); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "profile", EntityID: profileID,
		Action: "new_version", FromState: string(latest.State), ToState: string(draft.State),
		Detail: map[string]any{"version": draft.Version, "parent_version": latest.Version},
	})
	return &draft, nil
}

// Versions lists all versions of a profile, semver ascending.
func (s *Service) Versions(profileID string) ([]*contracts.StandardsProfile, error) {
	return s.cat.ProfileVersions(profileID)
}

// CreateBundle registers a named profile id set after checking that every
// referenced profile exists.
func (s *Service) CreateBundle(ctx context.Context, b *contracts.ProfileBundle, actor, role string) error {
	if b.BundleID == "" || len(b.ProfileIDs) == 0 {
		return fault.New(fault.CodeInvalid, "bundle requires an id and at least one profile id")
	}
	for _, id := range b.ProfileIDs {
		if _, err := s.cat.Profile(id); err != nil {
			return fault.Newf(fault.CodeInvalid, "bundle references unknown profile %q", id)
		}
	}
	if err := s.cat.PutBundle(b); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "bundle", EntityID: b.BundleID, Action: "create",
		Detail: map[string]any{"profile_ids": b.ProfileIDs},
	})
	return nil
}

func (s *Service) transition(ctx context.Context, profileID, version, actor, role, reason, action string,
	target contracts.ProfileState, apply func(*contracts.StandardsProfile) error) (*contracts.StandardsProfile, error) {

	p, err := s.loadVersion(profileID, version)
	if err != nil {
		return nil, err
	}
	from := p.State

	updated := *p
	if err := apply(&updated); err != nil {
		s.record(ctx, audit.Entry{
			Actor: actor, Role: role, Entity: "profile", EntityID: profileID,
			Action: action, FromState: string(from), ToState: string(from),
			Reason: reason, Result: audit.ResultDenied,
			Detail: map[string]any{"version": p.Version},
		})
		return nil, err
	}
	if err := s.cat.UpdateProfileVersion(&updated); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Actor: actor, Role: role, Entity: "profile", EntityID: profileID,
		Action: action, FromState: string(from), ToState: string(updated.State),
		Reason: reason,
		Detail: map[string]any{"version": updated.Version},
	})
	return &updated, nil
}

func (s *Service) loadVersion(profileID, version string) (*contracts.StandardsProfile, error) {
	if version == "" {
		return s.cat.Profile(profileID)
	}
	return s.cat.ProfileVersion(profileID, version)
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.aud == nil {
		return
	}
	if err := s.aud.Record(ctx, e); err != nil {
		s.log.Error("profile audit record failed", "entity_id", e.EntityID, "error", err)
	}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func transitionErr(p *contracts.StandardsProfile, target contracts.ProfileState) error {
	return fault.Newf(fault.CodeProfileStateTransitionInvalid,
		"profile %q version %s cannot move from %s to %s", p.ProfileID, p.Version, p.State, target).
		With("profile_id", p.ProfileID).With("version", p.Version).
		With("from", string(p.State)).With("to", string(target))
}
