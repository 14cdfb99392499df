package soe

import (
	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Manifest is an exportable audit summary of one overlay run: every
// decision with its traceability, hashed as a unit so the manifest can be
// compared across regenerations.
type Manifest struct {
	SOERunID        string                        `json:"soe_run_id"`
	IndustryProfile string                        `json:"industry_profile"`
	HardwareClass   string                        `json:"hardware_class,omitempty"`
	ActivePacks     []string                      `json:"active_packs"`
	ProfileStack    []contracts.ProfileStackEntry `json:"profile_stack"`
	Entries         []ManifestEntry               `json:"entries"`
	ManifestHash    string                        `json:"manifest_hash"`
}

type ManifestEntry struct {
	DecisionID  string   `json:"decision_id"`
	Action      string   `json:"action"`
	ObjectType  string   `json:"object_type"`
	ObjectID    string   `json:"object_id"`
	RuleID      string   `json:"rule_id"`
	PackID      string   `json:"pack_id"`
	Citations   []string `json:"citations"`
	Explanation string   `json:"explanation"`
}

// BuildManifest derives the audit manifest from a run. Pure function.
func BuildManifest(run *contracts.SOERun) (*Manifest, error) {
	entries := make([]ManifestEntry, 0, len(run.Decisions))
	for _, d := range run.Decisions {
		entries = append(entries, ManifestEntry{
			DecisionID:  d.ID,
			Action:      string(d.Action),
			ObjectType:  d.ObjectType,
			ObjectID:    d.ObjectID,
			RuleID:      d.Why.RuleID,
			PackID:      d.Why.PackID,
			Citations:   d.Why.Citations,
			Explanation: d.Explanation,
		})
	}
	m := &Manifest{
		SOERunID:        run.SOERunID,
		IndustryProfile: run.IndustryProfile,
		HardwareClass:   run.HardwareClass,
		ActivePacks:     run.ActivePacks,
		ProfileStack:    run.ProfileStack,
		Entries:         entries,
	}
	hash, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "hash manifest", err)
	}
	m.ManifestHash = hash
	return m, nil
}
