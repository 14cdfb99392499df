package profile

import (
	"sort"

	"github.com/datumfab/datum/pkg/contracts"
)

// VersionDiff summarizes what changed between two versions of a profile.
type VersionDiff struct {
	ProfileID       string   `json:"profile_id"`
	FromVersion     string   `json:"from_version"`
	ToVersion       string   `json:"to_version"`
	PacksAdded      []string `json:"packs_added"`
	PacksRemoved    []string `json:"packs_removed"`
	ParentsAdded    []string `json:"parents_added"`
	ParentsRemoved  []string `json:"parents_removed"`
	StandardsAdded  []string `json:"standards_added"`
	StandardsRemoved []string `json:"standards_removed"`
	PolicyChanged   bool     `json:"policy_changed"`
}

// Diff compares two versions of the same profile. Output lists are sorted
// so the diff itself is deterministic.
func Diff(from, to *contracts.StandardsProfile) VersionDiff {
	d := VersionDiff{
		ProfileID:   from.ProfileID,
		FromVersion: from.Version,
		ToVersion:   to.Version,
	}
	d.PacksAdded, d.PacksRemoved = setDiff(from.DefaultPacks, to.DefaultPacks)
	d.ParentsAdded, d.ParentsRemoved = setDiff(from.ParentProfileIDs, to.ParentProfileIDs)
	d.StandardsAdded, d.StandardsRemoved = setDiff(from.SourceStandards, to.SourceStandards)
	d.PolicyChanged = from.OverrideMode != to.OverrideMode || from.ConflictPolicy != to.ConflictPolicy
	return d
}

func setDiff(from, to []string) (added, removed []string) {
	inFrom := make(map[string]bool, len(from))
	for _, s := range from {
		inFrom[s] = true
	}
	inTo := make(map[string]bool, len(to))
	for _, s := range to {
		inTo[s] = true
	}
	added, removed = []string{}, []string{}
	for s := range inTo {
		if !inFrom[s] {
			added = append(added, s)
		}
	}
	for s := range inFrom {
		if !inTo[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
