// Package catalog holds the shared library data the engine evaluates
// against: standards packs, standards profiles, industry profiles, and
// profile bundles. The catalog is read-only at request time; writes go
// through the administrative paths (profile lifecycle, bundle creation).
package catalog

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Reader is the read surface the SOE engine and report renderers depend on.
type Reader interface {
	Pack(packID string) (*contracts.StandardsPack, error)
	Profile(profileID string) (*contracts.StandardsProfile, error)
	ProfileVersion(profileID, version string) (*contracts.StandardsProfile, error)
	ProfileVersions(profileID string) ([]*contracts.StandardsProfile, error)
	Industry(industryID string) (*contracts.IndustryProfile, error)
	Bundle(bundleID string) (*contracts.ProfileBundle, error)
}

// Writer is the administrative write surface.
type Writer interface {
	PutPack(p *contracts.StandardsPack) error
	PutProfileVersion(p *contracts.StandardsProfile) error
	UpdateProfileVersion(p *contracts.StandardsProfile) error
	PutIndustry(p *contracts.IndustryProfile) error
	PutBundle(b *contracts.ProfileBundle) error
}

type Catalog interface {
	Reader
	Writer
}

// Memory is the in-process catalog. Profile versions are kept per id and
// ordered by semver; Profile returns the highest version.
type Memory struct {
	mu         sync.RWMutex
	packs      map[string]*contracts.StandardsPack
	profiles   map[string][]*contracts.StandardsProfile
	industries map[string]*contracts.IndustryProfile
	bundles    map[string]*contracts.ProfileBundle
}

func NewMemory() *Memory {
	return &Memory{
		packs:      make(map[string]*contracts.StandardsPack),
		profiles:   make(map[string][]*contracts.StandardsProfile),
		industries: make(map[string]*contracts.IndustryProfile),
		bundles:    make(map[string]*contracts.ProfileBundle),
	}
}

func (m *Memory) Pack(packID string) (*contracts.StandardsPack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[packID]
	if !ok {
		return nil, fault.Newf(fault.CodePackNotFound, "standards pack %q not in catalog", packID).With("pack_id", packID)
	}
	return p, nil
}

func (m *Memory) Profile(profileID string) (*contracts.StandardsProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.profiles[profileID]
	if len(versions) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "profile %q not in catalog", profileID).With("profile_id", profileID)
	}
	return versions[len(versions)-1], nil
}

func (m *Memory) ProfileVersion(profileID, version string) (*contracts.StandardsProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles[profileID] {
		if p.Version == version {
			return p, nil
		}
	}
	return nil, fault.Newf(fault.CodeNotFound, "profile %q version %s not in catalog", profileID, version).
		With("profile_id", profileID).With("version", version)
}

func (m *Memory) ProfileVersions(profileID string) ([]*contracts.StandardsProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.profiles[profileID]
	if len(versions) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "profile %q not in catalog", profileID).With("profile_id", profileID)
	}
	out := make([]*contracts.StandardsProfile, len(versions))
	copy(out, versions)
	return out, nil
}

func (m *Memory) Industry(industryID string) (*contracts.IndustryProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.industries[industryID]
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "industry profile %q not in catalog", industryID).With("industry_id", industryID)
	}
	return p, nil
}

func (m *Memory) Bundle(bundleID string) (*contracts.ProfileBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[bundleID]
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "bundle %q not in catalog", bundleID).With("bundle_id", bundleID)
	}
	return b, nil
}

func (m *Memory) PutPack(p *contracts.StandardsPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packs[p.PackID] = p
	return nil
}

// PutProfileVersion writes a new profile version. The version must not
// already exist; optimistic writers retry from read on conflict.
func (m *Memory) PutProfileVersion(p *contracts.StandardsProfile) error {
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fault.Newf(fault.CodeInvalid, "profile %q version %q is not semver", p.ProfileID, p.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.profiles[p.ProfileID] {
		if existing.Version == p.Version {
			return fault.Newf(fault.CodeVersionConflict, "profile %q version %s already exists", p.ProfileID, p.Version).
				With("profile_id", p.ProfileID).With("version", p.Version)
		}
	}
	m.profiles[p.ProfileID] = append(m.profiles[p.ProfileID], p)
	m.sortProfileVersions(p.ProfileID)
	return nil
}

// UpdateProfileVersion replaces an existing version in place. Only the
// lifecycle governor calls this, for state transitions on a version.
func (m *Memory) UpdateProfileVersion(p *contracts.StandardsProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.profiles[p.ProfileID] {
		if existing.Version == p.Version {
			m.profiles[p.ProfileID][i] = p
			return nil
		}
	}
	return fault.Newf(fault.CodeNotFound, "profile %q version %s not in catalog", p.ProfileID, p.Version)
}

func (m *Memory) PutIndustry(p *contracts.IndustryProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.industries[p.IndustryID] = p
	return nil
}

func (m *Memory) PutBundle(b *contracts.ProfileBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.BundleID] = b
	return nil
}

func (m *Memory) sortProfileVersions(profileID string) {
	versions := m.profiles[profileID]
	sort.SliceStable(versions, func(i, j int) bool {
		vi, erri := semver.NewVersion(versions[i].Version)
		vj, errj := semver.NewVersion(versions[j].Version)
		if erri != nil || errj != nil {
			return versions[i].Version < versions[j].Version
		}
		return vi.LessThan(vj)
	})
}
