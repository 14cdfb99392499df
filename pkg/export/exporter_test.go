package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

const generatedAt = "2026-03-14T12:00:00Z"

func approvedPlan(tier int) (*contracts.DatumPlan, *contracts.SOERun) {
	run := &contracts.SOERun{
		SOERunID: "soe_a1b2c3d4e5f60718",
		ProfileStack: []contracts.ProfileStackEntry{
			{ProfileID: "BASE_IPC", ProfileType: contracts.ProfileTypeBase, Layer: 0, Version: "1.0.0", State: contracts.ProfileStateApproved},
		},
	}
	p := &contracts.DatumPlan{
		PlanID: "plan-Q1", QuoteID: "Q1", Version: 3, State: contracts.PlanStateApproved,
		Locked: true, Tier: tier,
		Steps: []contracts.Step{
			{StepID: "step_0000111122223333", Type: "SMT", Title: "Top Side SMT Placement",
				Sequence: 20, Required: true, SourceRules: []string{contracts.SourceBaselineDefaultStep}},
			{StepID: "step_4444555566667777", Type: "CLEAN", Title: "Clean", Sequence: 300,
				Required: true, LockedSequence: true,
				SourceRules: []string{"NASA-8739-POLY-001"}, SOEDecisionID: "1111aaaa2222bbbb"},
		},
		SOERunID:   run.SOERunID,
		ApprovedBy: "ops-2", ApprovedAt: "2026-03-14T09:00:03Z",
	}
	return p, run
}

func newSignedExporter(t *testing.T) (*Exporter, *Keyring) {
	t.Helper()
	kp, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	k := NewKeyring(kp)
	return NewExporter(k), k
}

func TestExportRefusesNonApproved(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)
	p.State = contracts.PlanStateDraft
	_, err := e.Export(p, run, FormatCSV, generatedAt, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeExportRequiresApproval, fault.CodeOf(err))
}

func TestExportUnsupportedFormat(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)
	_, err := e.Export(p, run, "xml", generatedAt, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnsupportedFormat, fault.CodeOf(err))
}

func TestExportTierGate(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(2)

	// Human-readable traveler export is available at any tier.
	_, err := e.Export(p, run, FormatCSV, generatedAt, nil)
	require.NoError(t, err)

	for _, format := range []string{FormatJSON, FormatPlacementCSV} {
		_, err := e.Export(p, run, format, generatedAt, nil)
		require.Error(t, err, format)
		assert.Equal(t, fault.CodeTierInsufficient, fault.CodeOf(err))
	}
}

func TestJSONExportProvenanceAndHash(t *testing.T) {
	e, k := newSignedExporter(t)
	p, run := approvedPlan(3)

	a, err := e.Export(p, run, FormatJSON, generatedAt, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", a.ContentType)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a.ContentHash)
	assert.True(t, k.VerifyBytes(a.Data, a.Signature))

	var doc Document
	require.NoError(t, json.Unmarshal(a.Data, &doc))
	assert.Equal(t, 3, doc.Provenance.PlanVersion)
	assert.Equal(t, "ops-2", doc.Provenance.ApprovedBy)
	assert.Equal(t, generatedAt, doc.Provenance.ExportGeneratedAt)
	require.Len(t, doc.Provenance.ProfileStack, 1)
	assert.Equal(t, doc.ContentHash, a.ContentHash)

	// content_hash is the hash of the canonical document without it.
	doc.ContentHash = ""
	recomputed, err := canonicalize.CanonicalHash(doc)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, recomputed)
}

func TestJSONExportCarriesFindings(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)
	run.ProfileStack[0].State = contracts.ProfileStateDeprecated

	a, err := e.Export(p, run, FormatJSON, generatedAt, []string{"PROFILE_DEPRECATED_IN_ACTIVE_ARTIFACT:BASE_IPC"})
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(a.Data, &doc))
	require.Len(t, doc.Provenance.Findings, 1)
	assert.Contains(t, doc.Provenance.Findings[0], "PROFILE_DEPRECATED_IN_ACTIVE_ARTIFACT")
}

func TestCSVExports(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)

	a, err := e.Export(p, run, FormatCSV, generatedAt, nil)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(a.Data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "sequence,step_id,type,title"))
	assert.Contains(t, lines[2], "NASA-8739-POLY-001")

	pl, err := e.Export(p, run, FormatPlacementCSV, generatedAt, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pl.Data), "sequence,station,operation"))
	assert.Equal(t, "plan-Q1_v3.placement.csv", pl.Filename)
}

func TestExportDeterministicHash(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)

	a, err := e.Export(p, run, FormatJSON, generatedAt, nil)
	require.NoError(t, err)
	b, err := e.Export(p, run, FormatJSON, generatedAt, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.Data, b.Data)
}

func TestProgramKeyDerivation(t *testing.T) {
	kp, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	root := NewKeyring(kp)

	a, err := root.DeriveForProgram("PROGRAM_APOLLO")
	require.NoError(t, err)
	b, err := root.DeriveForProgram("PROGRAM_APOLLO")
	require.NoError(t, err)
	c, err := root.DeriveForProgram("PROGRAM_GEMINI")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())
	assert.NotEqual(t, a.PublicKeyHex(), c.PublicKeyHex())
	assert.NotEqual(t, root.PublicKeyHex(), a.PublicKeyHex())

	_, err = root.DeriveForProgram("")
	require.Error(t, err)
}

func TestArchiver(t *testing.T) {
	e, _ := newSignedExporter(t)
	p, run := approvedPlan(3)
	a, err := e.Export(p, run, FormatCSV, generatedAt, nil)
	require.NoError(t, err)

	store := NewMemoryObjectStore()
	arch := NewArchiver(store, "exports", nil)
	key, err := arch.Archive(context.Background(), p.PlanID, a)
	require.NoError(t, err)
	assert.Equal(t, "exports/plan-Q1/v3/plan-Q1_v3.csv", key)
	assert.Equal(t, a.Data, store.Object(key))
}
