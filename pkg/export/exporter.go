package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Supported export formats.
const (
	FormatCSV          = "csv"
	FormatJSON         = "json"
	FormatPlacementCSV = "placement_csv"
)

// minExecutionTier gates formats that carry machine-executable outputs.
const minExecutionTier = 3

// Provenance is the non-repudiation block embedded in every export.
type Provenance struct {
	PlanVersion       int                           `json:"plan_version"`
	ProfileStack      []contracts.ProfileStackEntry `json:"profile_stack"`
	ApprovedBy        string                        `json:"approved_by"`
	ApprovedAt        string                        `json:"approved_at"`
	ExportGeneratedAt string                        `json:"export_generated_at"`
	Findings          []string                      `json:"findings,omitempty"`
	SigningKey        string                        `json:"signing_key,omitempty"`
}

// Document is the JSON export body. ContentHash covers the canonical
// form of the document with ContentHash itself empty.
type Document struct {
	Plan        *contracts.DatumPlan `json:"plan"`
	Provenance  Provenance           `json:"provenance"`
	ContentHash string               `json:"content_hash,omitempty"`
}

// Artifact is one produced export file plus its integrity metadata.
type Artifact struct {
	Format      string     `json:"format"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	Data        []byte     `json:"-"`
	ContentHash string     `json:"content_hash"`
	Signature   string     `json:"signature,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// Exporter renders approved plans into hardened artifacts. A nil keyring
// skips signing but never skips hashing.
type Exporter struct {
	keyring *Keyring
}

func NewExporter(k *Keyring) *Exporter {
	return &Exporter{keyring: k}
}

// Export renders the plan in the requested format. Findings come from a
// prior audit-integrity check; a deprecated profile in the stack does not
// block the export, it travels with it.
func (e *Exporter) Export(p *contracts.DatumPlan, run *contracts.SOERun, format, generatedAt string, findings []string) (*Artifact, error) {
	if p.State != contracts.PlanStateApproved {
		return nil, fault.Newf(fault.CodeExportRequiresApproval,
			"plan %q version %d is %s; exports require an approved plan", p.PlanID, p.Version, p.State).
			With("plan_id", p.PlanID).With("state", string(p.State))
	}

	switch format {
	case FormatCSV:
	case FormatJSON, FormatPlacementCSV:
		// These carry execution outputs (full parameters, machine placement
		// order) and are gated on the quote tier.
		if p.Tier < minExecutionTier {
			return nil, fault.Newf(fault.CodeTierInsufficient,
				"format %q requires tier >= %d; plan %q is tier %d", format, minExecutionTier, p.PlanID, p.Tier).
				With("format", format).With("tier", p.Tier)
		}
	default:
		return nil, fault.Newf(fault.CodeUnsupportedFormat, "export format %q is not supported", format).
			With("format", format)
	}

	prov := Provenance{
		PlanVersion:       p.Version,
		ApprovedBy:        p.ApprovedBy,
		ApprovedAt:        p.ApprovedAt,
		ExportGeneratedAt: generatedAt,
		Findings:          findings,
	}
	if run != nil {
		prov.ProfileStack = run.ProfileStack
	}
	if e.keyring != nil {
		prov.SigningKey = e.keyring.PublicKeyHex()
	}

	var a *Artifact
	var err error
	switch format {
	case FormatJSON:
		a, err = e.exportJSON(p, prov)
	case FormatCSV:
		a, err = e.exportCSV(p, prov)
	case FormatPlacementCSV:
		a, err = e.exportPlacementCSV(p, prov)
	}
	if err != nil {
		return nil, err
	}

	if e.keyring != nil {
		sig, err := e.keyring.SignBytes(a.Data)
		if err != nil {
			return nil, err
		}
		a.Signature = sig
	}
	return a, nil
}

func (e *Exporter) exportJSON(p *contracts.DatumPlan, prov Provenance) (*Artifact, error) {
	doc := Document{Plan: p, Provenance: prov}
	hash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "hash export document", err)
	}
	doc.ContentHash = hash
	data, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "encode export document", err)
	}
	return &Artifact{
		Format:      FormatJSON,
		Filename:    exportFilename(p, "json"),
		ContentType: "application/json",
		Data:        data,
		ContentHash: hash,
		Provenance:  prov,
	}, nil
}

func (e *Exporter) exportCSV(p *contracts.DatumPlan, prov Provenance) (*Artifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{
		"sequence", "step_id", "type", "title", "required", "locked_sequence",
		"acceptance", "sampling", "source_rules", "soe_decision_id",
	})
	for _, s := range p.Steps {
		_ = w.Write([]string{
			strconv.Itoa(s.Sequence), s.StepID, s.Type, s.Title,
			strconv.FormatBool(s.Required), strconv.FormatBool(s.LockedSequence),
			s.Acceptance, s.Sampling, strings.Join(s.SourceRules, "|"), s.SOEDecisionID,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "write traveler csv", err)
	}
	return csvArtifact(p, prov, FormatCSV, "csv", buf.Bytes()), nil
}

// exportPlacementCSV emits the machine-facing placement program: the
// assembly steps in execution order.
func (e *Exporter) exportPlacementCSV(p *contracts.DatumPlan, prov Provenance) (*Artifact, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"sequence", "station", "operation", "sampling", "soe_decision_id"})
	for _, s := range p.Steps {
		_ = w.Write([]string{strconv.Itoa(s.Sequence), s.Type, s.Title, s.Sampling, s.SOEDecisionID})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "write placement csv", err)
	}
	return csvArtifact(p, prov, FormatPlacementCSV, "placement.csv", buf.Bytes()), nil
}

func csvArtifact(p *contracts.DatumPlan, prov Provenance, format, ext string, data []byte) *Artifact {
	return &Artifact{
		Format:      format,
		Filename:    exportFilename(p, ext),
		ContentType: "text/csv",
		Data:        data,
		ContentHash: canonicalize.HashBytes(data),
		Provenance:  prov,
	}
}

func exportFilename(p *contracts.DatumPlan, ext string) string {
	return fmt.Sprintf("%s_v%d.%s", p.PlanID, p.Version, ext)
}
