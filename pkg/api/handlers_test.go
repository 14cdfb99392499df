package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/auth"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/export"
	"github.com/datumfab/datum/pkg/integrity"
	"github.com/datumfab/datum/pkg/plan"
	"github.com/datumfab/datum/pkg/profile"
	"github.com/datumfab/datum/pkg/soe"
)

var (
	opsUser      = auth.Principal{ID: "ops.rivera", Role: auth.RoleOps}
	customerUser = auth.Principal{ID: "cust.nguyen", Role: auth.RoleCustomer}
	adminUser    = auth.Principal{ID: "admin.okafor", Role: auth.RoleAdmin}
)

func newTestHandler(t *testing.T) (http.Handler, *audit.MemoryStore) {
	t.Helper()
	cat, err := catalog.Seed()
	require.NoError(t, err)
	auditStore := audit.NewMemoryStore()
	auditLog := audit.NewLog(auditStore, nil)
	eng, err := soe.NewEngine(cat, nil)
	require.NoError(t, err)
	kp, err := export.NewMemoryKeyProvider()
	require.NoError(t, err)

	srv := NewServer(
		eng,
		soe.NewMemoryRunStore(),
		plan.NewService(plan.NewMemoryStore(), auditLog, nil),
		profile.NewService(cat, auditLog, nil),
		cat,
		export.NewExporter(export.NewKeyring(kp)),
		export.NewArchiver(export.NewMemoryObjectStore(), "exports", nil),
		auditLog,
	).WithClock(func() time.Time {
		return time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	})
	return srv.Routes(), auditStore
}

// do issues a request with the principal already resolved, the way the
// authentication middleware would leave it.
func do(t *testing.T, h http.Handler, method, target string, p *auth.Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func evaluateSpaceFlight(t *testing.T, h http.Handler) contracts.SOERun {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/soe/evaluate", &customerUser, soe.Request{
		IndustryProfile: "space",
		HardwareClass:   "flight",
		Inputs: map[string]any{
			"materials": []any{"EPOXY_3M_SCOTCHWELD_2216"},
			"processes": []any{"SMT", "REFLOW", "CONFORMAL_COAT"},
		},
		ActiveProfiles:  []string{"BASE_IPC"},
		AdditionalPacks: []string{"NASA_POLYMERICS"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[contracts.SOERun](t, rec)
}

func generatePlan(t *testing.T, h http.Handler, quoteID string, tier int) contracts.DatumPlan {
	t.Helper()
	run := evaluateSpaceFlight(t, h)
	rec := do(t, h, http.MethodPost, "/plans/generate", &customerUser, map[string]any{
		"quote":      contracts.Quote{QuoteID: quoteID, AssemblySides: 1, Tier: tier},
		"soe_run_id": run.SOERunID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[contracts.DatumPlan](t, rec)
}

func approvePlan(t *testing.T, h http.Handler, planID string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/plans/"+planID+"/submit", &opsUser, map[string]string{"reason": "ready"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/plans/"+planID+"/approve", &adminUser, map[string]string{"reason": "reviewed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEvaluateAndGenerate(t *testing.T) {
	h, _ := newTestHandler(t)
	run := evaluateSpaceFlight(t, h)
	assert.Regexp(t, `^soe_[0-9a-f]{16}$`, run.SOERunID)
	assert.Equal(t, []string{"IPC_6012_BASELINE", "NASA_POLYMERICS"}, run.ActivePacks)

	p := generatePlan(t, h, "Q100", 3)
	assert.Equal(t, "plan-Q100", p.PlanID)
	assert.Equal(t, run.SOERunID, p.SOERunID)
	assert.Equal(t, contracts.PlanStateDraft, p.State)
}

func TestGenerateWithInlineRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/plans/generate", &customerUser, map[string]any{
		"quote": contracts.Quote{QuoteID: "Q110", AssemblySides: 2, Tier: 2},
		"soe_request": soe.Request{
			IndustryProfile: "general",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[contracts.DatumPlan](t, rec)
	assert.NotEmpty(t, p.SOERunID)
}

func TestGenerateUnknownRunID(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/plans/generate", &customerUser, map[string]any{
		"quote":      contracts.Quote{QuoteID: "Q111", AssemblySides: 1},
		"soe_run_id": "feedfeedfeedfeed",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorBody](t, rec).Code)
}

func TestEditRequiresGovernanceRole(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q120", 2)

	rec := do(t, h, http.MethodPatch, "/plans/"+p.PlanID, &customerUser, plan.EditRequest{Reason: "tweak"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorBody](t, rec).Code)

	rec = do(t, h, http.MethodPatch, "/plans/"+p.PlanID, nil, plan.EditRequest{Reason: "tweak"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEditAppendsStep(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q130", 2)

	steps := append([]contracts.Step{}, p.Steps...)
	steps = append(steps, contracts.Step{
		Type: "INSPECTION", Title: "AOI After Reflow", Sequence: 35, Required: true,
	})
	rec := do(t, h, http.MethodPatch, "/plans/"+p.PlanID, &opsUser, plan.EditRequest{
		Steps: steps, Reason: "add AOI coverage", EditedBy: opsUser.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decode[contracts.DatumPlan](t, rec)
	assert.Equal(t, 2, next.Version)
	assert.Len(t, next.Steps, len(p.Steps)+1)
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	h, auditStore := newTestHandler(t)
	p := generatePlan(t, h, "Q140", 3)

	// Approving straight from draft is refused and the refusal is audited.
	rec := do(t, h, http.MethodPost, "/plans/"+p.PlanID+"/approve", &opsUser, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PLAN_STATE_TRANSITION_INVALID", decode[ErrorBody](t, rec).Code)

	approvePlan(t, h, p.PlanID)

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/versions", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[[]contracts.DatumPlan](t, rec)
	require.Len(t, versions, 1)
	assert.Equal(t, contracts.PlanStateApproved, versions[0].State)
	assert.True(t, versions[0].Locked)

	denied := 0
	entries, err := auditStore.List(httptest.NewRequest(http.MethodGet, "/", nil).Context(), p.PlanID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Result == audit.ResultDenied {
			denied++
			assert.Equal(t, e.FromState, e.ToState)
		}
	}
	assert.Equal(t, 1, denied)
}

func TestDiffAcrossVersions(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q150", 2)

	steps := append([]contracts.Step{}, p.Steps...)
	steps = append(steps, contracts.Step{Type: "INSPECTION", Title: "Final AOI", Sequence: 90, Required: true})
	rec := do(t, h, http.MethodPatch, "/plans/"+p.PlanID, &opsUser, plan.EditRequest{
		Steps: steps, Reason: "final inspection", EditedBy: opsUser.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/diff?a=1&b=2", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[plan.Diff](t, rec)
	assert.Len(t, d.StepsAdded, 1)

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/diff?a=one&b=2", &customerUser, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportGates(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q160", 2)

	// Not approved yet.
	rec := do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/csv", &opsUser, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EXPORT_REQUIRES_APPROVAL", decode[ErrorBody](t, rec).Code)

	approvePlan(t, h, p.PlanID)

	// Customers never export.
	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/csv", &customerUser, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Tier 2 gets the traveler CSV but not the execution formats.
	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/csv", &opsUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `^[0-9a-f]{64}$`, rec.Header().Get("X-Content-Hash"))
	assert.NotEmpty(t, rec.Header().Get("X-Signature"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), fmt.Sprintf("%s_v1.csv", p.PlanID))

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/json", &opsUser, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "TIER_INSUFFICIENT", decode[ErrorBody](t, rec).Code)

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/xml", &opsUser, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_FORMAT", decode[ErrorBody](t, rec).Code)
}

func TestExportJSONCarriesProvenance(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q170", 3)
	approvePlan(t, h, p.PlanID)

	rec := do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/json", &opsUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[export.Document](t, rec)
	assert.Equal(t, 1, doc.Provenance.PlanVersion)
	assert.Equal(t, adminUser.ID, doc.Provenance.ApprovedBy)
	assert.Regexp(t, `^[0-9a-f]{64}$`, doc.ContentHash)

	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/placement-csv", &opsUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "placement.csv")
}

func TestComplianceReport(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q180", 3)

	rec := do(t, h, http.MethodPost, "/compliance/plans/"+p.PlanID+"/reports/generate?format=pdf", &customerUser, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_FORMAT", decode[ErrorBody](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/compliance/plans/"+p.PlanID+"/reports/generate?format=html", &customerUser, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	approvePlan(t, h, p.PlanID)
	rec = do(t, h, http.MethodPost, "/compliance/plans/"+p.PlanID+"/reports/generate?format=html", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Regexp(t, `^[0-9a-f]{64}$`, rec.Header().Get("X-Report-Hash"))
	assert.Contains(t, rec.Body.String(), "Standards Coverage")
}

func TestAuditIntegrityEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	p := generatePlan(t, h, "Q190", 3)
	approvePlan(t, h, p.PlanID)

	rec := do(t, h, http.MethodGet, "/compliance/plans/"+p.PlanID+"/audit-integrity", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[integrity.Report](t, rec)
	assert.True(t, report.Valid)
	require.NotNil(t, report.AuditChain)
	assert.True(t, report.AuditChain.Valid)
	assert.Positive(t, report.AuditChain.Entries)
}

func TestProfileGovernanceEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/profiles/BASE_IPC/versions", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[[]contracts.StandardsProfile](t, rec)
	require.NotEmpty(t, versions)
	assert.Equal(t, contracts.ProfileStateApproved, versions[0].State)

	// Approved versions are immutable; re-submitting is a state error.
	rec = do(t, h, http.MethodPost, "/profiles/BASE_IPC/submit", &opsUser, profileTransitionRequest{Version: versions[0].Version})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/profiles/BASE_IPC/deprecate", &customerUser, profileTransitionRequest{Version: versions[0].Version, Reason: "old"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/profiles/BASE_IPC/deprecate", &adminUser, profileTransitionRequest{
		Version: versions[0].Version, Reason: "superseded by 2.0.0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deprecated := decode[contracts.StandardsProfile](t, rec)
	assert.Equal(t, contracts.ProfileStateDeprecated, deprecated.State)

	rec = do(t, h, http.MethodPost, "/profiles/BASE_IPC/submit", &opsUser, profileTransitionRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBundle(t *testing.T) {
	h, _ := newTestHandler(t)

	bundle := contracts.ProfileBundle{
		BundleID:   "MEDICAL_PRIME_Y",
		ProfileIDs: []string{"BASE_IPC"},
		ProgramID:  "PRIME-Y",
	}
	rec := do(t, h, http.MethodPost, "/profiles/bundles", &customerUser, bundle)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/profiles/bundles", &opsUser, bundle)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestDeprecatedProfileExportCarriesFinding(t *testing.T) {
	h, _ := newTestHandler(t)
	run := evaluateSpaceFlight(t, h)
	require.NotEmpty(t, run.ProfileStack)
	target := run.ProfileStack[0]

	rec := do(t, h, http.MethodPost, "/plans/generate", &customerUser, map[string]any{
		"quote":      contracts.Quote{QuoteID: "Q200", AssemblySides: 1, Tier: 3},
		"soe_run_id": run.SOERunID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[contracts.DatumPlan](t, rec)
	approvePlan(t, h, p.PlanID)

	rec = do(t, h, http.MethodPost, "/profiles/"+target.ProfileID+"/deprecate", &adminUser, profileTransitionRequest{
		Version: target.Version, Reason: "standard revision withdrawn",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The export still succeeds; the finding rides in provenance.
	rec = do(t, h, http.MethodGet, "/plans/"+p.PlanID+"/export/json", &opsUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[export.Document](t, rec)
	require.NotEmpty(t, doc.Provenance.Findings)
	assert.Contains(t, doc.Provenance.Findings[0], "PROFILE_DEPRECATED_IN_ACTIVE_ARTIFACT")

	rec = do(t, h, http.MethodGet, "/compliance/plans/"+p.PlanID+"/audit-integrity", &customerUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[integrity.Report](t, rec)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Warnings)
}

func TestIdempotentGenerateReplay(t *testing.T) {
	h, _ := newTestHandler(t)
	wrapped := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Minute))(h)

	run := evaluateSpaceFlight(t, wrapped)
	body := map[string]any{
		"quote":      contracts.Quote{QuoteID: "Q210", AssemblySides: 1, Tier: 2},
		"soe_run_id": run.SOERunID,
	}

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/plans/generate", &buf)
	req.Header.Set("Idempotency-Key", "gen-q210")
	req = req.WithContext(auth.WithPrincipal(req.Context(), customerUser))
	first := httptest.NewRecorder()
	wrapped.ServeHTTP(first, req)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotent-Replay"))

	req2 := httptest.NewRequest(http.MethodPost, "/plans/generate", bytes.NewReader(nil))
	req2.Header.Set("Idempotency-Key", "gen-q210")
	req2 = req2.WithContext(auth.WithPrincipal(req2.Context(), customerUser))
	second := httptest.NewRecorder()
	wrapped.ServeHTTP(second, req2)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/soe/evaluate", bytes.NewBufferString("{not json"))
	req = req.WithContext(auth.WithPrincipal(req.Context(), customerUser))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorBody](t, rec).Code)
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
