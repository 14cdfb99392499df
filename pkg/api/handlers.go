package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/auth"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/compliance"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/export"
	"github.com/datumfab/datum/pkg/fault"
	"github.com/datumfab/datum/pkg/integrity"
	"github.com/datumfab/datum/pkg/plan"
	"github.com/datumfab/datum/pkg/profile"
	"github.com/datumfab/datum/pkg/soe"
)

// Server wires the domain services behind the HTTP surface.
type Server struct {
	engine   *soe.Engine
	runs     soe.RunStore
	plans    *plan.Service
	profiles *profile.Service
	catalog  catalog.Catalog
	exporter *export.Exporter
	archiver *export.Archiver
	auditLog *audit.Log
	now      func() time.Time
}

func NewServer(
	engine *soe.Engine,
	runs soe.RunStore,
	plans *plan.Service,
	profiles *profile.Service,
	cat catalog.Catalog,
	exporter *export.Exporter,
	archiver *export.Archiver,
	auditLog *audit.Log,
) *Server {
	return &Server{
		engine:   engine,
		runs:     runs,
		plans:    plans,
		profiles: profiles,
		catalog:  cat,
		exporter: exporter,
		archiver: archiver,
		auditLog: auditLog,
		now:      time.Now,
	}
}

// WithClock substitutes the timestamp source; tests use this.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Routes builds the route table. Authentication and the other outer
// middlewares are layered on by the caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /soe/evaluate", s.handleEvaluate)

	mux.HandleFunc("POST /plans/generate", s.handleGenerate)
	mux.HandleFunc("PATCH /plans/{id}", s.handleEdit)
	mux.HandleFunc("POST /plans/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /plans/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /plans/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /plans/{id}/optimize", s.handleOptimize)
	mux.HandleFunc("POST /plans/{id}/fork", s.handleFork)
	mux.HandleFunc("GET /plans/{id}/versions", s.handlePlanVersions)
	mux.HandleFunc("GET /plans/{id}/diff", s.handleDiff)
	mux.HandleFunc("GET /plans/{id}/export/{format}", s.handleExport)

	mux.HandleFunc("POST /compliance/plans/{id}/reports/generate", s.handleReport)
	mux.HandleFunc("GET /compliance/plans/{id}/audit-integrity", s.handleIntegrity)

	mux.HandleFunc("POST /profiles/bundles", s.handleCreateBundle)
	mux.HandleFunc("POST /profiles/{id}/submit", s.profileTransition("submit"))
	mux.HandleFunc("POST /profiles/{id}/approve", s.profileTransition("approve"))
	mux.HandleFunc("POST /profiles/{id}/reject", s.profileTransition("reject"))
	mux.HandleFunc("POST /profiles/{id}/deprecate", s.profileTransition("deprecate"))
	mux.HandleFunc("GET /profiles/{id}/versions", s.handleProfileVersions)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req soe.Request
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.engine.Evaluate(req)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.runs.Put(r.Context(), run); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

type generateRequest struct {
	Quote      contracts.Quote `json:"quote"`
	SOERunID   string          `json:"soe_run_id,omitempty"`
	SOERequest *soe.Request    `json:"soe_request,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var run *contracts.SOERun
	switch {
	case req.SOERunID != "":
		var err error
		run, err = s.runs.Get(r.Context(), req.SOERunID)
		if err != nil {
			WriteFault(w, err)
			return
		}
	case req.SOERequest != nil:
		var err error
		run, err = s.engine.Evaluate(*req.SOERequest)
		if err != nil {
			WriteFault(w, err)
			return
		}
		if err := s.runs.Put(r.Context(), run); err != nil {
			WriteFault(w, err)
			return
		}
	}

	p, err := s.plans.Generate(r.Context(), req.Quote, run, actorOf(r), roleOf(r))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireGovern(w, r)
	if !ok {
		return
	}
	var req plan.EditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	next, err := s.plans.Edit(r.Context(), r.PathValue("id"), req, p.ID, string(p.Role))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, next)
}

type transitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.planTransition(w, r, s.plans.Submit)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.planTransition(w, r, s.plans.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.planTransition(w, r, s.plans.Reject)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	s.planTransition(w, r, s.plans.Fork)
}

func (s *Server) planTransition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, planID, reason, actor, role string) (*contracts.DatumPlan, error)) {
	p, ok := s.requireGovern(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	next, err := op(r.Context(), r.PathValue("id"), req.Reason, p.ID, string(p.Role))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, next)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireGovern(w, r)
	if !ok {
		return
	}
	var req struct {
		Objective string `json:"objective,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	next, summary, err := s.plans.Optimize(r.Context(), r.PathValue("id"), plan.Objective(req.Objective), p.ID, string(p.Role))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plan": next, "optimization": summary})
}

func (s *Server) handlePlanVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.plans.Versions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, versions)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	a, errA := strconv.Atoi(r.URL.Query().Get("a"))
	b, errB := strconv.Atoi(r.URL.Query().Get("b"))
	if errA != nil || errB != nil {
		WriteBadRequest(w, "query parameters a and b must be version numbers")
		return
	}
	d, err := s.plans.Diff(r.Context(), r.PathValue("id"), a, b)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// exportFormatByPath maps URL path segments to export formats.
var exportFormatByPath = map[string]string{
	"csv":           export.FormatCSV,
	"json":          export.FormatJSON,
	"placement-csv": export.FormatPlacementCSV,
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireGovern(w, r)
	if !ok {
		return
	}
	format, known := exportFormatByPath[r.PathValue("format")]
	if !known {
		WriteFault(w, fault.Newf(fault.CodeUnsupportedFormat, "export format %q is not supported", r.PathValue("format")))
		return
	}

	planID := r.PathValue("id")
	p, err := s.plans.Latest(r.Context(), planID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	run := s.resolveRun(r, p)

	// A deprecated profile in the stack does not block the export; the
	// finding rides along in provenance.
	report := integrity.CheckPlan(p, run, s.profileStateLookup())
	art, err := s.exporter.Export(p, run, format, s.timestamp(), report.WarningCodes())
	if err != nil {
		WriteFault(w, err)
		return
	}

	if s.archiver != nil {
		if _, err := s.archiver.Archive(r.Context(), planID, art); err != nil {
			WriteFault(w, err)
			return
		}
	}
	s.recordAudit(r, "plan", planID, "export", string(p.State), map[string]any{
		"format": format, "content_hash": art.ContentHash, "actor_role": string(principal.Role),
	})

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Filename+`"`)
	w.Header().Set("X-Content-Hash", art.ContentHash)
	if art.Signature != "" {
		w.Header().Set("X-Signature", art.Signature)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if err := compliance.ValidateFormat(format); err != nil {
		WriteFault(w, err)
		return
	}
	p, err := s.plans.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	run := s.resolveRun(r, p)

	report, err := compliance.Build(p, run, actorOf(r), s.timestamp())
	if err != nil {
		WriteFault(w, err)
		return
	}
	html, err := compliance.RenderHTML(report)
	if err != nil {
		WriteFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Report-Hash", report.ReportHash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(html)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	p, err := s.plans.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	run := s.resolveRun(r, p)

	report := integrity.CheckPlan(p, run, s.profileStateLookup())
	if s.auditLog != nil {
		if chain, err := s.auditLog.Store().VerifyChain(r.Context()); err == nil {
			report.AuditChain = chain
			if !chain.Valid {
				report.Valid = false
			}
		}
	}
	WriteJSON(w, http.StatusOK, report)
}

type profileTransitionRequest struct {
	Version      string `json:"version"`
	Reason       string `json:"reason,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

func (s *Server) profileTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.requireGovern(w, r)
		if !ok {
			return
		}
		var req profileTransitionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Version == "" {
			WriteBadRequest(w, "version is required")
			return
		}

		profileID := r.PathValue("id")
		var p *contracts.StandardsProfile
		var err error
		switch action {
		case "submit":
			p, err = s.profiles.Submit(r.Context(), profileID, req.Version, principal.ID, string(principal.Role), req.Reason)
		case "approve":
			p, err = s.profiles.Approve(r.Context(), profileID, req.Version, principal.ID, string(principal.Role), req.Reason)
		case "reject":
			p, err = s.profiles.Reject(r.Context(), profileID, req.Version, principal.ID, string(principal.Role), req.Reason)
		case "deprecate":
			p, err = s.profiles.Deprecate(r.Context(), profileID, req.Version, principal.ID, string(principal.Role), req.Reason, req.SupersededBy)
		}
		if err != nil {
			WriteFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleProfileVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.profiles.Versions(r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireGovern(w, r)
	if !ok {
		return
	}
	var b contracts.ProfileBundle
	if !decodeBody(w, r, &b) {
		return
	}
	if err := s.profiles.CreateBundle(r.Context(), &b, principal.ID, string(principal.Role)); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, b)
}

// resolveRun returns the plan's overlay run, or nil when it has none or
// the run is unresolvable. Callers treat nil per their own contract.
func (s *Server) resolveRun(r *http.Request, p *contracts.DatumPlan) *contracts.SOERun {
	if p.SOERunID == "" {
		return nil
	}
	run, err := s.runs.Get(r.Context(), p.SOERunID)
	if err != nil {
		return nil
	}
	return run
}

func (s *Server) profileStateLookup() integrity.ProfileStateLookup {
	return func(profileID, version string) (contracts.ProfileState, error) {
		var p *contracts.StandardsProfile
		var err error
		if version != "" {
			p, err = s.catalog.ProfileVersion(profileID, version)
		} else {
			p, err = s.catalog.Profile(profileID)
		}
		if err != nil {
			return "", err
		}
		return p.State, nil
	}
}

func (s *Server) recordAudit(r *http.Request, entity, entityID, action, state string, detail map[string]any) {
	if s.auditLog == nil {
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.Entry{
		Actor: actorOf(r), Role: roleOf(r), Entity: entity, EntityID: entityID,
		Action: action, FromState: state, ToState: state, Detail: detail,
	})
}

// requireGovern enforces the OPS/ADMIN gate on governance endpoints.
func (s *Server) requireGovern(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		WriteForbidden(w, "authenticated principal required")
		return auth.Principal{}, false
	}
	if !p.Role.CanGovern() {
		WriteForbidden(w, "role "+string(p.Role)+" may not perform governance operations")
		return auth.Principal{}, false
	}
	return p, true
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func actorOf(r *http.Request) string {
	if p, err := auth.FromContext(r.Context()); err == nil {
		return p.ID
	}
	return "anonymous"
}

func roleOf(r *http.Request) string {
	if p, err := auth.FromContext(r.Context()); err == nil {
		return string(p.Role)
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, http.ErrBodyNotAllowed) {
			WriteBadRequest(w, "request body not allowed")
			return false
		}
		WriteBadRequest(w, "malformed request body: "+err.Error())
		return false
	}
	return true
}
