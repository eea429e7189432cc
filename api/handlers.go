/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the ledger engine and its workflows via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Compliance periods:
    GET    /api/compliance-periods?at=RFC3339     Period containing an instant
    GET    /api/compliance-periods/{year}         Period of a compliance year

  Organizations:
    GET    /api/organizations                     Organizations with ledger activity
    GET    /api/organizations/{id}/balance        Settled balance
    GET    /api/organizations/{id}/balance.xlsx   Balance workbook
    GET    /api/organizations/{id}/transactions   Transactions (?from=&to=)
    POST   /api/organizations/{id}/coverage       Coverage check, never writes

  Workflow transitions:
    POST   /api/agreements/{id}/issue             Issue an agreement
    POST   /api/transfers/{id}/approve            Approve a credit transfer
    POST   /api/penalty-credits/{id}/approve      Approve a penalty credit
    GET    /api/history/{type}/{id}               Status transitions of an entity

  Assessment:
    POST   /api/assessments                       Close a compliance year

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed records, unknown compliance year, invalid requests
  - 409: Snapshot exists, year not closable, concurrent modification
  - 422: Uncovered movement (insufficient balance)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. The service is expected to run
  behind the application gateway that owns user and role management.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zeva/credit-engine/assessment"
	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/metrics"
	"github.com/zeva/credit-engine/report"
	"github.com/zeva/credit-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Repo       ledger.TxRepository
	Calendar   *ledger.Calendar
	Checker    *ledger.Checker
	Workflow   *workflow.Service
	Assessment *assessment.Service
	Runner     *assessment.Runner
	Workbook   report.WorkbookOptions
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewHandler wires the services around repo.
func NewHandler(repo ledger.TxRepository, cal *ledger.Calendar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	assess := assessment.NewService(repo, cal, logger)
	return &Handler{
		Repo:       repo,
		Calendar:   cal,
		Checker:    ledger.NewChecker(repo, cal),
		Workflow:   workflow.NewService(repo, cal, logger),
		Assessment: assess,
		Runner:     assessment.NewRunner(assess, assessment.DefaultPoolSize, logger),
		Workbook:   report.DefaultWorkbookOptions(),
		Logger:     logger,
		Now:        time.Now,
	}
}

// =============================================================================
// COMPLIANCE PERIODS
// =============================================================================

// GetCompliancePeriod returns the period of the year in the path.
func (h *Handler) GetCompliancePeriod(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid compliance year", err)
		return
	}

	p, err := h.Calendar.CompliancePeriod(year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// FindCompliancePeriod returns the period containing ?at (default now).
func (h *Handler) FindCompliancePeriod(w http.ResponseWriter, r *http.Request) {
	at := h.Now()
	if s := r.URL.Query().Get("at"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'at' timestamp, expected RFC 3339", err)
			return
		}
		at = parsed
	}

	p, err := h.Calendar.CompliancePeriod(h.Calendar.YearOf(at))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

// ListOrganizations returns every organization with ledger activity.
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Repo.Organizations(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orgStrings(orgs))
}

// GetBalance returns the settled balance of an organization.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	org := ledger.OrganizationID(chi.URLParam(r, "id"))

	bal, err := h.Checker.Balance(r.Context(), org)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(org, bal, h.Now()))
}

// ExportBalance streams the balance workbook of an organization.
func (h *Handler) ExportBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := ledger.OrganizationID(chi.URLParam(r, "id"))

	bal, err := h.Checker.Balance(ctx, org)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	txs, err := h.Repo.Transactions(ctx, org, ledger.Window{})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(org)+"-balance.xlsx"))
	err = report.WriteBalance(w, report.BalanceReport{
		OrganizationID: org,
		AsOf:           h.Now(),
		Balance:        bal,
		Transactions:   txs,
	}, h.Workbook)
	if err != nil {
		// Headers are already sent; all that is left is to log.
		h.Logger.Error("Failed to write balance workbook", "organization_id", org, "error", err)
	}
}

// GetTransactions lists an organization's transactions within ?from and ?to.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	org := ledger.OrganizationID(chi.URLParam(r, "id"))

	var window ledger.Window
	for name, dst := range map[string]*time.Time{"from": &window.From, "to": &window.To} {
		s := r.URL.Query().Get(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid '%s' timestamp, expected RFC 3339", name), err)
			return
		}
		*dst = t
	}

	txs, err := h.Repo.Transactions(r.Context(), org, window)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CheckCoverage reports whether a proposed movement is covered. Nothing is
// written.
func (h *Handler) CheckCoverage(w http.ResponseWriter, r *http.Request) {
	org := ledger.OrganizationID(chi.URLParam(r, "id"))

	var req CoverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	movement := make(ledger.Movement, len(req.Lines))
	for i, l := range req.Lines {
		movement[i] = fromLineDTO(l)
	}

	started := time.Now()
	d, err := h.Checker.Check(r.Context(), org, movement)
	var unc *ledger.UncoveredMovementError
	switch {
	case errors.As(err, &unc):
		metrics.ObserveCoverage(metrics.ResultUncovered, started)
		writeJSON(w, http.StatusOK, CoverageDTO{OrganizationID: string(org), Covered: false, Shortfall: toShortfallDTO(unc)})
	case err != nil:
		metrics.ObserveCoverage(metrics.ResultError, started)
		h.writeDomainError(w, r, err)
	default:
		metrics.ObserveCoverage(metrics.ResultCovered, started)
		writeJSON(w, http.StatusOK, CoverageDTO{OrganizationID: string(org), Covered: true, Draws: toDrawDTOs(d.Draws)})
	}
}

// =============================================================================
// WORKFLOW TRANSITIONS
// =============================================================================

// IssueAgreement issues the agreement in the path.
func (h *Handler) IssueAgreement(w http.ResponseWriter, r *http.Request) {
	var req IssueAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Workflow.IssueAgreement(r.Context(), workflow.Agreement{
		ID:             chi.URLParam(r, "id"),
		OrganizationID: ledger.OrganizationID(req.OrganizationID),
		Lines:          toCreditLines(req.Lines),
		ActorID:        req.ActorID,
		Comment:        req.Comment,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitDTO(res))
}

// ApproveTransfer approves the credit transfer in the path.
func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req ApproveTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Workflow.ApproveTransfer(r.Context(), workflow.Transfer{
		ID:      chi.URLParam(r, "id"),
		From:    ledger.OrganizationID(req.From),
		To:      ledger.OrganizationID(req.To),
		Lines:   toCreditLines(req.Lines),
		ActorID: req.ActorID,
		Comment: req.Comment,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitDTO(res))
}

// ApprovePenaltyCredit approves the penalty credit in the path.
func (h *Handler) ApprovePenaltyCredit(w http.ResponseWriter, r *http.Request) {
	var req ApprovePenaltyCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Workflow.ApprovePenaltyCredit(r.Context(), workflow.PenaltyCredit{
		ID:             chi.URLParam(r, "id"),
		OrganizationID: ledger.OrganizationID(req.OrganizationID),
		VehicleClass:   req.VehicleClass,
		CreditClass:    req.CreditClass,
		ModelYear:      req.ModelYear,
		Quantity:       req.Quantity,
		ActorID:        req.ActorID,
		Comment:        req.Comment,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitDTO(res))
}

// GetHistory lists the status transitions of a workflow entity.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	reader, ok := h.Repo.(ledger.HistoryReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, "History is not available for this store", nil)
		return
	}

	entries, err := reader.History(r.Context(), ledger.ReferenceType(chi.URLParam(r, "type")), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]HistoryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toHistoryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ASSESSMENT
// =============================================================================

// CloseComplianceYear closes a year for one organization, or for all of them
// when organization_id is omitted.
func (h *Handler) CloseComplianceYear(w http.ResponseWriter, r *http.Request) {
	var req AssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.OrganizationID == "" {
		rep, err := h.Runner.CloseAll(r.Context(), req.Year)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toReportDTO(rep))
		return
	}

	actor := req.ActorID
	if actor == "" {
		actor = assessment.SystemActor
	}
	snap, err := h.Assessment.CloseAs(r.Context(), ledger.OrganizationID(req.OrganizationID), req.Year, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dto, err := toSnapshotDTO(snap)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger and workflow errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var unc *ledger.UncoveredMovementError
	switch {
	case errors.As(err, &unc):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "Insufficient balance",
			Code:      "uncovered_movement",
			Details:   err.Error(),
			Shortfall: toShortfallDTO(unc),
		})
	case errors.Is(err, ledger.ErrMalformedRecord):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Malformed ledger record", Code: "malformed_record", Details: err.Error()})
	case errors.Is(err, ledger.ErrUnknownComplianceYear):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unknown compliance year", Code: "unknown_compliance_year", Details: err.Error()})
	case errors.Is(err, workflow.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "invalid_request", Details: err.Error()})
	case errors.Is(err, ledger.ErrSnapshotExists):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Compliance year already closed", Code: "snapshot_exists", Details: err.Error()})
	case errors.Is(err, ledger.ErrYearNotClosable):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Compliance year cannot be closed", Code: "year_not_closable", Details: err.Error()})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent modification, retry the request", Code: "concurrent_modification", Details: err.Error()})
	default:
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
