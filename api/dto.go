/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  - Quantities are decimal strings ("12.50"); JSON numbers are accepted on input
  - Model years are "MY_2024" (or "2024"); "" or "ANY" means any model year
  - Timestamps are RFC 3339

VALIDATION:
  Validation is done by the ledger and workflow packages, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zeva/credit-engine/assessment"
	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/workflow"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PeriodDTO is a compliance period.
type PeriodDTO struct {
	Year             int    `json:"year"`
	ClosedLowerBound string `json:"closed_lower_bound"`
	OpenUpperBound   string `json:"open_upper_bound"`
}

// LineDTO is one balance bucket or movement line.
type LineDTO struct {
	VehicleClass ledger.VehicleClass `json:"vehicle_class"`
	CreditClass  ledger.CreditClass  `json:"credit_class"`
	ModelYear    ledger.ModelYear    `json:"model_year"`
	Quantity     decimal.Decimal     `json:"quantity"`
}

// TotalDTO sums one (vehicle class, credit class) over every model year.
type TotalDTO struct {
	VehicleClass ledger.VehicleClass `json:"vehicle_class"`
	CreditClass  ledger.CreditClass  `json:"credit_class"`
	Quantity     decimal.Decimal     `json:"quantity"`
}

// BalanceDTO is an organization's settled balance.
type BalanceDTO struct {
	OrganizationID string     `json:"organization_id"`
	AsOf           string     `json:"as_of"`
	Credits        []LineDTO  `json:"credits"`
	Deficits       []LineDTO  `json:"deficits"`
	Totals         []TotalDTO `json:"totals"`
}

// TransactionDTO is a committed ledger row.
type TransactionDTO struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Kind           string          `json:"kind"`
	VehicleClass   string          `json:"vehicle_class"`
	CreditClass    string          `json:"credit_class"`
	ModelYear      string          `json:"model_year"`
	Quantity       decimal.Decimal `json:"quantity"`
	Timestamp      string          `json:"timestamp"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
}

// HistoryDTO is one status transition.
type HistoryDTO struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id"`
	Status         string `json:"status"`
	ActorID        string `json:"actor_id,omitempty"`
	Comment        string `json:"comment,omitempty"`
	At             string `json:"at"`
}

// CoverageRequest is a proposed outgoing movement.
type CoverageRequest struct {
	Lines []LineDTO `json:"lines"`
}

// DrawDTO is the part of a movement line taken from one bucket.
type DrawDTO struct {
	LineIndex    int             `json:"line_index"`
	VehicleClass string          `json:"vehicle_class"`
	CreditClass  string          `json:"credit_class"`
	ModelYear    string          `json:"model_year"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// ShortfallDTO describes the first line a balance could not cover. An index
// of -1 means recorded history is already uncovered.
type ShortfallDTO struct {
	Index     int             `json:"index"`
	Line      LineDTO         `json:"line"`
	Remainder decimal.Decimal `json:"remainder"`
}

// CoverageDTO is the result of a coverage check.
type CoverageDTO struct {
	OrganizationID string        `json:"organization_id"`
	Covered        bool          `json:"covered"`
	Draws          []DrawDTO     `json:"draws,omitempty"`
	Shortfall      *ShortfallDTO `json:"shortfall,omitempty"`
}

// CreditLineDTO is one line of an agreement or transfer.
type CreditLineDTO struct {
	VehicleClass ledger.VehicleClass `json:"vehicle_class"`
	CreditClass  ledger.CreditClass  `json:"credit_class"`
	ModelYear    ledger.ModelYear    `json:"model_year"`
	Quantity     decimal.Decimal     `json:"quantity"`
}

// IssueAgreementRequest issues an agreement.
type IssueAgreementRequest struct {
	OrganizationID string          `json:"organization_id"`
	Lines          []CreditLineDTO `json:"lines"`
	ActorID        string          `json:"actor_id,omitempty"`
	Comment        string          `json:"comment,omitempty"`
}

// ApproveTransferRequest approves a credit transfer.
type ApproveTransferRequest struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Lines   []CreditLineDTO `json:"lines"`
	ActorID string          `json:"actor_id,omitempty"`
	Comment string          `json:"comment,omitempty"`
}

// ApprovePenaltyCreditRequest approves a penalty credit. A negative quantity
// is a debit.
type ApprovePenaltyCreditRequest struct {
	OrganizationID string              `json:"organization_id"`
	VehicleClass   ledger.VehicleClass `json:"vehicle_class"`
	CreditClass    ledger.CreditClass  `json:"credit_class"`
	ModelYear      ledger.ModelYear    `json:"model_year"`
	Quantity       decimal.Decimal     `json:"quantity"`
	ActorID        string              `json:"actor_id,omitempty"`
	Comment        string              `json:"comment,omitempty"`
}

// CommitDTO is what a workflow transition wrote.
type CommitDTO struct {
	ReferenceType string           `json:"reference_type"`
	ReferenceID   string           `json:"reference_id"`
	Transactions  []TransactionDTO `json:"transactions"`
	History       HistoryDTO       `json:"history"`
}

// AssessmentRequest closes a compliance year, for one organization or all.
type AssessmentRequest struct {
	Year           int    `json:"year"`
	OrganizationID string `json:"organization_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
}

// SnapshotDTO is one organization's ending balance.
type SnapshotDTO struct {
	OrganizationID string    `json:"organization_id"`
	Year           int       `json:"year"`
	Credits        []LineDTO `json:"credits"`
	Deficits       []LineDTO `json:"deficits"`
}

// AssessmentReportDTO summarizes a batch close.
type AssessmentReportDTO struct {
	Year     int               `json:"year"`
	Closed   []string          `json:"closed"`
	Skipped  []string          `json:"skipped"`
	Failures map[string]string `json:"failures,omitempty"`
	Duration string            `json:"duration"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code,omitempty"`
	Details   any           `json:"details,omitempty"`
	Shortfall *ShortfallDTO `json:"shortfall,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPeriodDTO(p ledger.CompliancePeriod) PeriodDTO {
	return PeriodDTO{
		Year:             p.Year,
		ClosedLowerBound: p.ClosedLowerBound.Format(time.RFC3339),
		OpenUpperBound:   p.OpenUpperBound.Format(time.RFC3339),
	}
}

func toLineDTO(l ledger.Line) LineDTO {
	return LineDTO{VehicleClass: l.VehicleClass, CreditClass: l.CreditClass, ModelYear: l.ModelYear, Quantity: l.Quantity}
}

func fromLineDTO(l LineDTO) ledger.Line {
	return ledger.Line{VehicleClass: l.VehicleClass, CreditClass: l.CreditClass, ModelYear: l.ModelYear, Quantity: l.Quantity}
}

// positiveLines keeps the non-empty buckets of one partition.
func positiveLines(b ledger.Balance, kind ledger.TransactionKind) []LineDTO {
	out := []LineDTO{}
	for _, l := range b.Lines(kind) {
		if l.Quantity.IsPositive() {
			out = append(out, toLineDTO(l))
		}
	}
	return out
}

func toBalanceDTO(org ledger.OrganizationID, b ledger.Balance, asOf time.Time) BalanceDTO {
	dto := BalanceDTO{
		OrganizationID: string(org),
		AsOf:           asOf.Format(time.RFC3339),
		Credits:        positiveLines(b, ledger.KindCredit),
		Deficits:       positiveLines(b, ledger.KindDebit),
		Totals:         []TotalDTO{},
	}
	for _, vc := range ledger.VehicleClasses {
		for _, cc := range ledger.CreditClasses {
			if total := b.Total(ledger.KindCredit, vc, cc); total.IsPositive() {
				dto.Totals = append(dto.Totals, TotalDTO{VehicleClass: vc, CreditClass: cc, Quantity: total})
			}
		}
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             tx.ID,
		OrganizationID: string(tx.OrganizationID),
		Kind:           string(tx.Kind),
		VehicleClass:   string(tx.VehicleClass),
		CreditClass:    string(tx.CreditClass),
		ModelYear:      tx.ModelYear.String(),
		Quantity:       tx.Quantity,
		Timestamp:      tx.Timestamp.Format(time.RFC3339Nano),
		ReferenceType:  string(tx.ReferenceType),
		ReferenceID:    tx.ReferenceID,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

func toHistoryDTO(h ledger.HistoryEntry) HistoryDTO {
	return HistoryDTO{
		ID:             h.ID,
		OrganizationID: string(h.OrganizationID),
		ReferenceType:  string(h.ReferenceType),
		ReferenceID:    h.ReferenceID,
		Status:         string(h.Status),
		ActorID:        h.ActorID,
		Comment:        h.Comment,
		At:             h.At.Format(time.RFC3339Nano),
	}
}

func toCommitDTO(res *workflow.Result) CommitDTO {
	return CommitDTO{
		ReferenceType: string(res.ReferenceType),
		ReferenceID:   res.ReferenceID,
		Transactions:  toTransactionDTOs(res.Transactions),
		History:       toHistoryDTO(res.History),
	}
}

func toCreditLines(in []CreditLineDTO) []workflow.CreditLine {
	out := make([]workflow.CreditLine, len(in))
	for i, l := range in {
		out[i] = workflow.CreditLine{VehicleClass: l.VehicleClass, CreditClass: l.CreditClass, ModelYear: l.ModelYear, Quantity: l.Quantity}
	}
	return out
}

func toDrawDTOs(draws []ledger.Draw) []DrawDTO {
	out := make([]DrawDTO, len(draws))
	for i, d := range draws {
		out[i] = DrawDTO{
			LineIndex:    d.LineIndex,
			VehicleClass: string(d.VehicleClass),
			CreditClass:  string(d.CreditClass),
			ModelYear:    d.ModelYear.String(),
			Quantity:     d.Quantity,
		}
	}
	return out
}

func toShortfallDTO(e *ledger.UncoveredMovementError) *ShortfallDTO {
	return &ShortfallDTO{Index: e.Index, Line: toLineDTO(e.Line), Remainder: e.Remainder}
}

func toSnapshotDTO(s *assessment.Snapshot) (SnapshotDTO, error) {
	b, err := s.Balance()
	if err != nil {
		return SnapshotDTO{}, err
	}
	return SnapshotDTO{
		OrganizationID: string(s.OrganizationID),
		Year:           s.Year,
		Credits:        positiveLines(b, ledger.KindCredit),
		Deficits:       positiveLines(b, ledger.KindDebit),
	}, nil
}

func toReportDTO(r *assessment.Report) AssessmentReportDTO {
	dto := AssessmentReportDTO{
		Year:     r.Year,
		Closed:   orgStrings(r.Closed),
		Skipped:  orgStrings(r.Skipped),
		Duration: r.Duration.String(),
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for _, f := range r.Failures {
			dto.Failures[string(f.OrganizationID)] = f.Err.Error()
		}
	}
	return dto
}

func orgStrings(orgs []ledger.OrganizationID) []string {
	out := make([]string, len(orgs))
	for i, o := range orgs {
		out[i] = string(o)
	}
	return out
}
