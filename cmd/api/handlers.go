package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/payAdvance/pkg/ledger"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/shopspring/decimal"
)

// termsBody is the wire form of models.Terms. Both fields empty means no terms.
type termsBody struct {
	TermKind  models.TermKind     `json:"term_kind"`
	TermValue decimal.NullDecimal `json:"term_value"`
}

func (t termsBody) terms() (models.Terms, error) {
	if t.TermKind == "" && !t.TermValue.Valid {
		return nil, nil
	}
	return models.ParseTerms(t.TermKind, t.TermValue.Decimal)
}

// parseDate reads an optional YYYY-MM-DD date.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return &d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(c models.Category) int {
	switch c {
	case models.CategoryValidation:
		return http.StatusBadRequest
	case models.CategoryState, models.CategoryConcurrency:
		return http.StatusConflict
	case models.CategoryNotFound:
		return http.StatusNotFound
	case models.CategoryAuthorization:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError reports a ledger error with the HTTP status of its category.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	category := models.CategoryOf(err)
	status := statusFor(category)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "category": category.String()})
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmployeeID string          `json:"employee_id"`
		Principal  decimal.Decimal `json:"principal"`
		Notes      string          `json:"notes"`
		StartDate  string          `json:"start_date"`
		termsBody
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.RequestLoan(r.Context(), ledger.LoanRequest{
		EmployeeID: req.EmployeeID,
		Principal:  req.Principal,
		Notes:      req.Notes,
		Terms:      terms,
		StartDate:  start,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LoanFilter{EmployeeID: q.Get("employee_id"), Status: models.LoanStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	loans, err := s.ledger.ListLoans(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	view, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		DeductFromPayroll bool `json:"deduct_from_payroll"`
		AutoDisburse      bool `json:"auto_disburse"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.ApproveLoan(r.Context(), loanID, req.DeductFromPayroll, req.AutoDisburse)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req reasonBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.RejectLoan(r.Context(), loanID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req reasonBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loan, err := s.ledger.CancelLoan(r.Context(), loanID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) disburseLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		StartDate string `json:"start_date"`
		termsBody
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d, err := s.ledger.DisburseLoan(r.Context(), loanID, terms, start)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount decimal.Decimal         `json:"amount"`
		Option models.RescheduleOption `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.ledger.MakeAdHocPayment(r.Context(), loanID, req.Amount, req.Option)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) restructureLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		EffectiveDate string          `json:"effective_date"`
		TopUpAmount   decimal.Decimal `json:"top_up_amount"`
		termsBody
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if method == nil {
		s.writeError(w, r, fmt.Errorf("%w: term_kind and term_value are required", models.ErrInvalidTermKind))
		return
	}
	effective, err := parseDate(req.EffectiveDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var effectiveDate time.Time
	if effective != nil {
		effectiveDate = *effective
	}

	res, err := s.ledger.RestructureLoan(r.Context(), loanID, ledger.RestructureRequest{
		EffectiveDate: effectiveDate,
		TopUpAmount:   req.TopUpAmount,
		Method:        method,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) skipInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	installmentID, err := pathID(r, "installmentId")
	if err != nil {
		http.Error(w, "Invalid installment ID", http.StatusBadRequest)
		return
	}
	var req reasonBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.ledger.SkipInstallment(r.Context(), loanID, installmentID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addNoteHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := s.ledger.AddNote(r.Context(), loanID, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	rows, err := s.ledger.ListInstallments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	events, err := s.ledger.History(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) payrollDueHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	periodEnd, err := parseDate(q.Get("period_end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if periodEnd == nil {
		http.Error(w, "period_end is required", http.StatusBadRequest)
		return
	}
	rows, err := s.payroll.DueInstallments(r.Context(), q.Get("employee_id"), *periodEnd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) confirmInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "Invalid installment ID", http.StatusBadRequest)
		return
	}
	var req struct {
		PayrollRunID string `json:"payroll_run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PayrollRunID == "" {
		http.Error(w, "payroll_run_id is required", http.StatusBadRequest)
		return
	}

	conf, err := s.payroll.ConfirmPaid(r.Context(), installmentID, req.PayrollRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) confirmRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	var req struct {
		InstallmentIDs []uuid.UUID `json:"installment_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.payroll.ConfirmRun(r.Context(), runID, req.InstallmentIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
