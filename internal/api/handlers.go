package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/payout"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type balanceResponse struct {
	LedgerID string `json:"ledger_id"`
	Balance  int64  `json:"balance"`
}

type outcomeResponse struct {
	OperationKey string                 `json:"operation_key"`
	Entries      []model.TipLedgerEntry `json:"entries"`
	Duplicate    bool                   `json:"duplicate"`
}

func outcomeOf(o *ledger.Outcome) *outcomeResponse {
	if o == nil {
		return nil
	}
	return &outcomeResponse{OperationKey: o.Key, Entries: o.Entries, Duplicate: o.Duplicate}
}

// Ledger reads

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Store.Ledger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Store.Ledger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{LedgerID: l.ID, Balance: l.Balance})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.svc.Store.History(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Adjustments.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDebts(w http.ResponseWriter, r *http.Request) {
	debts, err := s.svc.Resolver.Debts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, debts)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	correct, _ := strconv.ParseBool(r.URL.Query().Get("correct"))
	report, err := s.svc.Checker.VerifyWith(r.Context(), chi.URLParam(r, "id"), correct)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmployeeLedgers(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		s.fail(w, r, badRequest("location is required"))
		return
	}
	ledgers, err := s.svc.Store.Ledgers().ListByEmployee(r.Context(), chi.URLParam(r, "employeeID"), location)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

// Groups and segments

type membershipRequest struct {
	EmployeeID string     `json:"employee_id"`
	RoleID     string     `json:"role_id"`
	At         *time.Time `json:"at,omitempty"`
}

type instantRequest struct {
	At *time.Time `json:"at,omitempty"`
}

type createGroupRequest struct {
	pool.NewGroup
	At *time.Time `json:"at,omitempty"`
}

func (s *Server) at(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return s.svc.Store.Now()
	}
	return t.UTC()
}

// optionalBody decodes v unless the request has no body.
func optionalBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decode(r, v)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.svc.Pools.CreateGroup(r.Context(), req.NewGroup, s.at(req.At))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.svc.Pools.Segments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, segments)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	seg, err := s.svc.Pools.Join(r.Context(), chi.URLParam(r, "id"),
		pool.Member{EmployeeID: req.EmployeeID, RoleID: req.RoleID}, s.at(req.At))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	seg, err := s.svc.Pools.Leave(r.Context(), chi.URLParam(r, "id"), req.EmployeeID, s.at(req.At))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

func (s *Server) handleCloseGroup(w http.ResponseWriter, r *http.Request) {
	var req instantRequest
	if err := optionalBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Pools.CloseGroup(r.Context(), chi.URLParam(r, "id"), s.at(req.At)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSegment(w http.ResponseWriter, r *http.Request) {
	var req instantRequest
	if err := optionalBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	next, err := s.svc.Pools.CloseSegment(r.Context(), chi.URLParam(r, "id"), s.at(req.At))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_segment": next})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	shares, err := s.svc.Pools.SettleSegment(r.Context(), id)
	body := map[string]any{"segment_id": id, "shares": shares}
	if errors.Is(err, model.ErrSegmentAlreadySettled) && shares != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, body)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// Commands

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustment.Request
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	record, err := s.svc.Adjustments.Adjust(r.Context(), req)
	if replay(w, err, record != nil, record) {
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req chargeback.Request
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual reversal"
	}
	result, err := s.svc.Resolver.Reverse(r.Context(), req)
	if replay(w, err, result != nil, result) {
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type writeOffRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleWriteOff(w http.ResponseWriter, r *http.Request) {
	var req writeOffRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	debt, err := s.svc.Resolver.WriteOff(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, debt)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req payout.PayoutRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.svc.Payouts.Payout(r.Context(), req)
	if replay(w, err, out != nil, outcomeOf(out)) {
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcomeOf(out))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req payout.TransferRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.svc.Payouts.Transfer(r.Context(), req)
	if replay(w, err, out != nil, outcomeOf(out)) {
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcomeOf(out))
}

// Reporting

func (s *Server) handlePayrollExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := s.svc.Exporter.Build(r.Context(), q.Get("location"), q.Get("from"), q.Get("to"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch q.Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, report)
	case "xlsx":
		var buf bytes.Buffer
		if err := export.WriteXLSX(&buf, report); err != nil {
			s.fail(w, r, err)
			return
		}
		name := fmt.Sprintf("payroll-%s-%s-%s.xlsx", report.LocationID, report.From, report.To)
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		s.fail(w, r, badRequest("format must be json or xlsx"))
	}
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flags, err := s.svc.Reviews.ListOpen(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}
