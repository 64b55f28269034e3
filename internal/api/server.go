// Package api exposes ledger reads and manager operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/integrity"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/payout"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

// Services are the engine components the API drives.
type Services struct {
	Store       *ledger.Store
	Pools       *pool.Manager
	Resolver    *chargeback.Resolver
	Adjustments *adjustment.Engine
	Payouts     *payout.Service
	Checker     *integrity.Checker
	Exporter    *export.Exporter
	Reviews     *repository.ReviewRepository
}

type Server struct {
	svc            Services
	log            *logrus.Logger
	metricsEnabled bool
}

func NewServer(svc Services, log *logrus.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// EnableMetrics mounts the Prometheus /metrics endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ledgers/{id}", func(r chi.Router) {
			r.Get("/", s.handleLedger)
			r.Get("/balance", s.handleBalance)
			r.Get("/entries", s.handleEntries)
			r.Get("/adjustments", s.handleAdjustments)
			r.Get("/debts", s.handleDebts)
			r.Post("/verify", s.handleVerify)
		})
		r.Get("/employees/{employeeID}/ledgers", s.handleEmployeeLedgers)

		r.Post("/groups", s.handleCreateGroup)
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/segments", s.handleSegments)
			r.Post("/join", s.handleJoin)
			r.Post("/leave", s.handleLeave)
			r.Post("/close", s.handleCloseGroup)
		})
		r.Post("/segments/{id}/close", s.handleCloseSegment)
		r.Post("/segments/{id}/settle", s.handleSettle)

		r.Post("/adjustments", s.handleAdjust)
		r.Post("/reversals", s.handleReverse)
		r.Post("/debts/{id}/write-off", s.handleWriteOff)
		r.Post("/payouts", s.handlePayout)
		r.Post("/transfers", s.handleTransfer)

		r.Get("/payroll/export", s.handlePayrollExport)
		r.Get("/reviews", s.handleReviews)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.svc.Store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidOwnershipSplit):
		return http.StatusBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateKey),
		errors.Is(err, model.ErrSegmentAlreadySettled),
		errors.Is(err, model.ErrSegmentNotClosed),
		errors.Is(err, model.ErrSegmentNotOpen),
		errors.Is(err, model.ErrAlreadyMember),
		errors.Is(err, model.ErrGroupClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrReversalRejected),
		errors.Is(err, model.ErrNotMember),
		errors.Is(err, model.ErrIntegrityDrift):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	msg := err.Error()
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
		msg = "internal error"
	} else {
		entry.Debug("request rejected")
	}
	writeError(w, status, msg)
}

// replay answers a repeated idempotent command with the original result.
func replay(w http.ResponseWriter, err error, present bool, v any) bool {
	if !present || !errors.Is(err, model.ErrDuplicateKey) {
		return false
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, v)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

func (b badRequest) Is(target error) bool { return target == model.ErrInvalidInput }
