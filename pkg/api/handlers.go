package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/audit"
	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/escalation"
	"github.com/Castellan-Labs/castellan/pkg/notify"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/sla"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

// Deps are the engine components the HTTP surface projects.
type Deps struct {
	Registry   *rules.Registry
	Store      store.HistoryStore
	Machine    *escalation.StateMachine
	Clocks     *sla.Manager
	Engine     *escalation.Engine
	Dispatcher *notify.Dispatcher
	Ledger     *audit.Ledger
	Auth       *TokenManager
	Limiter    *GlobalRateLimiter
	Logger     *slog.Logger
}

// Server serves the engine API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer wires the handlers.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.Handle("POST /v1/rules", s.admin(http.HandlerFunc(s.handleCreateRule)))
	mux.Handle("PUT /v1/rules/{id}", s.admin(http.HandlerFunc(s.handleUpdateRule)))
	mux.Handle("DELETE /v1/rules/{id}", s.admin(http.HandlerFunc(s.handleDeleteRule)))

	mux.HandleFunc("POST /v1/cases/evaluate", s.handleEvaluateCase)
	mux.HandleFunc("GET /v1/history", s.handleListHistory)
	mux.HandleFunc("POST /v1/history/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/sla", s.handleListSLA)
	mux.HandleFunc("GET /v1/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /v1/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	if s.deps.Limiter != nil {
		h = s.deps.Limiter.Middleware(h)
	}
	return h
}

// admin wraps a mutating handler in bearer auth when configured.
func (s *Server) admin(next http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return next
	}
	return s.deps.Auth.RequireAdmin(next)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule contracts.EscalationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		WriteBadRequest(w, "invalid rule JSON: "+err.Error())
		return
	}
	created, err := s.deps.Registry.Create(&rule)
	if err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch contracts.EscalationRule
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteBadRequest(w, "invalid rule JSON: "+err.Error())
		return
	}
	updated, err := s.deps.Registry.Update(r.PathValue("id"), &patch)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, updated)
	case errors.Is(err, rules.ErrRuleNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteUnprocessable(w, err.Error())
	}
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Registry.Delete(r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, rules.ErrRuleNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// handleEvaluateCase is the push-style entry point for case change
// events. A transition, if any, is returned; 204 means no rule fired.
func (s *Server) handleEvaluateCase(w http.ResponseWriter, r *http.Request) {
	var snap contracts.CaseSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		WriteBadRequest(w, "invalid case snapshot JSON: "+err.Error())
		return
	}
	rec, err := s.deps.Machine.HandleSnapshot(r.Context(), snap)
	switch {
	case err == nil && rec == nil:
		w.WriteHeader(http.StatusNoContent)
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, contracts.ErrMalformedSnapshot):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, rules.ErrAmbiguousMatch), errors.Is(err, rules.ErrBadExpression):
		// Rule-set configuration problems, not server faults.
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.HistoryFilter{
		CaseID:       q.Get("case_id"),
		Level:        intParam(q.Get("level")),
		OnlyOpen:     q.Get("open") == "true",
		OnlyResolved: q.Get("resolved") == "true",
		Limit:        intParam(q.Get("limit")),
	}
	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		WriteBadRequest(w, "invalid from timestamp")
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		WriteBadRequest(w, "invalid to timestamp")
		return
	}

	records, err := s.deps.Store.ListHistory(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid resolution JSON: "+err.Error())
		return
	}
	resolved, err := s.deps.Machine.Resolve(r.Context(), r.PathValue("id"), body.Notes)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resolved)
	case errors.Is(err, escalation.ErrEmptyResolutionNotes):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, store.ErrHistoryNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, store.ErrAlreadyResolved):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleListSLA(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SLAFilter{
		CaseID: q.Get("case_id"),
		Status: contracts.SLAStatus(q.Get("status")),
		Level:  intParam(q.Get("level")),
		Limit:  intParam(q.Get("limit")),
	}
	clocks, err := s.deps.Store.ListSLA(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clocks)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.NotificationFilter{
		CaseID:    q.Get("case_id"),
		HistoryID: q.Get("history_id"),
		Status:    contracts.NotificationStatus(q.Get("status")),
		Channel:   contracts.Channel(q.Get("channel")),
		Limit:     intParam(q.Get("limit")),
	}
	notifications, err := s.deps.Store.ListNotifications(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Store.MarkNotificationRead(r.Context(), r.PathValue("id"), time.Now().UTC())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotificationNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, store.ErrStaleTransition):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		WriteNotFound(w, "audit ledger not configured")
		return
	}
	q := r.URL.Query()
	entries := s.deps.Ledger.Query(audit.QueryFilter{
		Type:   audit.EntryType(q.Get("type")),
		CaseID: q.Get("case_id"),
		Limit:  intParam(q.Get("limit")),
	})
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ledger == nil {
		WriteNotFound(w, "audit ledger not configured")
		return
	}
	if err := s.deps.Ledger.VerifyChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": s.deps.Ledger.Len()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status": "ok",
		"rules":  s.deps.Registry.Size(),
	}
	if s.deps.Clocks != nil {
		health["live_clocks"] = s.deps.Clocks.LiveCount()
	}
	if s.deps.Dispatcher != nil {
		health["queue_depth"] = s.deps.Dispatcher.QueueDepth()
	}
	if s.deps.Engine != nil {
		if last := s.deps.Engine.LastTick(); !last.IsZero() {
			health["last_tick_age_sec"] = int(time.Since(last).Seconds())
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
