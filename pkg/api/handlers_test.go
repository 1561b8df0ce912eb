package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Castellan-Labs/castellan/pkg/audit"
	"github.com/Castellan-Labs/castellan/pkg/contracts"
	"github.com/Castellan-Labs/castellan/pkg/directory"
	"github.com/Castellan-Labs/castellan/pkg/escalation"
	"github.com/Castellan-Labs/castellan/pkg/rules"
	"github.com/Castellan-Labs/castellan/pkg/sla"
	"github.com/Castellan-Labs/castellan/pkg/store"
)

type testServer struct {
	handler  http.Handler
	registry *rules.Registry
	store    store.HistoryStore
	machine  *escalation.StateMachine
	auth     *TokenManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	clocks := sla.NewManager(st, nil, nil)

	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)
	registry := rules.NewRegistry(evaluator)

	dir := directory.NewStatic(map[string][]string{"mlro": {"u-1"}})
	machine := escalation.NewStateMachine(st, clocks, evaluator, registry, dir, nil, nil)

	auth := NewTokenManager("test-secret")
	srv := NewServer(Deps{
		Registry: registry,
		Store:    st,
		Machine:  machine,
		Clocks:   clocks,
		Ledger:   audit.NewLedger(),
		Auth:     auth,
	})
	return &testServer{
		handler:  srv.Handler(),
		registry: registry,
		store:    st,
		machine:  machine,
		auth:     auth,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, err := ts.auth.IssueToken("admin", []string{"rule_admin"}, time.Hour)
	require.NoError(t, err)
	return token
}

func validRule() map[string]any {
	return map[string]any{
		"name":             "sanctions-critical",
		"case_type":        "sanctions_hit",
		"escalation_level": 5,
		"target_role":      "mlro",
		"active":           true,
	}
}

func TestRules_CreateRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/rules", "", validRule())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	// A token without the rule_admin role is forbidden.
	token, err := ts.auth.IssueToken("viewer", []string{"viewer"}, time.Hour)
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/v1/rules", token, validRule())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/rules", ts.adminToken(t), validRule())
	assert.Equal(t, http.StatusCreated, rec.Code)

	var created contracts.EscalationRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
}

func TestRules_CRUD(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	rec := ts.do(t, http.MethodPost, "/v1/rules", token, validRule())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created contracts.EscalationRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Listing is public.
	rec = ts.do(t, http.MethodGet, "/v1/rules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []contracts.EscalationRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	patch := validRule()
	patch["escalation_level"] = 4
	rec = ts.do(t, http.MethodPut, "/v1/rules/"+created.ID, token, patch)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated contracts.EscalationRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 4, updated.EscalationLevel)

	rec = ts.do(t, http.MethodDelete, "/v1/rules/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/v1/rules/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_InvalidDefinitionRejected(t *testing.T) {
	ts := newTestServer(t)

	bad := validRule()
	bad["escalation_level"] = 9
	rec := ts.do(t, http.MethodPost, "/v1/rules", ts.adminToken(t), bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func escalateCase(t *testing.T, ts *testServer) *contracts.EscalationHistory {
	t.Helper()
	_, err := ts.registry.Create(&contracts.EscalationRule{
		Name:            "sanctions-critical",
		CaseType:        contracts.CaseTypeSanctionsHit,
		EscalationLevel: 5,
		TargetRole:      "mlro",
		Active:          true,
	})
	require.NoError(t, err)

	rec, err := ts.machine.HandleSnapshot(context.Background(), contracts.CaseSnapshot{
		CaseID:    "case-1",
		CaseType:  contracts.CaseTypeSanctionsHit,
		Priority:  contracts.PriorityHigh,
		RiskScore: 95,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestEvaluateCase_Push(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.registry.Create(&contracts.EscalationRule{
		Name:            "sanctions-critical",
		CaseType:        contracts.CaseTypeSanctionsHit,
		EscalationLevel: 5,
		TargetRole:      "mlro",
		Active:          true,
	})
	require.NoError(t, err)

	snap := map[string]any{
		"case_id":    "case-9",
		"case_type":  "sanctions_hit",
		"priority":   2,
		"risk_score": 80,
		"created_at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	resp := ts.do(t, http.MethodPost, "/v1/cases/evaluate", "", snap)
	require.Equal(t, http.StatusOK, resp.Code)
	var rec contracts.EscalationHistory
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rec))
	assert.Equal(t, 5, rec.Level)

	// Replaying the same snapshot is a no-op.
	resp = ts.do(t, http.MethodPost, "/v1/cases/evaluate", "", snap)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	// A snapshot with no case id is malformed.
	resp = ts.do(t, http.MethodPost, "/v1/cases/evaluate", "", map[string]any{"case_type": "fraud"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestEvaluateCase_RuleErrorsReportConflict(t *testing.T) {
	ts := newTestServer(t)

	// Compiles fine, blows up at evaluation time when risk_score is 95.
	_, err := ts.registry.Create(&contracts.EscalationRule{
		Name:            "risk-ratio",
		CaseType:        contracts.CaseTypeSanctionsHit,
		Expression:      "1 / (kase.risk_score - 95) > 0",
		EscalationLevel: 3,
		TargetRole:      "mlro",
		Active:          true,
	})
	require.NoError(t, err)

	snap := map[string]any{
		"case_id":    "case-9",
		"case_type":  "sanctions_hit",
		"priority":   2,
		"risk_score": 95,
		"created_at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	resp := ts.do(t, http.MethodPost, "/v1/cases/evaluate", "", snap)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "invalid rule expression")
}

func TestHistory_ListAndResolve(t *testing.T) {
	ts := newTestServer(t)
	rec := escalateCase(t, ts)

	resp := ts.do(t, http.MethodGet, "/v1/history?case_id=case-1&open=true", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var records []contracts.EscalationHistory
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &records))
	require.Len(t, records, 1)

	// Empty notes are rejected and the record stays open.
	resp = ts.do(t, http.MethodPost, "/v1/history/"+rec.ID+"/resolve", "", map[string]string{"notes": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = ts.do(t, http.MethodPost, "/v1/history/"+rec.ID+"/resolve", "", map[string]string{"notes": "cleared after review"})
	require.Equal(t, http.StatusOK, resp.Code)
	var resolved contracts.EscalationHistory
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &resolved))
	assert.NotNil(t, resolved.ResolvedAt)

	// Resolving twice conflicts.
	resp = ts.do(t, http.MethodPost, "/v1/history/"+rec.ID+"/resolve", "", map[string]string{"notes": "again"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.do(t, http.MethodPost, "/v1/history/nope/resolve", "", map[string]string{"notes": "x"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSLA_List(t *testing.T) {
	ts := newTestServer(t)
	escalateCase(t, ts)

	resp := ts.do(t, http.MethodGet, "/v1/sla?case_id=case-1&status=active", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var clocks []contracts.SLATracking
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &clocks))
	require.Len(t, clocks, 1)
	assert.Equal(t, 5, clocks[0].Level)
}

func TestNotifications_MarkRead(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.AppendNotification(ctx, &contracts.EscalationNotification{
		ID: "n1", HistoryID: "h1", CaseID: "case-1",
		Channel: contracts.ChannelInApp, Status: contracts.NotificationPending,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, ts.store.MarkNotificationSent(ctx, "n1", time.Now()))

	resp := ts.do(t, http.MethodPost, "/v1/notifications/n1/read", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = ts.do(t, http.MethodGet, "/v1/notifications?status=read", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var notifications []contracts.EscalationNotification
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &notifications))
	require.Len(t, notifications, 1)

	resp = ts.do(t, http.MethodPost, "/v1/notifications/ghost/read", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
}

func TestAuditEndpoints(t *testing.T) {
	ledger := audit.NewLedger()
	_, err := ledger.Append(audit.EntryEscalation, "case-1", map[string]any{"level": 5})
	require.NoError(t, err)

	evaluator, eerr := rules.NewEvaluator()
	require.NoError(t, eerr)
	srv := NewServer(Deps{
		Registry: rules.NewRegistry(evaluator),
		Store:    store.NewMemoryStore(),
		Ledger:   ledger,
	})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/audit?case_id=case-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	req = httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestRateLimiter_Middleware(t *testing.T) {
	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)
	srv := NewServer(Deps{
		Registry: rules.NewRegistry(evaluator),
		Store:    store.NewMemoryStore(),
		Limiter:  NewGlobalRateLimiter(1, 2),
	})
	handler := srv.Handler()

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK], fmt.Sprintf("codes: %v", codes))
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
