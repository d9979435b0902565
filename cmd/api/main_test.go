package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"showingflow/auth"
	"showingflow/escalation"
	"showingflow/notify"
	"showingflow/preference"
	"showingflow/showing"
)

type stubShowingService struct {
	request    showing.Request
	items      []showing.Request
	events     []showing.Event
	err        error
	created    showing.CreateInput
	acceptedBy string
	feedback   string
	listedFor  string
	listedPub  bool
}

func (s *stubShowingService) Create(_ context.Context, in showing.CreateInput) (showing.Request, error) {
	s.created = in
	if s.err != nil {
		return showing.Request{}, s.err
	}
	req := s.request
	req.RequesterID = in.RequesterID
	req.Payload = in.Payload
	return req, nil
}

func (s *stubShowingService) Get(_ context.Context, _ string) (showing.Request, error) {
	return s.request, s.err
}

func (s *stubShowingService) Events(_ context.Context, _ string) ([]showing.Event, error) {
	return s.events, s.err
}

func (s *stubShowingService) Accept(_ context.Context, _ string, handlerID string) (showing.Request, error) {
	s.acceptedBy = handlerID
	return s.request, s.err
}

func (s *stubShowingService) Complete(_ context.Context, _ string, _ string, feedback string) (showing.Request, error) {
	s.feedback = feedback
	return s.request, s.err
}

func (s *stubShowingService) ListForHandler(_ context.Context, handlerID string, _ showing.Status, _, _ int) ([]showing.Request, int, error) {
	s.listedFor = handlerID
	return s.items, len(s.items), s.err
}

func (s *stubShowingService) ListPublic(_ context.Context, _, _ int) ([]showing.Request, int, error) {
	s.listedPub = true
	return s.items, len(s.items), s.err
}

type stubPreferenceService struct {
	list    preference.List
	err     error
	set     preference.List
	removed string
}

func (s *stubPreferenceService) GetCandidates(_ context.Context, requesterID string) (preference.List, error) {
	l := s.list
	l.RequesterID = requesterID
	return l, s.err
}

func (s *stubPreferenceService) Set(_ context.Context, list preference.List) (preference.List, error) {
	s.set = list
	return list, s.err
}

func (s *stubPreferenceService) AddCandidate(_ context.Context, _ string, c preference.Candidate) (preference.Candidate, error) {
	return c, s.err
}

func (s *stubPreferenceService) RemoveCandidate(_ context.Context, _ string, handlerID string) error {
	s.removed = handlerID
	return s.err
}

type stubEscalator struct {
	outcome escalation.Outcome
	err     error
	calls   int
}

func (s *stubEscalator) EscalateNow(_ context.Context, _ string) (escalation.Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubInbox struct {
	entries []notify.Notification
	err     error
	handler string
	limit   int
}

func (s *stubInbox) Inbox(_ context.Context, handlerID string, limit int) ([]notify.Notification, error) {
	s.handler = handlerID
	s.limit = limit
	return s.entries, s.err
}

func withPrincipal(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func pendingRequest(now time.Time) showing.Request {
	idx := 0
	handler := "agent-1"
	return showing.Request{
		ID:                    "r1",
		RequesterID:           "owner-1",
		Payload:               showing.Payload{PropertyAddress: "1 Main St"},
		Status:                showing.StatusPending,
		CurrentCandidateIndex: &idx,
		AssignedHandlerID:     &handler,
		AssignedAt:            &now,
		EscalationStartedAt:   &now,
		NotifiedHandlers:      []string{"agent-1"},
		Version:               2,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func TestHandleShowingDetail_Success(t *testing.T) {
	now := time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)
	server := &Server{showingService: &stubShowingService{request: pendingRequest(now)}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/r1", nil), "agent-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp showingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "r1" || resp.Status != showing.StatusPending || resp.AssignedHandlerID == nil || *resp.AssignedHandlerID != "agent-1" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.EscalationStartedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected escalationStartedAt %s, got %s", now.Format(time.RFC3339), resp.EscalationStartedAt)
	}
}

func TestHandleShowingDetail_HiddenFromStrangers(t *testing.T) {
	server := &Server{showingService: &stubShowingService{request: pendingRequest(time.Now())}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/r1", nil), "agent-9", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleShowingDetail_NotFound(t *testing.T) {
	server := &Server{showingService: &stubShowingService{err: showing.ErrNotFound}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/missing", nil), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleShowingDetail_InvalidPath(t *testing.T) {
	server := &Server{showingService: &stubShowingService{}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/", nil), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleShowingDetail_WrongMethod(t *testing.T) {
	server := &Server{showingService: &stubShowingService{}}

	req := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/showings/r1", nil), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleAccept_UsesCaller(t *testing.T) {
	svc := &stubShowingService{request: pendingRequest(time.Now())}
	server := &Server{showingService: svc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/accept", nil), "agent-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.acceptedBy != "agent-1" {
		t.Fatalf("expected accept as agent-1, got %q", svc.acceptedBy)
	}
}

func TestHandleAccept_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{showing.ErrAcceptForbidden, http.StatusForbidden},
		{showing.ErrAlreadyAccepted, http.StatusConflict},
		{showing.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			server := &Server{showingService: &stubShowingService{err: tt.err}}
			req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/accept", nil), "agent-2", auth.RoleAgent)
			rec := httptest.NewRecorder()

			server.handleShowingDetail(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleComplete_Feedback(t *testing.T) {
	svc := &stubShowingService{request: pendingRequest(time.Now())}
	server := &Server{showingService: svc}

	body := strings.NewReader(`{"feedback":"went well"}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/complete", body), "agent-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.feedback != "went well" {
		t.Fatalf("expected feedback to be forwarded, got %q", svc.feedback)
	}

	// An empty body is allowed.
	req = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/complete", nil), "agent-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handleShowingDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty body, got %d", rec.Code)
	}
}

func TestHandleComplete_NotAcceptor(t *testing.T) {
	server := &Server{showingService: &stubShowingService{err: showing.ErrNotAcceptor}}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/complete", nil), "agent-2", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleEscalate_OperatorOnly(t *testing.T) {
	esc := &stubEscalator{outcome: escalation.OutcomeEscalated}
	server := &Server{escalator: esc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/escalate", nil), "agent-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handleShowingDetail(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent, got %d", rec.Code)
	}
	if esc.calls != 0 {
		t.Fatalf("escalator must not be called for agents")
	}

	req = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/escalate", nil), "op-1", auth.RoleOperator)
	rec = httptest.NewRecorder()
	server.handleShowingDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d", rec.Code)
	}
	var payload struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Outcome != string(escalation.OutcomeEscalated) || payload.ID != "r1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleEscalate_UpstreamUnavailable(t *testing.T) {
	err := fmt.Errorf("%w: preferences: %w", escalation.ErrUpstreamUnavailable, errors.New("timeout"))
	server := &Server{escalator: &stubEscalator{err: err}}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings/r1/escalate", nil), "op-1", auth.RoleBrokerAdmin)
	rec := httptest.NewRecorder()
	server.handleShowingDetail(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleEvents_RequesterOnly(t *testing.T) {
	now := time.Now().UTC()
	to := "agent-1"
	svc := &stubShowingService{
		request: pendingRequest(now),
		events:  []showing.Event{{Seq: 1, Type: showing.EventAssigned, ToHandler: &to, CreatedAt: now}},
	}
	server := &Server{showingService: svc}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/r1/events", nil), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handleShowingDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []eventResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Type != showing.EventAssigned {
		t.Fatalf("unexpected events payload: %+v", payload)
	}

	req = withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings/r1/events", nil), "agent-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handleShowingDetail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-requester, got %d", rec.Code)
	}
}

func TestHandleShowings_Create(t *testing.T) {
	svc := &stubShowingService{request: showing.Request{ID: "r1", Status: showing.StatusPending, CreatedAt: time.Now()}}
	server := &Server{showingService: svc}

	body := strings.NewReader(`{"payload":{"propertyAddress":"1 Main St","notes":"lockbox"}}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings", body), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()

	server.handleShowings(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if svc.created.RequesterID != "owner-1" || svc.created.Payload.PropertyAddress != "1 Main St" {
		t.Fatalf("unexpected create input: %+v", svc.created)
	}
}

func TestHandleShowings_CreateValidation(t *testing.T) {
	server := &Server{showingService: &stubShowingService{err: showing.ErrInvalidInput}}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings", strings.NewReader(`{"payload":{}}`)), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handleShowings(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/showings", strings.NewReader(`{"bogus":1}`)), "owner-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handleShowings(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHandleShowings_List(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubShowingService{items: []showing.Request{pendingRequest(now)}}
	server := &Server{showingService: svc}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings?status=pending", nil), "agent-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handleShowings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []showingResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || svc.listedFor != "agent-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	req = withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings?public=1", nil), "agent-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handleShowings(rec, req)
	if rec.Code != http.StatusOK || !svc.listedPub {
		t.Fatalf("expected public listing, got %d", rec.Code)
	}

	req = withPrincipal(httptest.NewRequest(http.MethodGet, "/api/showings?status=lost", nil), "agent-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handleShowings(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
}

func TestHandlePreferences(t *testing.T) {
	prefs := &stubPreferenceService{list: preference.List{
		Candidates: []preference.Candidate{{HandlerID: "agent-1", Rank: 1}},
	}}
	server := &Server{preferenceService: prefs}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/preferences", nil), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handlePreferences(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list preference.List
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.RequesterID != "owner-1" || len(list.Candidates) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	body := strings.NewReader(`{"candidates":[{"handlerId":"agent-2","rank":1}],"defaultResponseTimeoutSeconds":120}`)
	req = withPrincipal(httptest.NewRequest(http.MethodPut, "/api/preferences", body), "owner-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handlePreferences(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if prefs.set.RequesterID != "owner-1" || prefs.set.DefaultResponseTimeoutSeconds != 120 || prefs.set.Candidates[0].HandlerID != "agent-2" {
		t.Fatalf("unexpected set call: %+v", prefs.set)
	}
}

func TestHandleInbox(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	inbox := &stubInbox{entries: []notify.Notification{
		{HandlerID: "agent-1", RequestID: "r2", At: at},
		{HandlerID: "agent-1", RequestID: "r1", At: at.Add(-time.Minute)},
	}}
	server := &Server{inbox: inbox}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/inbox?limit=5", nil), "agent-1", auth.RoleShowingAgent)
	rec := httptest.NewRecorder()
	server.handleInbox(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if inbox.handler != "agent-1" || inbox.limit != 5 {
		t.Fatalf("unexpected inbox call: handler=%q limit=%d", inbox.handler, inbox.limit)
	}
	var payload struct {
		Items []inboxEntry `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 2 || payload.Items[0].RequestID != "r2" || payload.Items[0].At != "2026-03-04T10:00:00Z" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleInbox_NotConfiguredOrFailing(t *testing.T) {
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/inbox", nil), "agent-1", auth.RoleShowingAgent)
	rec := httptest.NewRecorder()
	(&Server{}).handleInbox(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an inbox, got %d", rec.Code)
	}

	server := &Server{inbox: &stubInbox{err: errors.New("redis down")}}
	rec = httptest.NewRecorder()
	server.handleInbox(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlePreferenceAgents(t *testing.T) {
	prefs := &stubPreferenceService{}
	server := &Server{preferenceService: prefs}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/preferences/agents", strings.NewReader(`{"handlerId":"agent-3"}`)), "owner-1", auth.RoleAgent)
	rec := httptest.NewRecorder()
	server.handlePreferenceAgents(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req = withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/preferences/agents/agent-3", nil), "owner-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handlePreferenceAgents(rec, req)
	if rec.Code != http.StatusNoContent || prefs.removed != "agent-3" {
		t.Fatalf("expected 204 removing agent-3, got %d (%q)", rec.Code, prefs.removed)
	}

	prefs.err = preference.ErrDuplicateCandidate
	req = withPrincipal(httptest.NewRequest(http.MethodPost, "/api/preferences/agents", strings.NewReader(`{"handlerId":"agent-3"}`)), "owner-1", auth.RoleAgent)
	rec = httptest.NewRecorder()
	server.handlePreferenceAgents(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	verifier, err := auth.NewTokenVerifier("test-secret", nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	svc := &stubShowingService{request: pendingRequest(time.Now())}
	server := &Server{
		showingService: svc,
		verifier:       verifier,
		registry:       prometheus.NewRegistry(),
	}
	h := server.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/showings/r1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/showings/r1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	token, err := verifier.Issue("owner-1", auth.RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/showings/r1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
}

func TestHealthz_Unavailable(t *testing.T) {
	server := &Server{health: func(context.Context) error { return errors.New("db down") }}
	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Fatalf("expected version in output, got %q", out.String())
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "op-1", "--role", "operator"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	verifier, _ := auth.NewTokenVerifier("cli-secret", nil)
	p, err := verifier.VerifyToken(context.Background(), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if p.UserID != "op-1" || p.Role != auth.RoleOperator {
		t.Fatalf("unexpected principal: %+v", p)
	}
}
