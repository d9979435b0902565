package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"showingflow/auth"
	"showingflow/escalation"
	"showingflow/notify"
	"showingflow/preference"
	"showingflow/showing"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "user_id"
	ctxKeyRole   contextKey = "role"
)

type showingService interface {
	Create(ctx context.Context, in showing.CreateInput) (showing.Request, error)
	Get(ctx context.Context, id string) (showing.Request, error)
	Events(ctx context.Context, id string) ([]showing.Event, error)
	Accept(ctx context.Context, id, handlerID string) (showing.Request, error)
	Complete(ctx context.Context, id, handlerID string, feedback string) (showing.Request, error)
	ListForHandler(ctx context.Context, handlerID string, status showing.Status, page, pageSize int) ([]showing.Request, int, error)
	ListPublic(ctx context.Context, page, pageSize int) ([]showing.Request, int, error)
}

type preferenceService interface {
	GetCandidates(ctx context.Context, requesterID string) (preference.List, error)
	Set(ctx context.Context, list preference.List) (preference.List, error)
	AddCandidate(ctx context.Context, requesterID string, c preference.Candidate) (preference.Candidate, error)
	RemoveCandidate(ctx context.Context, requesterID, handlerID string) error
}

type escalator interface {
	EscalateNow(ctx context.Context, requestID string) (escalation.Outcome, error)
}

type inboxReader interface {
	Inbox(ctx context.Context, handlerID string, limit int) ([]notify.Notification, error)
}

type tokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Principal, error)
}

// Server exposes the showing lifecycle, preference management and manual escalation.
type Server struct {
	showingService    showingService
	preferenceService preferenceService
	escalator         escalator
	inbox             inboxReader
	verifier          tokenVerifier
	registry          *prometheus.Registry
	health            func(ctx context.Context) error
	logger            *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/showings", s.handleShowings)
	api.HandleFunc("/api/showings/", s.handleShowingDetail)
	api.HandleFunc("/api/inbox", s.handleInbox)
	api.HandleFunc("/api/preferences", s.handlePreferences)
	api.HandleFunc("/api/preferences/agents", s.handlePreferenceAgents)
	api.HandleFunc("/api/preferences/agents/", s.handlePreferenceAgents)
	mux.Handle("/api/", s.requireAuth(api))

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.logger != nil {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := s.verifier.VerifyToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUserNotFound) {
				s.logError("verify token", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, p.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) (auth.Principal, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return auth.Principal{UserID: userID, Role: role}, userID != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createShowingRequest struct {
	Payload showing.Payload `json:"payload"`
}

type showingResponse struct {
	ID                    string          `json:"id"`
	RequesterID           string          `json:"requesterId"`
	Payload               showing.Payload `json:"payload"`
	Status                showing.Status  `json:"status"`
	CurrentCandidateIndex *int            `json:"currentCandidateIndex,omitempty"`
	AssignedHandlerID     *string         `json:"assignedHandlerId,omitempty"`
	AssignedAt            string          `json:"assignedAt,omitempty"`
	EscalationStartedAt   string          `json:"escalationStartedAt,omitempty"`
	IsPublic              bool            `json:"isPublic"`
	NotifiedHandlers      []string        `json:"notifiedHandlers"`
	AcceptedBy            *string         `json:"acceptedBy,omitempty"`
	AcceptedAt            string          `json:"acceptedAt,omitempty"`
	CompletedAt           string          `json:"completedAt,omitempty"`
	Feedback              *string         `json:"feedback,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             string          `json:"createdAt"`
	UpdatedAt             string          `json:"updatedAt"`
}

func toShowingResponse(req showing.Request) showingResponse {
	notified := req.NotifiedHandlers
	if notified == nil {
		notified = []string{}
	}
	return showingResponse{
		ID:                    req.ID,
		RequesterID:           req.RequesterID,
		Payload:               req.Payload,
		Status:                req.Status,
		CurrentCandidateIndex: req.CurrentCandidateIndex,
		AssignedHandlerID:     req.AssignedHandlerID,
		AssignedAt:            formatTime(req.AssignedAt),
		EscalationStartedAt:   formatTime(req.EscalationStartedAt),
		IsPublic:              req.IsPublic,
		NotifiedHandlers:      notified,
		AcceptedBy:            req.AcceptedBy,
		AcceptedAt:            formatTime(req.AcceptedAt),
		CompletedAt:           formatTime(req.CompletedAt),
		Feedback:              req.Feedback,
		Version:               req.Version,
		CreatedAt:             req.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             req.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type eventResponse struct {
	Seq            int               `json:"seq"`
	Type           showing.EventType `json:"type"`
	FromHandler    *string           `json:"fromHandler,omitempty"`
	ToHandler      *string           `json:"toHandler,omitempty"`
	CandidateIndex *int              `json:"candidateIndex,omitempty"`
	IsPublic       bool              `json:"isPublic"`
	CreatedAt      string            `json:"createdAt"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// canView hides requests from callers with no stake in them.
func canView(p auth.Principal, req showing.Request) bool {
	switch {
	case p.CanEscalate(), req.IsPublic, req.RequesterID == p.UserID, req.WasNotified(p.UserID):
		return true
	case req.AcceptedBy != nil && *req.AcceptedBy == p.UserID:
		return true
	default:
		return false
	}
}

func (s *Server) handleShowings(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		pageSize, _ := strconv.Atoi(q.Get("pageSize"))

		var (
			items []showing.Request
			total int
			err   error
		)
		if q.Get("public") == "1" || q.Get("public") == "true" {
			items, total, err = s.showingService.ListPublic(r.Context(), page, pageSize)
		} else {
			status := showing.Status(q.Get("status"))
			if status != "" && !status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid status")
				return
			}
			items, total, err = s.showingService.ListForHandler(r.Context(), p.UserID, status, page, pageSize)
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		resp := make([]showingResponse, 0, len(items))
		for _, item := range items {
			resp = append(resp, toShowingResponse(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": total})

	case http.MethodPost:
		var body createShowingRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := s.showingService.Create(r.Context(), showing.CreateInput{
			RequesterID: p.UserID,
			Payload:     body.Payload,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toShowingResponse(created))

	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleShowingDetail serves /api/showings/{id} and its action sub-resources.
func (s *Server) handleShowingDetail(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/showings/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, "invalid showing path")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		req, err := s.showingService.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !canView(p, req) {
			writeError(w, http.StatusNotFound, "showing not found")
			return
		}
		writeJSON(w, http.StatusOK, toShowingResponse(req))

	case "events":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		req, err := s.showingService.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if req.RequesterID != p.UserID && !p.CanEscalate() {
			writeError(w, http.StatusNotFound, "showing not found")
			return
		}
		events, err := s.showingService.Events(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		resp := make([]eventResponse, 0, len(events))
		for _, ev := range events {
			resp = append(resp, eventResponse{
				Seq:            ev.Seq,
				Type:           ev.Type,
				FromHandler:    ev.FromHandler,
				ToHandler:      ev.ToHandler,
				CandidateIndex: ev.CandidateIndex,
				IsPublic:       ev.IsPublic,
				CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": resp})

	case "accept":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		req, err := s.showingService.Accept(r.Context(), id, p.UserID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toShowingResponse(req))

	case "complete":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Feedback string `json:"feedback"`
		}
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req, err := s.showingService.Complete(r.Context(), id, p.UserID, body.Feedback)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toShowingResponse(req))

	case "escalate":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !p.CanEscalate() {
			writeError(w, http.StatusForbidden, "operator role required")
			return
		}
		outcome, err := s.escalator.EscalateNow(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "outcome": outcome})

	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

type inboxEntry struct {
	RequestID string `json:"requestId"`
	At        string `json:"at"`
}

// handleInbox replays the caller's recent offers. It is only served when a Redis inbox is
// configured.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.inbox == nil {
		writeError(w, http.StatusNotFound, "inbox not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.inbox.Inbox(r.Context(), p.UserID, limit)
	if err != nil {
		s.logError("read inbox", err)
		writeError(w, http.StatusServiceUnavailable, "inbox unavailable")
		return
	}
	resp := make([]inboxEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, inboxEntry{RequestID: e.RequestID, At: e.At.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": len(resp)})
}

type preferencesRequest struct {
	Candidates                    []preference.Candidate `json:"candidates"`
	DefaultResponseTimeoutSeconds int                    `json:"defaultResponseTimeoutSeconds"`
	MaxEscalationSeconds          int                    `json:"maxEscalationSeconds"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := s.preferenceService.GetCandidates(r.Context(), p.UserID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPut:
		var body preferencesRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		list, err := s.preferenceService.Set(r.Context(), preference.List{
			RequesterID:                   p.UserID,
			Candidates:                    body.Candidates,
			DefaultResponseTimeoutSeconds: body.DefaultResponseTimeoutSeconds,
			MaxEscalationSeconds:          body.MaxEscalationSeconds,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.Header().Set("Allow", "GET, PUT")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePreferenceAgents serves POST /api/preferences/agents and
// DELETE /api/preferences/agents/{handlerId}.
func (s *Server) handlePreferenceAgents(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	handlerID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/preferences/agents"), "/")

	switch {
	case r.Method == http.MethodPost && handlerID == "":
		var body preference.Candidate
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		c, err := s.preferenceService.AddCandidate(r.Context(), p.UserID, body)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)

	case r.Method == http.MethodDelete && handlerID != "":
		if err := s.preferenceService.RemoveCandidate(r.Context(), p.UserID, handlerID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case handlerID == "":
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")

	default:
		w.Header().Set("Allow", "DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, showing.ErrNotFound):
		writeError(w, http.StatusNotFound, "showing not found")
	case errors.Is(err, preference.ErrCandidateNotFound):
		writeError(w, http.StatusNotFound, "candidate not found")
	case errors.Is(err, showing.ErrInvalidInput), errors.Is(err, preference.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, showing.ErrAcceptForbidden), errors.Is(err, showing.ErrNotAcceptor):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, showing.ErrAlreadyAccepted), errors.Is(err, showing.ErrNotAccepted),
		errors.Is(err, preference.ErrDuplicateCandidate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escalation.ErrUpstreamUnavailable):
		s.logError("upstream unavailable", err)
		writeError(w, http.StatusServiceUnavailable, "upstream unavailable, retry later")
	default:
		s.logError("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
