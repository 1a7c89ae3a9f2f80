// Package server exposes the monolog service over HTTP. The API mirrors a
// small ingest surface: session upserts, normalized message turns, lifecycle
// signals and similarity search. Handlers translate JSON payloads into typed
// runtime events and delegate everything else to the service.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	monolog "github.com/olbrasoft/monolog"
	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/logging"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP server.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Server routes HTTP requests to the monolog service.
type Server struct {
	svc    *monolog.Service
	logger logging.Logger
}

// New creates the HTTP handler for the given service.
func New(svc *monolog.Service, optFns ...func(o *Options)) http.Handler {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &Server{svc: svc, logger: logging.OrNoOp(opts.Logger)}

	mux := http.NewServeMux()

	// /api/sessions            → POST: upsert session
	// /api/sessions/{id}       → GET: resolve session
	// /api/sessions/{id}/idle  → POST: idle signal
	// /api/sessions/{id}/abort → POST: abort signal
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionWithID)

	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/monologs/search", s.handleSearch)
	mux.HandleFunc("/health", s.handleHealth)

	return s.withLogging(mux)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type upsertSessionRequest struct {
	SessionID        string  `json:"sessionId"`
	Title            *string `json:"title,omitempty"`
	WorkingDirectory *string `json:"workingDirectory,omitempty"`
	CreatedAt        *string `json:"createdAt,omitempty"`
}

type sessionResponse struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
}

// createMessageRequest is a normalized message turn. Role uses the wire
// encoding of the ingesting runtime: 0 = user, 1 = assistant.
type createMessageRequest struct {
	MessageID             string   `json:"messageId"`
	SessionID             string   `json:"sessionId"`
	Role                  int      `json:"role"`
	Mode                  *int     `json:"mode,omitempty"`
	ParticipantIdentifier string   `json:"participantIdentifier,omitempty"`
	ProviderName          string   `json:"providerName,omitempty"`
	Content               string   `json:"content"`
	TokensInput           *int64   `json:"tokensInput,omitempty"`
	TokensOutput          *int64   `json:"tokensOutput,omitempty"`
	Cost                  *float64 `json:"cost,omitempty"`
	CreatedAt             *string  `json:"createdAt,omitempty"`
	// ParentMessageID is part of the runtime's wire format but carries the
	// runtime's own threading, not ours: monolog parentage is resolved from
	// store state, so the field is accepted and ignored.
	ParentMessageID *string `json:"parentMessageId,omitempty"`
}

type searchRequest struct {
	Vector        []float32 `json:"vector"`
	SessionID     string    `json:"sessionId,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	MinSimilarity *float64  `json:"minSimilarity,omitempty"`
}

type searchResultResponse struct {
	MonologID   int64    `json:"monologId"`
	SessionID   int64    `json:"sessionId"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Similarity  float64  `json:"similarity"`
	StartedAt   string   `json:"startedAt"`
	CompletedAt *string  `json:"completedAt,omitempty"`
	Cost        *float64 `json:"cost,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────

// /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req upsertSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		badRequest(w, "sessionId is required")
		return
	}
	createdAt, ok := parseTimestamp(w, req.CreatedAt)
	if !ok {
		return
	}

	if err := s.svc.HandleEvent(r.Context(), core.SessionUpserted{
		SessionID: req.SessionID,
		Title:     req.Title,
		Directory: req.WorkingDirectory,
		CreatedAt: createdAt,
	}); err != nil {
		s.internalError(w, r, err)
		return
	}
	ref, found, err := s.svc.Store().GetSessionRef(r.Context(), req.SessionID)
	if err == nil && !found {
		err = errors.New("session missing after upsert")
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: ref, SessionID: req.SessionID})
}

// /api/sessions/{id}[/idle|/abort]
func (s *Server) handleSessionWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetSession(w, r, id)
	case len(parts) == 2 && parts[1] == "idle":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSignal(w, r, core.SessionIdle{SessionID: id, At: time.Now().UTC()})
	case len(parts) == 2 && parts[1] == "abort":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSignal(w, r, core.SessionAborted{SessionID: id, At: time.Now().UTC()})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ref, found, err := s.svc.Store().GetSessionRef(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: ref, SessionID: sessionID})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request, ev core.Event) {
	if err := s.svc.HandleEvent(r.Context(), ev); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// /api/messages
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		badRequest(w, "sessionId is required")
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		badRequest(w, "messageId is required")
		return
	}
	createdAt, ok := parseTimestamp(w, req.CreatedAt)
	if !ok {
		return
	}

	turn, err := turnFromRequest(req, createdAt)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.svc.HandleEvent(r.Context(), core.TurnEvent{Turn: turn}); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// turnFromRequest maps the wire role encoding (0 = user, 1 = assistant) onto
// the typed turn variants.
func turnFromRequest(req createMessageRequest, createdAt time.Time) (core.Turn, error) {
	switch req.Role {
	case 0:
		return core.UserTurn{
			SessionID:   req.SessionID,
			MessageID:   req.MessageID,
			Text:        req.Content,
			Timestamp:   createdAt,
			Participant: req.ParticipantIdentifier,
		}, nil
	case 1:
		mode := core.ModeBuild
		if req.Mode != nil {
			mode = core.Mode(*req.Mode)
			if !mode.Valid() {
				return nil, errors.New("mode must be 1 (build) or 2 (plan)")
			}
		}
		var usage *core.Usage
		if req.TokensInput != nil || req.TokensOutput != nil || req.Cost != nil {
			usage = &core.Usage{
				TokensInput:  req.TokensInput,
				TokensOutput: req.TokensOutput,
				Cost:         req.Cost,
			}
		}
		return core.AssistantTurn{
			SessionID:   req.SessionID,
			MessageID:   req.MessageID,
			Text:        req.Content,
			Timestamp:   createdAt,
			Participant: req.ParticipantIdentifier,
			Provider:    req.ProviderName,
			Mode:        mode,
			Usage:       usage,
		}, nil
	default:
		return nil, errors.New("role must be 0 (user) or 1 (assistant)")
	}
}

// /api/monologs/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Vector) == 0 {
		badRequest(w, "vector is required")
		return
	}

	results, err := s.svc.Search(r.Context(), monolog.SearchRequest{
		Vector:        req.Vector,
		SessionID:     req.SessionID,
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	out := make([]searchResultResponse, len(results))
	for i, res := range results {
		m := res.Monolog
		item := searchResultResponse{
			MonologID:  m.ID,
			SessionID:  m.SessionID,
			Role:       m.Role.String(),
			Content:    m.Content,
			Similarity: res.Similarity,
			StartedAt:  m.StartedAt.Format(time.RFC3339Nano),
			Cost:       m.Cost,
		}
		if m.CompletedAt != nil {
			v := m.CompletedAt.Format(time.RFC3339Nano)
			item.CompletedAt = &v
		}
		out[i] = item
	}
	writeJSON(w, http.StatusOK, out)
}

// /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(w, "request body is required")
			return false
		}
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseTimestamp(w http.ResponseWriter, raw *string) (time.Time, bool) {
	if raw == nil || *raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		badRequest(w, "createdAt must be RFC 3339")
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withLogging logs every request with its latency.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
