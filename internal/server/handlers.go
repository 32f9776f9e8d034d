package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/agent"
)

// maxBodyBytes caps request bodies on the control API.
const maxBodyBytes = 64 << 10

// StartRequest is the body of POST /api/sessions. Command is accepted as an
// alias of Goal for older clients.
type StartRequest struct {
	Goal    string `json:"goal"`
	Command string `json:"command,omitempty"`
}

// Response is the envelope of every control API reply.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	goal := req.Goal
	if strings.TrimSpace(goal) == "" {
		goal = req.Command
	}

	id, err := s.sessions.Start(r.Context(), goal)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Failed to start session", zap.Error(err))
		}
		s.respondWithError(w, status, err.Error())
		return
	}

	s.logger.Info("Session accepted", zap.String("session_id", id))
	w.Header().Set("Location", "/api/sessions/"+id)
	s.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	s.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Describe(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondWithError(w, statusFor(err), err.Error())
		return
	}
	s.respondWithSuccess(w, http.StatusOK, info)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Cancel(id); err != nil {
		s.respondWithError(w, statusFor(err), err.Error())
		return
	}
	info, err := s.sessions.Describe(id)
	if err != nil {
		// Evicted between the two calls.
		s.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"session_id": id})
		return
	}
	s.respondWithStatus(w, http.StatusAccepted, "accepted", info)
}

// statusFor maps session manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrEmptyGoal):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, agent.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, Response{Status: "error", Error: message})
}

func (s *Server) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	s.respondWithStatus(w, statusCode, "success", data)
}

func (s *Server) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	s.writeJSON(w, statusCode, Response{Status: status, Data: data})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
