package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"wafleet/internal/services/broadcast"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

const maxBodyBytes = 1 << 20

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

type pairRequest struct {
	Number  string `json:"number"`
	Channel string `json:"channel,omitempty"`
}

func (s *Service) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Channel != "" && !s.events.Known(req.Channel) {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	if err := s.sessions.StartPairing(req.Number, req.Channel); err != nil {
		if errors.Is(err, session.ErrInvalidNumber) {
			writeError(w, http.StatusBadRequest, "invalid phone number")
			return
		}
		if errors.Is(err, session.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		s.log.Error("pairing request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing"})
}

type logoutRequest struct {
	ID string `json:"id"`
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.sessions.Logout(r.Context(), req.ID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.log.Error("logout failed", logx.String("session_id", req.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type broadcastRequest struct {
	Message string   `json:"message"`
	Targets []string `json:"targets"`
	// Delay is a Go duration string (e.g. "2s"); empty uses the configured default.
	Delay string `json:"delay,omitempty"`
}

func (s *Service) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "targets are required")
		return
	}
	var delay time.Duration
	if strings.TrimSpace(req.Delay) != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		delay = d
	}

	id, err := s.caster.Dispatch(req.Message, req.Targets, delay)
	if err != nil {
		if errors.Is(err, broadcast.ErrNoSession) {
			writeError(w, http.StatusConflict, "no available session")
			return
		}
		if errors.Is(err, broadcast.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		s.log.Error("broadcast dispatch failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "job": id})
}

func (s *Service) handleBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("job"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "job is required")
		return
	}
	st, ok := s.caster.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cancelRequest struct {
	Job string `json:"job"`
}

func (s *Service) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Job) == "" {
		writeError(w, http.StatusBadRequest, "job is required")
		return
	}
	if !s.caster.Cancel(req.Job) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": true})
}

// decodeBody strictly decodes the JSON request body into dst. It writes the
// error response itself and returns false when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
