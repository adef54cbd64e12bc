package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sandterm/internal/logging"
	"github.com/gluk-w/sandterm/internal/session"
)

type createSessionResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    string `json:"expires_at"`
	ExpiresIn    int    `json:"expires_in"`
}

type executeRequest struct {
	Command string `json:"command"`
}

type executeResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// CreateSession provisions a sandbox with a seeded workspace and an open
// terminal.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	res, err := SessionMgr.StartSession(r.Context())
	if err != nil {
		var perr *session.ProvisioningError
		if errors.As(err, &perr) {
			writeError(w, http.StatusInternalServerError, "Failed to create session: "+perr.Err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create session: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionToken: res.Token,
		ExpiresAt:    res.ExpiresAt.UTC().Format(time.RFC3339),
		ExpiresIn:    res.ExpiresIn,
	})
}

// ExecuteCommand runs a one-shot command in the session's sandbox.
func ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}

	res, err := SessionMgr.ExecuteCommand(r.Context(), token, body.Command)
	if err != nil {
		var cerr *session.CommandError
		switch {
		case errors.Is(err, session.ErrInvalidSession):
			writeError(w, http.StatusBadRequest, "Session not found or expired")
		case errors.As(err, &cerr):
			log.Printf("Command failed in session %s: %v", logging.MaskToken(token), cerr.Err)
			writeError(w, http.StatusBadRequest, "Command execution failed: "+cerr.Err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{Output: res.Output, ExitCode: res.ExitCode})
}

// CloseSession ends the session. It always succeeds.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	SessionMgr.CloseSession(r.Context(), chi.URLParam(r, "token"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
