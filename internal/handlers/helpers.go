package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/sandterm/internal/metrics"
	"github.com/gluk-w/sandterm/internal/session"
)

// Set from main.go during init.
var (
	SessionMgr  *session.Manager
	Metrics     *metrics.Metrics
	BackendName string
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
