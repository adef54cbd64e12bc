package handlers

import (
	"net/http"

	"github.com/gluk-w/sandterm/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.Ping(database.DB) == nil {
		dbStatus = "connected"
	}

	backend := "none"
	if BackendName != "" {
		backend = BackendName
	}

	sessions := 0
	if SessionMgr != nil {
		sessions = SessionMgr.Table().Len()
	}

	status := "healthy"
	if dbStatus != "connected" || SessionMgr == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"sandbox_backend": backend,
		"active_sessions": sessions,
	})
}
