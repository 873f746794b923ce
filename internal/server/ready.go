// Package server contains HTTP handlers for the attestation service. This
// file implements the readiness check endpoint.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// readyHandler returns 200 OK once the service can serve requests. When the
// document store is database-backed, the database is pinged; the file and
// memory backends are always ready.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if db, ok := h.store.(interface{ DB() *sql.DB }); ok {
		if err := db.DB().PingContext(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "database not ready", correlationIDFrom(r.Context()))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
