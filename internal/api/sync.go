package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/serverdb"
)

// PushResponse acknowledges a stored push.
type PushResponse struct {
	OK   bool   `json:"ok"`
	AsOf string `json:"asOf"`
}

// StatusResponse describes the caller's server-side sync state.
type StatusResponse struct {
	Meta      serverdb.Meta `json:"meta"`
	Snapshots int           `json:"snapshots"`
}

// handleSyncPull returns the latest snapshot, optionally filtered by since.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	since := strings.TrimSpace(r.URL.Query().Get("since"))
	if since != "" {
		t, err := models.ParseTimestamp(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid since parameter")
			return
		}
		since = models.Timestamp(t)
	}

	b, err := s.store.ReadLatest(r.Context(), user.UserID, since)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("read latest snapshot")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read snapshot")
		return
	}
	s.metrics.RecordPull()
	logFor(r.Context()).Debug().
		Str("since", since).
		Int("entries", len(b.Entries)).
		Int("rules", len(b.Rules)).
		Msg("pull")
	writeJSON(w, http.StatusOK, b)
}

// handleSyncPush merges the pushed bundle into a new snapshot.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	var b models.Bundle
	if !decodeBody(w, r, &b) {
		return
	}
	if msg := validatePush(b); msg != "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidPayload, msg)
		return
	}

	deviceID := strings.TrimSpace(r.Header.Get("X-Device-ID"))
	asOf, err := s.store.Save(r.Context(), user.UserID, deviceID, b)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("save snapshot")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to save snapshot")
		return
	}

	s.metrics.RecordPush(int64(len(b.Entries) + len(b.Rules)))
	logFor(r.Context()).Info().
		Str("device", deviceID).
		Int("entries", len(b.Entries)).
		Int("rules", len(b.Rules)).
		Str("as_of", asOf).
		Msg("push")
	writeJSON(w, http.StatusOK, PushResponse{OK: true, AsOf: asOf})
}

// validatePush rejects records that cannot take part in a merge.
func validatePush(b models.Bundle) string {
	for _, e := range b.Entries {
		if strings.TrimSpace(e.ID) == "" {
			return "entry without id"
		}
	}
	for _, r := range b.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return "rule without id"
		}
	}
	return ""
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	meta, err := s.store.Meta(r.Context(), user.UserID)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("read meta")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read status")
		return
	}
	n, err := s.store.SnapshotCount(r.Context(), user.UserID)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("count snapshots")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Meta: meta, Snapshots: n})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK bool  `json:"ok"`
	TS int64 `json:"ts"` // epoch millis
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ts := time.Now().UnixMilli()
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{OK: false, TS: ts})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, TS: ts})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
