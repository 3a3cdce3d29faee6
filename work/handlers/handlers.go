package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"playback-edge/work/database"
	"playback-edge/work/logger"
	"playback-edge/work/poller"
	"playback-edge/work/proxy"
	"playback-edge/work/resolver"
	"playback-edge/work/types"

	"github.com/gorilla/mux"
	"github.com/grafana/regexp"
)

// playbackIDPattern bounds what is accepted as a playback identifier
// before it ever reaches the upstream API.
var playbackIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// writeJSON encodes v as the response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{handlers/handlers - writeJSON} encoding response: %v", err)
	}
}

// invalidID writes the rejection envelope for a malformed identifier.
func invalidID(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, &types.ResolutionResult{
		Status:  types.StatusError,
		Sources: []types.PlaybackSource{},
		Message: "invalid playback identifier",
	})
}

// HandleLivePlayback resolves the live source set for one identifier.
func HandleLivePlayback(rs *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["playbackId"]
		if !playbackIDPattern.MatchString(id) {
			invalidID(w)
			return
		}
		result, code := rs.ResolveLive(r.Context(), id)
		writeJSON(w, code, result)
	}
}

// HandleVodPlayback resolves the on-demand source set for one
// identifier.
func HandleVodPlayback(rs *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["playbackId"]
		if !playbackIDPattern.MatchString(id) {
			invalidID(w)
			return
		}
		result, code := rs.ResolveVod(r.Context(), id)
		writeJSON(w, code, result)
	}
}

// HandleProxy hands the request to the edge proxy.
func HandleProxy(ep *proxy.EdgeProxy) http.HandlerFunc {
	return ep.Handle
}

// HandleHealth reports liveness plus process uptime.
func HandleHealth(version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"version":        version,
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleStatus exposes recent probe failures and the active poller
// count. An unavailable journal degrades to an empty list, never an
// error.
func HandleStatus(db *database.DB, manager *poller.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := []types.ProbeFailure{}
		if db != nil {
			recent, err := db.RecentProbeFailures(50)
			if err != nil {
				logger.Warn("{handlers/handlers - HandleStatus} journal read failed: %v", err)
			} else {
				failures = recent
			}
		}

		active := 0
		if manager != nil {
			active = manager.Count()
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"activeLivePollers": active,
			"probeFailures":     failures,
		})
	}
}
