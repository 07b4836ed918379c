package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
)

func RecordingsListHandler(recordings core.RecordingsLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page")
		perPage := queryInt(r, "per_page")

		result, err := recordings.GetAll(page, perPage)
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't list recordings")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, result)
	}
}

func RecordingsStatsHandler(recordings core.RecordingsLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := recordings.Stats()
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't count recordings")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, stats)
	}
}

// queryInt reads a non-negative integer query param; zero when absent or
// malformed, so the repository defaults apply.
func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}

	return value
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}
