package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

type RetryResult struct {
	Requeued int `json:"requeued"`
}

func UploadsQueueHandler(uploads UploadsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, uploads.Status())
	}
}

// UploadsRetryHandler re-enqueues recordings that never reached durable
// storage. The heavy lifting runs in the queue; the response only says how
// many tasks were accepted.
func UploadsRetryHandler(uploads UploadsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requeued, err := uploads.RetryFailedUploads()
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't requeue failed uploads")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, RetryResult{Requeued: requeued})
	}
}
