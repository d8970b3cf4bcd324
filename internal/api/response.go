package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error's kind to an HTTP status. Internal details stay
// in the log; the client sees the public message.
func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	message := errors.MessageOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
		if message == "" || status == http.StatusInternalServerError {
			message = "Internal server error"
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: message, Kind: string(errors.KindOf(err))})
}
