package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Respond writes a JSON response with the given status code. Every
// response body uses snake_case keys, per the external HTTP contract.
func Respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("encode http response failed")
	}
}

// ErrorResponse is the standard JSON error envelope every 4xx/5xx
// response uses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode, message string) {
	Respond(w, status, ErrorResponse{Error: errCode, Message: message})
}
