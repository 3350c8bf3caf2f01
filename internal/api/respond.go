package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/curation"
)

// maxJSONBody bounds the review request bodies.
const maxJSONBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, curation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, curation.ErrInvalidSplit),
		errors.Is(err, curation.ErrInvalidReviewer),
		errors.Is(err, curation.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrFeatureExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ai.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code. Internal errors are logged and
// answered with a generic message.
func (app *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		app.logger().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}

// decodeJSON reads a bounded JSON body into v. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}
