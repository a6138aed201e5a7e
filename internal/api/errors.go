package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// errorBody is the JSON shape of every failed command.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind dispatch.Kind) int {
	switch kind {
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindInvalidTransition, dispatch.KindInvalidArgument:
		return http.StatusBadRequest
	case dispatch.KindForbidden:
		return http.StatusForbidden
	case dispatch.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := dispatch.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		slog.Error("command failed", "error", err)
		msg = "service unavailable"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
