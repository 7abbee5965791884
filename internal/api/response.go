package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// WriteJSON writes a JSON response with the given status code.
// Uses buffer-first strategy to ensure headers are only sent after successful encoding.
// This allows returning a proper 500 error if JSON encoding fails.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		slog.Debug("failed to write response body", "error", err)
	}
}

// WriteError writes a JSON error body {"code", "error"} with the given
// status. The message is what clients display; code is stable for
// programmatic handling.
func WriteError(w http.ResponseWriter, status int, code, message string, logger *slog.Logger) {
	if status >= 500 {
		logger.Error("request failed", "code", code, "status", status)
	}
	WriteJSON(w, status, map[string]string{"code": code, "error": message})
}

// decodeJSON parses a request body into dst. Bodies are capped at 10 MiB;
// file syncs are the largest legitimate payload.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body", logger)
		return false
	}
	return true
}
