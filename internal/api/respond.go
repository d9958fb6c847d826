package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentconsole/agentconsole/internal/errdefs"
)

// writeJSON writes a response envelope.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Debug("write response failed", "error", err)
		}
	}
}

// writeError maps an error to the uniform {error:{code,message}} shape.
func writeError(w http.ResponseWriter, err error) {
	code := errdefs.CodeOf(err)
	status := errdefs.HTTPStatus(err)
	if status >= 500 {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

// writeSuccess writes the {success:true} envelope.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errdefs.Validation("request body is required")
		}
		return errdefs.Validation("invalid request body: %v", err)
	}
	return nil
}
