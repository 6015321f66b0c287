package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeJSON serializes v and writes it with the given status. Encoding goes
// through an intermediate buffer so a failed serialization never sends a
// partial response.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", "error", err)
		return err
	}
	return nil
}

// writeJSONPretty pretty-prints when the request carries pretty=1 or
// pretty=true, falling back to compact form on marshal failure.
func writeJSONPretty(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if r != nil {
		if p := r.URL.Query().Get("pretty"); p == "1" || p == "true" {
			b, err := json.MarshalIndent(v, "", "  ")
			if err == nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				_, werr := w.Write(append(b, '\n'))
				return werr
			}
			slog.Warn("pretty JSON marshal failed, falling back to standard encode", "error", err)
		}
	}
	return writeJSON(w, status, v)
}

// writeError emits the uniform JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"error": msg})
}
