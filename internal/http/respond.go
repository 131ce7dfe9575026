package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
)

// errorBody is the OAuth 2.0 error response.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// writeNoStoreJSON writes a response that must not be cached, as required
// for token and error responses.
func writeNoStoreJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, v)
}

// writeError renders err as an OAuth error response. Errors outside the
// taxonomy become server_error without their details.
func writeError(w http.ResponseWriter, err error) {
	e := idperrors.As(err)

	body := errorBody{
		Error:            e.Code,
		ErrorDescription: e.Description,
		ErrorURI:         e.URI,
		Scope:            e.Scope,
	}
	if e.Code == idperrors.CodeServerError {
		body.ErrorDescription = "internal server error"
	}

	if e.Code == idperrors.CodeTemporarilyUnavailable {
		retry := e.RetryAfter
		if retry <= 0 {
			retry = idperrors.DefaultRetryAfter
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
	}

	writeNoStoreJSON(w, e.Status(), body)
}
