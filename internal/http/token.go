package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
	"github.com/tendant/mcp-oauth-server/internal/validator"
)

const maxRegistrationBytes = 64 << 10

// Token handles POST on the token endpoint.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	req, err := oauth.ParseTokenRequest(r)
	if err != nil {
		h.clientError(w, err, false)
		return
	}

	pair, err := h.token.Exchange(r.Context(), req)
	if err != nil {
		h.logger.Info("token request failed",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"error", idperrors.CodeOf(err),
		)
		h.clientError(w, err, req.BasicAuth)
		return
	}

	writeNoStoreJSON(w, http.StatusOK, oauth.NewTokenResponse(pair))
}

// clientError writes err, adding a Basic challenge when client
// authentication failed on the Authorization header.
func (h *Handler) clientError(w http.ResponseWriter, err error, basic bool) {
	if basic && idperrors.IsCode(err, idperrors.CodeInvalidClient) {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.cfg.Issuer+`"`)
	}
	writeError(w, err)
}

// Register handles POST on the registration endpoint (RFC 7591).
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeError(w, idperrors.InvalidRequest("content type must be application/json"))
		return
	}

	var req clients.RegistrationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, idperrors.Registration("invalid client metadata: %v", err))
		return
	}

	resp, err := h.registry.RegisterClient(r.Context(), req, "")
	if err != nil {
		h.logger.Info("client registration rejected", "error", err)
		writeError(w, err)
		return
	}

	writeNoStoreJSON(w, http.StatusCreated, resp)
}

// Introspect handles POST on the introspection endpoint (RFC 7662). The
// caller must authenticate with HTTP Basic.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, idperrors.InvalidRequest("invalid form data"))
		return
	}

	clientID, clientSecret, basic, err := oauth.ClientCredentials(r)
	if err != nil {
		h.clientError(w, err, basic)
		return
	}
	if !basic {
		h.clientError(w, idperrors.InvalidClient("client authentication (Basic) required"), true)
		return
	}

	resp, err := h.introspection.Introspect(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	if err != nil {
		h.clientError(w, err, true)
		return
	}

	writeNoStoreJSON(w, http.StatusOK, resp)
}

// UserInfo handles GET on the userinfo endpoint.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := validator.ExtractBearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", h.challenge("", "", nil))
		writeError(w, idperrors.InvalidToken("bearer token required"))
		return
	}

	info, err := h.userinfo.GetUserInfo(r.Context(), token)
	switch {
	case errors.Is(err, oauth.ErrUserNotFound):
		writeNoStoreJSON(w, http.StatusNotFound, errorBody{Error: "user_not_found"})
		return
	case err != nil:
		e := idperrors.As(err)
		if e.Code == idperrors.CodeInvalidToken || e.Code == idperrors.CodeInsufficientScope {
			w.Header().Set("WWW-Authenticate", h.challenge(e.Code, e.Description, clients.ParseScope(e.Scope)))
		}
		h.logger.Info("userinfo request failed", "error", e.Code)
		writeError(w, e)
		return
	}

	writeNoStoreJSON(w, http.StatusOK, info)
}

// Stats handles GET on the stats endpoint.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeNoStoreJSON(w, http.StatusOK, map[string]any{
		"clients": h.registry.Count(),
		"codes":   h.codes.Stats(),
		"tokens":  h.tokens.Stats(),
	})
}
