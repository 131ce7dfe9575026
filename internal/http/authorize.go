package http

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"sort"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
)

// ConsentField is the form field carrying the user's decision.
const ConsentField = "user_consent"

// Consent decisions.
const (
	ConsentApprove = "approve"
	ConsentDeny    = "deny"
)

var consentTemplate = template.Must(template.New("consent").Parse(consentHTML))

type consentScope struct {
	Name        string
	Description string
}

type hiddenField struct {
	Name  string
	Value string
}

type consentPageData struct {
	Action     string
	ClientName string
	User       string
	Scopes     []consentScope
	Fields     []hiddenField
	CSRFField  string
	CSRFToken  string
}

// Authorize handles GET on the authorization endpoint. Signed-out users are
// sent to the login page with the request stashed in their session;
// signed-in users get the consent page.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := oauth.ParseAuthorizeRequest(r.URL.Query())

	client, err := h.authorize.Validate(req)
	if err != nil {
		h.authorizeError(w, r, err, http.StatusFound)
		return
	}

	session, err := h.sessions.Load(ctx, r)
	if err != nil {
		h.logger.Error("failed to load session", "error", err)
		writeError(w, idperrors.ServerError("failed to load session", err))
		return
	}

	if !session.Authenticated() {
		session.OAuthParams = req.Params()
		if err := h.sessions.Save(ctx, w, session); err != nil {
			h.logger.Error("failed to save session", "error", err)
			writeError(w, idperrors.ServerError("failed to save session", err))
			return
		}
		loginURL := h.cfg.Endpoints.Login + "?" + url.Values{"return_url": {h.cfg.Endpoints.Authorization}}.Encode()
		redirect(w, r, loginURL, http.StatusFound)
		return
	}

	csrfToken, err := h.csrf.GenerateToken(w)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		writeError(w, idperrors.ServerError("failed to generate CSRF token", err))
		return
	}

	h.renderConsent(w, req, client, session.User, csrfToken)
}

// Consent handles POST on the authorization endpoint.
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, idperrors.InvalidRequest("invalid form data"))
		return
	}

	req := oauth.ParseAuthorizeRequest(r.PostForm)
	if req.ResponseType == "" {
		req.ResponseType = oauth.ResponseTypeCode
	}

	if err := h.csrf.ValidateToken(r); err != nil {
		h.logger.Warn("consent rejected: CSRF check failed", "client_id", req.ClientID, "error", err)
		if h.authorize.ValidRedirect(req) {
			redirect(w, r, oauth.BuildErrorResponse(req.RedirectURI, idperrors.CodeInvalidRequest, "invalid CSRF token", req.State), http.StatusSeeOther)
			return
		}
		writeNoStoreJSON(w, http.StatusForbidden, errorBody{
			Error:            idperrors.CodeInvalidRequest,
			ErrorDescription: "invalid CSRF token",
		})
		return
	}
	h.csrf.ClearToken(w)

	session, err := h.sessions.Load(ctx, r)
	if err != nil {
		h.logger.Error("failed to load session", "error", err)
		writeError(w, idperrors.ServerError("failed to load session", err))
		return
	}
	if !session.Authenticated() {
		if !h.authorize.ValidRedirect(req) {
			writeError(w, idperrors.InvalidRequest("invalid redirect_uri"))
			return
		}
		redirect(w, r, oauth.BuildErrorResponse(req.RedirectURI, idperrors.CodeAccessDenied, "user not authenticated", req.State), http.StatusSeeOther)
		return
	}

	var location string
	if r.PostFormValue(ConsentField) == ConsentApprove {
		location, err = h.authorize.Approve(req, session.User)
	} else {
		location, err = h.authorize.Deny(req)
	}
	if err != nil {
		h.authorizeError(w, r, err, http.StatusSeeOther)
		return
	}
	redirect(w, r, location, http.StatusSeeOther)
}

// authorizeError redirects errors whose redirect URI is trusted and renders
// the rest as JSON.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	var redirectErr *oauth.AuthorizeError
	if errors.As(err, &redirectErr) {
		h.logger.Info("authorization request rejected",
			"client_id", r.FormValue(oauth.ParamClientID),
			"error", redirectErr.Err.Code,
		)
		redirect(w, r, redirectErr.Location(), status)
		return
	}
	h.logger.Info("invalid authorization request", "error", err)
	writeError(w, err)
}

func (h *Handler) renderConsent(w http.ResponseWriter, req *oauth.AuthorizeRequest, client *domain.Client, user *domain.AuthenticatedUser, csrfToken string) {
	data := consentPageData{
		Action:     h.cfg.Endpoints.Authorization,
		ClientName: client.Name,
		User:       user.Username,
		CSRFField:  auth.CSRFFormField,
		CSRFToken:  csrfToken,
	}
	if data.ClientName == "" {
		data.ClientName = client.ID
	}
	if user.Name != "" {
		data.User = user.Name
	}

	for _, scope := range oauth.GrantedScopes(req, client) {
		desc := clients.ScopeDescriptions[scope]
		if desc == "" {
			desc = scope
		}
		data.Scopes = append(data.Scopes, consentScope{Name: scope, Description: desc})
	}

	params := req.Params()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data.Fields = append(data.Fields, hiddenField{Name: name, Value: params[name]})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := consentTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}
}

const consentHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize {{.ClientName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f5f5f5; margin: 0; padding: 20px; display: flex; justify-content: center; }
        .card { background: white; padding: 32px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); width: 100%; max-width: 460px; }
        h1 { font-size: 22px; margin: 0 0 12px 0; color: #333; }
        p { color: #555; }
        ul { padding-left: 20px; color: #333; }
        li { margin-bottom: 8px; }
        code { background: #f0f0f0; padding: 1px 4px; border-radius: 3px; }
        .actions { display: flex; gap: 12px; margin-top: 24px; }
        button { flex: 1; padding: 12px; border: none; border-radius: 4px; font-size: 16px; cursor: pointer; }
        .approve { background: #007bff; color: white; }
        .deny { background: #e9ecef; color: #333; }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.ClientName}} wants access</h1>
        <p>Signed in as <strong>{{.User}}</strong>. The application is requesting permission to:</p>
        <ul>
            {{range .Scopes}}<li>{{.Description}} <code>{{.Name}}</code></li>
            {{end}}
        </ul>
        <form method="POST" action="{{.Action}}">
            {{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}">
            {{end}}
            <input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
            <div class="actions">
                <button type="submit" name="user_consent" value="deny" class="deny">Deny</button>
                <button type="submit" name="user_consent" value="approve" class="approve">Approve</button>
            </div>
        </form>
    </div>
</body>
</html>`
