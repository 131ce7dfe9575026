package http

import (
	"html/template"
	"net/http"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
)

var (
	loginTemplate    = template.Must(template.New("login").Parse(loginHTML))
	callbackTemplate = template.Must(template.New("callback").Parse(callbackHTML))
)

// loginMessages are the user-facing texts for login error codes.
var loginMessages = map[string]string{
	oauth.LoginErrMissingCredentials: "Username and password are required.",
	oauth.LoginErrInvalidCredentials: "Invalid username or password.",
	oauth.LoginErrServerError:        "Sign-in is temporarily unavailable. Please try again later.",
	idperrors.CodeInvalidRequest:     "Your sign-in form expired. Please try again.",
}

var loginStatus = map[string]int{
	oauth.LoginErrMissingCredentials: http.StatusBadRequest,
	oauth.LoginErrInvalidCredentials: http.StatusUnauthorized,
	oauth.LoginErrServerError:        http.StatusInternalServerError,
	idperrors.CodeInvalidRequest:     http.StatusForbidden,
}

type loginPageData struct {
	Action    string
	CSRFField string
	CSRFToken string
	ReturnURL string
	Username  string
	Error     string
}

// LoginPage handles GET on the login endpoint.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	returnURL := h.login.SafeReturnPath(r.URL.Query().Get("return_url"), h.cfg.Issuer)

	session, err := h.sessions.Load(r.Context(), r)
	if err == nil && session.Authenticated() {
		redirect(w, r, h.resumeLocation(session.OAuthParams, returnURL), http.StatusFound)
		return
	}

	h.renderLogin(w, http.StatusOK, returnURL, "", "")
}

// Login handles POST on the login endpoint. On success the session is
// regenerated and the stashed authorization request, if any, is resumed.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, http.StatusBadRequest, h.cfg.Endpoints.Authorization, "", oauth.LoginErrMissingCredentials)
		return
	}

	username := r.PostFormValue("username")
	returnURL := h.login.SafeReturnPath(r.PostFormValue("return_url"), h.cfg.Issuer)

	if err := h.csrf.ValidateToken(r); err != nil {
		h.logger.Warn("login rejected: CSRF check failed", "error", err)
		h.renderLogin(w, http.StatusForbidden, returnURL, username, idperrors.CodeInvalidRequest)
		return
	}

	user, err := h.login.Login(ctx, username, r.PostFormValue("password"))
	if err != nil {
		code := oauth.LoginErrorCode(err)
		h.renderLogin(w, loginStatus[code], returnURL, username, code)
		return
	}

	old, err := h.sessions.Load(ctx, r)
	if err != nil {
		h.logger.Error("failed to load session", "error", err)
		h.renderLogin(w, http.StatusInternalServerError, returnURL, username, oauth.LoginErrServerError)
		return
	}
	params := old.OAuthParams

	session, err := h.sessions.Regenerate(ctx, old)
	if err != nil {
		h.logger.Error("failed to regenerate session", "error", err)
		h.renderLogin(w, http.StatusInternalServerError, returnURL, username, oauth.LoginErrServerError)
		return
	}
	session.User = user
	if err := h.sessions.Save(ctx, w, session); err != nil {
		h.logger.Error("failed to save session", "error", err)
		h.renderLogin(w, http.StatusInternalServerError, returnURL, username, oauth.LoginErrServerError)
		return
	}
	h.csrf.ClearToken(w)

	redirect(w, r, h.resumeLocation(params, returnURL), http.StatusFound)
}

// resumeLocation rebuilds the stashed authorization request, falling back
// to the already sanitized return path.
func (h *Handler) resumeLocation(params map[string]string, returnURL string) string {
	if len(params) == 0 {
		return returnURL
	}
	return h.cfg.Endpoints.Authorization + "?" + oauth.AuthorizeRequestFromParams(params).Values().Encode()
}

func (h *Handler) renderLogin(w http.ResponseWriter, status int, returnURL, username, errCode string) {
	csrfToken, err := h.csrf.GenerateToken(w)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		writeError(w, idperrors.ServerError("failed to generate CSRF token", err))
		return
	}

	data := loginPageData{
		Action:    h.cfg.Endpoints.Login,
		CSRFField: auth.CSRFFormField,
		CSRFToken: csrfToken,
		ReturnURL: returnURL,
		Username:  username,
		Error:     loginMessages[errCode],
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to render login page", "error", err)
	}
}

type callbackPageData struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	TokenEndpoint    string
}

// Callback renders the code or error delivered to the built-in test
// redirect URI, for driving the flow by hand.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := callbackPageData{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		TokenEndpoint:    h.absolute(h.cfg.Endpoints.Token),
	}

	status := http.StatusOK
	if data.Error != "" || data.Code == "" {
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to render callback page", "error", err)
	}
}

const loginHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign In</title>
    <style>
        * { box-sizing: border-box; }
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f5f5f5; margin: 0; padding: 20px; min-height: 100vh; display: flex; align-items: center; justify-content: center; }
        .login-container { background: white; padding: 40px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); width: 100%; max-width: 400px; }
        h1 { margin: 0 0 30px 0; font-size: 24px; font-weight: 600; text-align: center; color: #333; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 8px; font-weight: 500; color: #555; }
        input[type="text"], input[type="password"] { width: 100%; padding: 12px; border: 1px solid #ddd; border-radius: 4px; font-size: 16px; }
        button { width: 100%; padding: 12px; background: #007bff; color: white; border: none; border-radius: 4px; font-size: 16px; cursor: pointer; }
        .error { background: #fee; color: #c00; padding: 12px; border-radius: 4px; margin-bottom: 20px; font-size: 14px; }
    </style>
</head>
<body>
    <div class="login-container">
        <h1>Sign In</h1>
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        <form method="POST" action="{{.Action}}">
            <input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
            <input type="hidden" name="return_url" value="{{.ReturnURL}}">
            <div class="form-group">
                <label for="username">Username</label>
                <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
            </div>
            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" autocomplete="current-password" required>
            </div>
            <button type="submit">Sign In</button>
        </form>
    </div>
</body>
</html>`

const callbackHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>OAuth Callback</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 600px; margin: 80px auto; padding: 20px; background: #f5f5f5; }
        .card { border-radius: 8px; padding: 30px; background: #fff; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
        .value { background: #f8f9fa; border: 1px solid #dee2e6; border-radius: 4px; padding: 10px; font-family: monospace; word-break: break-all; }
    </style>
</head>
<body>
    <div class="card">
    {{if .Error}}
        <h1>Authorization failed</h1>
        <p><strong>Error:</strong> {{.Error}}</p>
        <p><strong>Description:</strong> {{if .ErrorDescription}}{{.ErrorDescription}}{{else}}No description provided{{end}}</p>
    {{else if .Code}}
        <h1>Authorization succeeded</h1>
        <p>Exchange this code at <code>{{.TokenEndpoint}}</code> within 10 minutes.</p>
        <p><strong>Authorization code:</strong></p>
        <div class="value">{{.Code}}</div>
    {{else}}
        <h1>Invalid callback</h1>
        <p>No authorization code or error was received.</p>
    {{end}}
    {{if .State}}<p><strong>State:</strong></p><div class="value">{{.State}}</div>{{end}}
    </div>
</body>
</html>`
