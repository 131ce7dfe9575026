package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// CSRFCookieBaseName is the CSRF cookie name before any prefix is applied.
	CSRFCookieBaseName = "mcp-csrf-token"
	// CSRFTokenLength is the number of random bytes in a token.
	CSRFTokenLength = 32
	// CSRFFormField is the form field carrying the token.
	CSRFFormField = "_csrf"
	// CSRFHeader is the request header carrying the token.
	CSRFHeader = "X-CSRF-Token"
	// CSRFTTL is how long a token is accepted.
	CSRFTTL = time.Hour
)

var (
	ErrCSRFMissing  = errors.New("missing CSRF token")
	ErrCSRFCookie   = errors.New("missing CSRF cookie")
	ErrCSRFMismatch = errors.New("CSRF token mismatch")
	ErrCSRFInvalid  = errors.New("invalid CSRF token")
	ErrCSRFExpired  = errors.New("CSRF token expired")
)

// CSRFService issues and checks HMAC-signed double-submit tokens.
type CSRFService struct {
	secret       []byte
	cookieSecure bool
	cookieDomain string
	now          func() time.Time
}

// CSRFOption configures a CSRFService.
type CSRFOption func(*CSRFService)

// WithCSRFClock overrides the time source.
func WithCSRFClock(now func() time.Time) CSRFOption {
	return func(s *CSRFService) {
		s.now = now
	}
}

// NewCSRFService creates a new CSRFService.
func NewCSRFService(secret string, cookieSecure bool, cookieDomain string, opts ...CSRFOption) *CSRFService {
	s := &CSRFService{
		secret:       []byte(secret),
		cookieSecure: cookieSecure,
		cookieDomain: cookieDomain,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CookieName returns the cookie name, prefixed according to the cookie scope.
// Browsers only accept __Host- cookies that are Secure and host-only.
func (s *CSRFService) CookieName() string {
	switch {
	case s.cookieSecure && s.cookieDomain == "":
		return "__Host-" + CSRFCookieBaseName
	case s.cookieSecure:
		return "__Secure-" + CSRFCookieBaseName
	default:
		return CSRFCookieBaseName
	}
}

// GenerateToken creates a token and sets it as a cookie.
func (s *CSRFService) GenerateToken(w http.ResponseWriter) (string, error) {
	raw := make([]byte, CSRFTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	data := strconv.FormatInt(s.now().Unix(), 10) + ":" + base64.RawURLEncoding.EncodeToString(raw)
	token := data + "." + s.sign(data)

	http.SetCookie(w, s.cookie(token, int(CSRFTTL.Seconds())))
	return token, nil
}

// ValidateToken compares the submitted token with the cookie and checks
// its signature and age.
func (s *CSRFService) ValidateToken(r *http.Request) error {
	submitted := r.FormValue(CSRFFormField)
	if submitted == "" {
		submitted = r.Header.Get(CSRFHeader)
	}
	if submitted == "" {
		return ErrCSRFMissing
	}

	cookie, err := r.Cookie(s.CookieName())
	if err != nil || cookie.Value == "" {
		return ErrCSRFCookie
	}
	if !hmac.Equal([]byte(submitted), []byte(cookie.Value)) {
		return ErrCSRFMismatch
	}
	return s.verify(submitted)
}

// ClearToken expires the CSRF cookie.
func (s *CSRFService) ClearToken(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

func (s *CSRFService) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.CookieName(),
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *CSRFService) sign(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *CSRFService) verify(token string) error {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return ErrCSRFInvalid
	}
	data, signature := token[:dot], token[dot+1:]

	if !hmac.Equal([]byte(signature), []byte(s.sign(data))) {
		return ErrCSRFInvalid
	}

	ts, _, ok := strings.Cut(data, ":")
	if !ok {
		return ErrCSRFInvalid
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}
	if s.now().Sub(time.Unix(issued, 0)) > CSRFTTL {
		return ErrCSRFExpired
	}
	return nil
}
