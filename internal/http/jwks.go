package http

import "net/http"

// JWKS handles the JWKS endpoint. Only public key members are served.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	writeCacheableJSON(w, r, h.cfg.MetadataMaxAge, h.tokens.GetJWKS())
}
