package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

var (
	errNoAuthHeader  = errors.New("missing Authorization header")
	errNotBearer     = errors.New("invalid Authorization header format")
	errBlankKey      = errors.New("missing API key")
	errKeyMismatched = errors.New("invalid API key")
)

// ValidateAPIKey reports whether provided equals the configured key, in
// constant time. An empty configured key matches nothing.
func ValidateAPIKey(provided, configured string) bool {
	if configured == "" || provided == "" || len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// ExtractAPIKey returns the key from "Authorization: Bearer <key>", with
// surrounding whitespace removed.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoAuthHeader
	}
	key, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", errNotBearer
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", errBlankKey
	}
	return key, nil
}

// authMiddleware rejects with 401 any request whose bearer key does not
// match api.auth.api_key. Nothing behind it runs for a rejected request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := ExtractAPIKey(r)
		if err == nil && !ValidateAPIKey(key, s.config.APIKey) {
			err = errKeyMismatched
		}
		if err != nil {
			s.logger.Debug("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", err.Error())
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
