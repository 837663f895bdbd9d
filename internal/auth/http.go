// ABOUTME: HTTP middleware and token extraction for session-authenticated endpoints
// ABOUTME: Accepts bearer header, session cookie, or access_token query parameter

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// SessionCookie is the cookie browsers carry the session token in.
const SessionCookie = "paddock_session"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest extracts the session token from a request. It accepts,
// in order: the Authorization bearer header, the session cookie, and the
// access_token query parameter. The query form exists for WebSocket
// upgrades, where browsers cannot set headers.
// Returns the token and an error message (empty if successful).
func TokenFromRequest(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, ""
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, ""
	}
	return "", "missing session token"
}

// Authenticator resolves the calling user from an HTTP request. The API
// middleware and the terminal upgrade share its extraction rules.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator creates an Authenticator backed by the given verifier.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// UserFromRequest extracts and verifies the session token on a request,
// returning the user ID it names.
func (a *Authenticator) UserFromRequest(r *http.Request) (string, error) {
	token, errMsg := TokenFromRequest(r)
	if errMsg != "" {
		return "", errors.New(errMsg)
	}
	return a.verifier.Verify(token)
}

// Middleware creates an HTTP middleware that extracts and validates session
// tokens, adding the user ID to the request context using the same
// WithUser/UserFromContext pattern handlers read it back with.
func Middleware(authn *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := authn.UserFromRequest(r)
			if err != nil {
				logger.Warn("rejected unauthenticated request",
					"path", r.URL.Path,
					"error", err)
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// RequireCaller creates an HTTP middleware that only admits tokens whose
// subject matches the expected caller. The reaper trigger uses it so only
// the configured scheduler identity can start sweeps. An empty subject
// admits nobody.
func RequireCaller(authn *Authenticator, subject string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := authn.UserFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if subject == "" || userID != subject {
				logger.Warn("rejected caller",
					"path", r.URL.Path,
					"caller", userID)
				http.Error(w, `{"error":"caller not permitted"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
