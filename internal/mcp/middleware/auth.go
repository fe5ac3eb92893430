package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator checks a bearer token and returns the name it was issued under.
type TokenValidator interface {
	Validate(token string) (string, bool)
}

type ctxKey struct{}

// TokenName returns the name of the token that authenticated the request.
func TokenName(ctx context.Context) string {
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}

// BearerAuth returns middleware that rejects requests without a valid
// Authorization: Bearer token.
func BearerAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				challengeAuth(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				challengeAuth(w, "invalid Authorization header format")
				return
			}

			name, ok := tokens.Validate(strings.TrimSpace(parts[1]))
			if !ok {
				slog.Debug("token validation failed",
					"remote", r.RemoteAddr,
					"path", r.URL.Path)
				invalidToken(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, name)))
		})
	}
}

// challengeAuth sends a 401 with a Bearer challenge for unauthenticated requests.
func challengeAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pvepilot"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

// invalidToken sends a 401 for requests with an unknown Bearer token.
func invalidToken(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pvepilot", error="invalid_token"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
