package httpapi

import (
	"context"
	"net/http"
)

// UserHeader is the header the default WithUser middleware reads. A
// real deployment replaces WithUser with its identity provider's own
// integration; this default exists for local development and tests,
// per spec.md's explicit non-goal of shipping authentication.
const UserHeader = "X-Hpcide-User"

type contextKey int

const userContextKey contextKey = iota

// WithUser installs the request's username, read from UserHeader,
// into the request context for every downstream handler to read via
// UserFromContext. A request with no header is passed through with an
// empty username; handlers that require one reject it themselves so
// that read-only health/metrics routes remain unauthenticated.
func WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the username installed by WithUser, or ""
// if none was present.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey).(string)
	return user
}
