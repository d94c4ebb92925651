package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/pacsgate/pkg/contextkeys"
	"github.com/platinummonkey/pacsgate/pkg/httputil"
)

// DefaultIdentityHeader carries the user id authenticated by the gateway.
const DefaultIdentityHeader = "X-User-ID"

// IdentityMiddleware trusts the user id the upstream gateway has already
// authenticated and puts it on the request context.
type IdentityMiddleware struct {
	header   string
	optional bool // If true, allow requests without an identity
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(header string, optional bool) *IdentityMiddleware {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return &IdentityMiddleware{
		header:   header,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with identity extraction
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(m.header))
		if raw == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing "+m.header+" header")
			return
		}

		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			httputil.WriteUnauthorized(w, "invalid "+m.header+" header")
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user id of the request.
func UserID(r *http.Request) (int64, bool) {
	return contextkeys.GetUserID(r.Context())
}

// RequireIdentity rejects requests that reached it without a user id, for
// routes mounted behind an optional IdentityMiddleware.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r); !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
