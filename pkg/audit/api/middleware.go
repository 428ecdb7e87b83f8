package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"fieldaudit/pkg/auditcontext"
)

// Attribution resolves the request principal once per request and stores it
// in the context for the auditor chain. Requests without an Authorization
// header proceed unauthenticated; requests with an invalid bearer token are
// rejected.
func Attribution(tokens *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			req := &auditcontext.Request{RequestID: requestID(r)}

			const bearerPrefix = "Bearer "
			if header := r.Header.Get("Authorization"); header != "" {
				token, ok := strings.CutPrefix(header, bearerPrefix)
				if !ok {
					writeError(w, http.StatusUnauthorized, "malformed Authorization header")
					return
				}
				claims, err := tokens.Validate(token)
				if err != nil {
					logger.WarnContext(ctx, "rejected bearer token",
						"error", err,
						"request_id", req.RequestID,
					)
					writeError(w, http.StatusUnauthorized, "invalid or expired token")
					return
				}
				req.Username = claims.Username
				req.Authenticated = true
			}

			next.ServeHTTP(w, r.WithContext(auditcontext.WithRequest(ctx, req)))
		})
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}
