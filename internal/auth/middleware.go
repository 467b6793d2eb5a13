package auth

import (
	"encoding/json"
	"net/http"

	"github.com/HyphaGroup/oubliette/internal/logger"
)

// Middleware builds HTTP middleware that extracts the caller's identity
// from gateway-injected headers. The gateway is trusted to have already
// authenticated the caller; this only parses what it asserts.
//
// In dev mode, a header missing from the request falls back to the
// same-named query string parameter, so the Trigger Surface can be
// exercised directly without a gateway in front of it.
func Middleware(dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-Id")
			nickname := r.Header.Get("X-User-Nickname")
			sessionID := r.Header.Get("X-Session-Id")

			if dev {
				q := r.URL.Query()
				if userID == "" {
					userID = q.Get("user_id")
				}
				if nickname == "" {
					nickname = q.Get("user_nickname")
				}
				if sessionID == "" {
					sessionID = q.Get("session_id")
				}
			}

			if userID == "" {
				logger.Info("rejected request with no asserted identity: %s", r.URL.Path)
				jsonError(w, "missing X-User-Id", http.StatusUnauthorized)
				return
			}

			authContext := &AuthContext{
				UserID:       userID,
				UserNickname: nickname,
				SessionID:    sessionID,
			}

			ctx := WithContext(r.Context(), authContext)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
