package auth

import (
	"net/http"
	"strings"

	loggerpkg "FinSight-Agent/pkg/logger"
)

// HeaderAPIKey 是携带 API Key 的请求头，也接受 Authorization: Bearer。
const HeaderAPIKey = "X-API-Key"

// Middleware 拒绝未认证的请求；exempt 中的路径（如 /healthz）直接放行。
func (s *Service) Middleware(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(keyFromRequest(r))
			if err != nil {
				logger := s.audit
				if logger == nil {
					logger = loggerpkg.Audit()
				}
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"error", err.Error(),
				)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"ok":false,"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func keyFromRequest(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}
