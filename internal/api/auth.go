package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"sqlassist/pkg/logger"
)

// WithAPITokens 启用 Bearer Token 校验。未配置任何令牌时接口保持开放。
func WithAPITokens(tokens ...string) Option {
	return func(s *Server) {
		for _, t := range tokens {
			if t = strings.TrimSpace(t); t != "" {
				s.tokens = append(s.tokens, sha256.Sum256([]byte(t)))
			}
		}
	}
}

// withAuth 校验 /api/ 下的请求并写入审计日志；健康检查与指标不需要令牌。
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		audit := logger.Audit()
		if !s.authorized(r.Header.Get("Authorization")) {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error: http.StatusText(http.StatusUnauthorized),
				Code:  "UNAUTHENTICATED",
			})
			audit.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
				"remote", r.RemoteAddr,
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		audit.Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) authorized(header string) bool {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	matched := 0
	for _, want := range s.tokens {
		matched |= subtle.ConstantTimeCompare(sum[:], want[:])
	}
	return matched == 1
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
