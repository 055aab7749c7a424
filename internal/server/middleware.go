package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// rateLimit rejects requests above the configured rate with 429.
// Health checks are never limited.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, pderrors.New(pderrors.ErrCodeRateLimited, "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				s.writeError(w, r, pderrors.InternalError(fmt.Sprintf("panic: %v", p), nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
