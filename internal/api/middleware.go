package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/logging"
)

// requireAuth verifies the bearer token and stashes the subject in the
// request context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		if token == "" {
			writeError(w, errors.New(errors.KindAuth, "api.auth", "Missing bearer token"))
			return
		}
		subject, err := r.verifier.Verify(token)
		if err != nil {
			log.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("Rejected credential")
			writeError(w, errors.New(errors.KindAuth, "api.auth", "Invalid or expired token"))
			return
		}
		next(w, req.WithContext(auth.WithSubject(req.Context(), subject)))
	}
}

// requireAdmin allows admins only.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		subject, _ := auth.SubjectFrom(req.Context())
		if !subject.IsAdmin() {
			writeError(w, errors.New(errors.KindForbidden, "api.auth", "Admin access required"))
			return
		}
		next(w, req)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// withRequestLog tags each request with an ID and logs its outcome.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r.WithContext(ctx))

		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withCORS answers preflight requests and marks responses for the configured
// client origin. An empty origin disables cross-origin access entirely.
func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
