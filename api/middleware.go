// Package api provides the HTTP API for the strata daemon.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"strata/config"
	"strata/project"
)

// Context keys for request-scoped values.
type ctxKey int

const (
	projectKey ctxKey = iota
	actorKey
)

// ProjectFrom returns the project handle from request context.
func ProjectFrom(ctx context.Context) *project.Handle {
	if v := ctx.Value(projectKey); v != nil {
		return v.(*project.Handle)
	}
	return nil
}

// ActorFrom returns the authenticated or declared actor, defaulting to
// "anonymous".
func ActorFrom(ctx context.Context) string {
	if v := ctx.Value(actorKey); v != nil {
		return v.(string)
	}
	return "anonymous"
}

// WithDefaults wraps the router with the standard middleware stack.
func WithDefaults(h http.Handler, cfg *config.Config) http.Handler {
	return loggingMiddleware(recoveryMiddleware(authMiddleware(actorMiddleware(h), cfg)))
}

// loggingMiddleware logs all requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, lw.status, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// recoveryMiddleware converts panics into 500 responses.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces bearer tokens when an auth secret is
// configured. Health and version endpoints stay open.
func authMiddleware(next http.Handler, cfg *config.Config) http.Handler {
	if cfg.AuthSecret == "" {
		return next
	}
	secret := []byte(cfg.AuthSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/version":
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "state", "missing authorization", nil)
			return
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "state", "invalid token", nil)
			return
		}

		ctx := r.Context()
		if claims.Subject != "" {
			ctx = context.WithValue(ctx, actorKey, claims.Subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorMiddleware records the declared actor for unauthenticated
// deployments; an authenticated subject set upstream wins.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Value(actorKey) == nil {
			if actor := r.Header.Get("X-Strata-Actor"); actor != "" {
				r = r.WithContext(context.WithValue(r.Context(), actorKey, actor))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// withProject resolves the {project} path segment to a pinned handle and
// injects it into the request context.
func withProject(reg *project.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("project")
			if id == "" {
				writeError(w, http.StatusBadRequest, "validation", "project id required", nil)
				return
			}

			h, err := reg.Get(id)
			if err != nil {
				writeErrs(w, err)
				return
			}
			reg.Acquire(h)
			defer reg.Release(h)

			ctx := context.WithValue(r.Context(), projectKey, h)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
