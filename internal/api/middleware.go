package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type actorKey struct{}

// ActorFrom returns the caller identity stored by requireRole.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok
}

func parseActor(r *http.Request) (domain.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if raw == "" {
		return domain.Actor{}, fmt.Errorf("missing %s header", HeaderUserID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("invalid %s header", HeaderUserID)
	}
	role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
	if !role.Valid() {
		return domain.Actor{}, fmt.Errorf("invalid %s header", HeaderUserRole)
	}
	return domain.Actor{ID: id, Role: role}, nil
}

// requireRole admits callers whose identity headers parse and whose role is
// one of roles.
func requireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := parseActor(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "UNAUTHORIZED", Message: err.Error()})
				return
			}
			if !slices.Contains(roles, actor.Role) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "FORBIDDEN", Message: "role not allowed for this operation"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequest(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"remote", r.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func recoverPanic(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic serving request", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(err))
					w.Header().Set("Connection", "close")
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "INTERNAL_ERROR", Message: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
