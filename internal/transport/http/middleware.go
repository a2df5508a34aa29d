package httptransport

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"wagercore/internal/logging"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/rs/zerolog/log"
)

type userContextKey struct{}

type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey{}).(string)
	return id, ok && id != ""
}

// APILogMiddleware writes one access log line per request through httplog.
// Bodies and headers are never logged here; user_id is attached by the auth
// middleware once known.
func APILogMiddleware() func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(logging.Writer(), nil)),
		&httplog.Options{
			Level:              slog.LevelInfo,
			Schema:             httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
			LogRequestBody:     func(*http.Request) bool { return false },
			LogResponseBody:    func(*http.Request) bool { return false },
			LogRequestHeaders:  []string{},
			LogResponseHeaders: []string{},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("route", routePattern(req)),
				}
			},
		},
	)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

// AdminAuditMiddleware logs each operator call with its status and request
// body, capped at maxBody.
func AdminAuditMiddleware(maxBody int) func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = 4096
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBody)+1))
			if err != nil {
				WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
				return
			}
			truncated := len(body) > maxBody
			if truncated {
				body = body[:maxBody]
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			ev := log.Info()
			if ww.Status() >= http.StatusBadRequest {
				ev = log.Warn()
			}
			ev = ev.Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", routePattern(r)).
				Int("status", ww.Status()).
				Bool("body_truncated", truncated)
			if len(body) > 0 && !truncated && json.Valid(body) {
				ev = ev.RawJSON("body", body)
			} else if len(body) > 0 {
				ev = ev.Str("body", string(body))
			}
			ev.Msg("admin request")
			httplog.SetAttrs(r.Context(), slog.Bool("admin", true))
		})
	}
}

func WriteHTTPError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": code})
}

// UserAuthMiddleware resolves the caller from its bearer token and stores the
// user id on the request context.
func UserAuthMiddleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				WriteHTTPError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			httplog.SetAttrs(r.Context(), slog.String("user_id", userID))
			ctx := context.WithValue(r.Context(), userContextKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware guards operator routes. With no key configured the
// routes are closed.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" || !CheckAdminAuth(r, adminKey) {
				WriteHTTPError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckAdminAuth accepts the key in X-Admin-Key or as a bearer token.
func CheckAdminAuth(r *http.Request, adminKey string) bool {
	key := r.Header.Get("X-Admin-Key")
	if key == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			key = bearer
		}
	}
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) == 1
}

// ParseLimit reads ?limit=, falling back to def and clamping to [1, max].
func ParseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > max {
		limit = max
	}
	return limit
}
