package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/logger"
)

const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderClientID  = "X-Client-ID"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	sessionKey
)

var (
	errMissingTenant  = apperr.Unauthorized("missing_tenant", "X-Tenant-ID header is required")
	errTenantMismatch = apperr.Unauthorized("tenant_mismatch", "session belongs to another tenant")
	errStaffOnly      = apperr.Unauthorized("staff_only", "not available to customer sessions")
)

func tenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

func sessionFrom(ctx context.Context) *domain.Session {
	s, _ := ctx.Value(sessionKey).(*domain.Session)
	return s
}

// requestLogger logs one line per request with the chi request id attached
// to the context for downstream log calls.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			entry := log.WithContext(ctx).WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
				"remote":   r.RemoteAddr,
			})
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				entry.Error("request completed")
			case ww.Status() >= http.StatusBadRequest:
				entry.Warn("request completed")
			default:
				entry.Info("request completed")
			}
		})
	}
}

func bodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newCORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}).Handler
}

// identify resolves who is calling. A customer carries a session id and is
// scoped to the session's tenant; staff tools name the tenant directly. The
// tenant query parameter exists for browser websockets, which cannot set
// headers.
func identify(sessions SessionService, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID := r.Header.Get(HeaderTenantID)
			if tenantID == "" {
				tenantID = r.URL.Query().Get("tenant")
			}

			if sessionID := r.Header.Get(HeaderSessionID); sessionID != "" {
				sess, err := sessions.Get(ctx, sessionID)
				if err != nil {
					respondError(w, r, log, err)
					return
				}
				if tenantID != "" && tenantID != sess.TenantID {
					respondError(w, r, log, errTenantMismatch)
					return
				}
				tenantID = sess.TenantID
				ctx = context.WithValue(ctx, sessionKey, sess)
			}

			if tenantID == "" {
				respondError(w, r, log, errMissingTenant)
				return
			}
			ctx = context.WithValue(ctx, tenantKey, tenantID)
			ctx = logger.WithTenantID(ctx, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// staffOnly rejects requests made with a customer session.
func staffOnly(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessionFrom(r.Context()) != nil {
				respondError(w, r, log, errStaffOnly)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
