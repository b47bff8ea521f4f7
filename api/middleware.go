package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/ledger"
)

// UserHeader carries the id of the acting user. Authentication happens
// upstream; this service trusts the header.
const UserHeader = "X-User-ID"

type ctxKey int

const userKey ctxKey = iota

func withUser(ctx context.Context, u *ledger.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// actingUser returns the user resolved from UserHeader, or nil.
func actingUser(r *http.Request) *ledger.User {
	u, _ := r.Context().Value(userKey).(*ledger.User)
	return u
}

// ResolveUser loads the acting user. Requests without the header continue
// anonymously; an unknown id is rejected with 401.
func (h *Handler) ResolveUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := h.Store.FindUserByID(r.Context(), id, ledger.UserQuery{WithBalance: true})
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		if u == nil {
			writeError(w, http.StatusUnauthorized, "Unknown user", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// RequestLogger logs one line per request with zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// clientIP is the request address without its port. middleware.RealIP has
// already replaced RemoteAddr with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
