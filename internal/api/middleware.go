package api

import (
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/tanglenomicon/tangle-jobs/internal/auth"
	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/metrics"
)

// MaxBodySize limits request body size to prevent OOM from oversized payloads.
const MaxBodySize = 10 * 1024 * 1024 // 10 MB

// Headers sets the response content type and echoes or generates
// X-Request-Id. An incoming id is echoed only when it is a UUID, with or
// without the req_ prefix.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if !core.IsValidUUID(strings.TrimPrefix(reqID, "req_")) {
			reqID = "req_" + core.NewUUIDv7()
		}
		w.Header().Set("X-Request-Id", reqID)
		w.Header().Set("Content-Type", core.MediaType)
		w.Header().Set("Tangle-Version", core.Version)
		next.ServeHTTP(w, r)
	})
}

// RequestLogger middleware logs HTTP requests with structured logging.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Observe(elapsed.Seconds())

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", w.Header().Get("X-Request-Id"),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers behind the logger push data.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LimitBody middleware restricts request body size.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateContentType rejects POST bodies that are not JSON. An absent
// Content-Type is allowed.
func ValidateContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != core.MediaType {
					WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
						"Content-Type must be application/json.",
						map[string]any{"content_type": ct},
					))
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the bearer token to an identity and stores it in
// the request context.
func Authenticate(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteError(w, http.StatusUnauthorized, core.NewUnauthenticatedError("Missing bearer token."))
				return
			}
			identity, err := v.Verify(r.Context(), token)
			if err != nil {
				slog.Debug("rejected credentials", "error", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteError(w, http.StatusUnauthorized, core.NewUnauthenticatedError("Could not validate credentials."))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

// limiterIdleTTL is how long an identity's bucket is kept after its last
// request.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter throttles requests per caller identity with a token bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per identity with the given
// burst. A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limit:     limit,
		burst:     max(burst, 1),
		now:       time.Now,
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
	}
}

func (l *RateLimiter) allow(identity string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for id, e := range l.limiters {
			if now.Sub(e.lastSeen) >= limiterIdleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.limiters[identity]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[identity] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Middleware rejects callers over their lease rate with 429. It must run after
// Authenticate.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := auth.Identity(r.Context())
		if !l.allow(identity) {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, core.NewRateLimitedError("Too many lease requests."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
