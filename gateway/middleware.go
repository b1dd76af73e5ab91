package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"parapay/observability"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyMerchant
)

// maxRequestBody bounds JSON bodies; create payloads are tiny and anything
// near a megabyte is abuse.
const maxRequestBody = 1 << 20

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// requestID assigns every request a uuid, honoring an inbound X-Request-Id so
// merchants can correlate retries across their own logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLog emits one structured line per request and feeds the gateway
// metrics. The route label uses the chi pattern, not the raw path, to keep
// metric cardinality bounded.
func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			elapsed := time.Since(start)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			observability.Gateway().Observe(route, r.Method, recorder.status, elapsed)
			logger.Info("http request",
				"method", r.Method,
				"route", route,
				"status", recorder.status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", requestIDFrom(r.Context()),
			)
		})
	}
}

// recoverPanics converts handler panics into a 500 envelope instead of
// tearing down the connection.
func recoverPanics(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						"panic", rec,
						"request_id", requestIDFrom(r.Context()),
						"stack", string(debug.Stack()),
					)
					respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSConfig controls the cross-origin headers on the merchant surface.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

func corsHandler(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-Id"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins[0])
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// visitorLimiter hands out one token bucket per caller. Entries idle for
// longer than the reap window are dropped so abandoned keys do not pin
// memory.
type visitorLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitorEntry
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorReapAfter = 10 * time.Minute

func newVisitorLimiter(rps float64, burst int) *visitorLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &visitorLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitorEntry),
	}
}

func (v *visitorLimiter) allow(id string) bool {
	v.mu.Lock()
	entry, ok := v.visitors[id]
	if !ok {
		entry = &visitorEntry{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.visitors[id] = entry
	}
	entry.lastSeen = time.Now()
	if len(v.visitors) > 1024 {
		v.reapLocked()
	}
	v.mu.Unlock()
	return entry.limiter.Allow()
}

func (v *visitorLimiter) reapLocked() {
	cutoff := time.Now().Add(-visitorReapAfter)
	for id, entry := range v.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(v.visitors, id)
		}
	}
}

// rateLimit throttles per merchant once authenticated, per client IP before
// that. Runs after auth so the key reflects the caller, not the proxy.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientIP(r)
		if m := merchantFrom(r.Context()); m != nil {
			id = "m:" + m.ID
		}
		if !s.limiter.allow(id) {
			observability.Gateway().RecordThrottle()
			respondError(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = raw[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
