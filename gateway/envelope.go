package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"parapay/engine"
)

// Surface-level error codes. Domain codes come from the engine; these three
// exist only at the HTTP boundary.
const (
	codeUnauthorized        = "UNAUTHORIZED"
	codeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	codeRateLimited         = "RATE_LIMITED"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiMeta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
}

type apiEnvelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    apiMeta   `json:"meta"`
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env apiEnvelope) {
	env.Meta = apiMeta{
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
		TraceID:   traceIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Default().Error("encode response", "error", err, "request_id", env.Meta.RequestID)
	}
}

// traceIDFromContext surfaces the active trace so integrators can quote it
// when reporting a problem. Empty when no span is recording.
func traceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// respond wraps data in the success envelope.
func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, r, status, apiEnvelope{Success: true, Data: data})
}

// respondRaw replays a previously rendered envelope byte-for-byte; used by
// idempotent create replays so the caller sees the original response.
func respondRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// respondError writes the failure envelope with the given surface code.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeEnvelope(w, r, status, apiEnvelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// respondEngineError translates an engine failure into the envelope. The
// engine owns the sentinel-to-code mapping; this adds only the HTTP status.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.CodeFor(err)
	respondError(w, r, statusForCode(code), code, messageForCode(code, err), nil)
}

func statusForCode(code string) int {
	switch code {
	case engine.CodeNotFound, engine.CodeMerchantNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidState:
		return http.StatusConflict
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodePriceUnavailable, engine.CodeChainUnavailable:
		return http.StatusServiceUnavailable
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeIdempotencyConflict:
		return http.StatusConflict
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// messageForCode keeps 5xx bodies generic; internals land in the log, not the
// wire. Validation and state errors carry the real reason so integrators can
// fix their request.
func messageForCode(code string, err error) string {
	switch code {
	case engine.CodeInternal:
		return "internal error"
	case engine.CodeChainUnavailable:
		return "escrow chain temporarily unavailable"
	case engine.CodePriceUnavailable:
		return "price quote unavailable"
	default:
		if err != nil {
			return err.Error()
		}
		return "request failed"
	}
}
