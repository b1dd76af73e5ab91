package gateway

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/http"

	"lukechampine.com/blake3"

	"parapay/intent"
)

const headerIdempotencyKey = "Idempotency-Key"

// fingerprintRequest binds an idempotency key to the exact request it first
// carried. Method and path are folded in so the same key cannot silently
// replay across endpoints.
func fingerprintRequest(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// captureWriter buffers the handler's envelope so it can be cached for
// replay without re-running the handler.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header), status: http.StatusOK}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) { c.status = status }

func (c *captureWriter) Write(p []byte) (int, error) { return c.body.Write(p) }

// withIdempotency wraps a handler invocation in the Idempotency-Key protocol:
// replay a cached response, reject key reuse with a different payload, or run
// the handler once and cache what it wrote. Requests without the header pass
// straight through.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, handle func(http.ResponseWriter)) {
	merchant := merchantFrom(r.Context())
	key := r.Header.Get(headerIdempotencyKey)
	if merchant == nil || key == "" {
		handle(w)
		return
	}
	if len(key) > 128 {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Idempotency-Key exceeds 128 characters", nil)
		return
	}

	hash := fingerprintRequest(r.Method, r.URL.Path, body)
	cached, err := s.store.LookupIdempotency(r.Context(), merchant.APIKey, key, hash)
	if err != nil {
		if errors.Is(err, intent.ErrIdempotencyMismatch) {
			respondError(w, r, http.StatusConflict, codeIdempotencyConflict,
				"Idempotency-Key was already used with a different request", nil)
			return
		}
		s.logger.Error("idempotency lookup failed", "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	if cached != nil {
		respondRaw(w, cached.Status, cached.Body)
		return
	}

	capture := newCaptureWriter()
	handle(capture)

	// Only settled outcomes are worth replaying; a 503 should retry for real.
	if capture.status < http.StatusInternalServerError && capture.status != http.StatusTooManyRequests {
		if err := s.store.SaveIdempotency(r.Context(), merchant.APIKey, key, hash, capture.status, capture.body.Bytes()); err != nil {
			s.logger.Error("idempotency save failed", "error", err, "request_id", requestIDFrom(r.Context()))
		}
	}

	for name, values := range capture.header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(capture.status)
	_, _ = w.Write(capture.body.Bytes())
}
