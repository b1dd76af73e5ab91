package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"parapay/intent"
)

func merchantFrom(ctx context.Context) *intent.Merchant {
	if m, ok := ctx.Value(ctxKeyMerchant).(*intent.Merchant); ok {
		return m
	}
	return nil
}

// merchantAuth resolves the bearer API key to a merchant. Unknown keys get a
// flat 401 so the surface leaks nothing about which keys exist.
func (s *Server) merchantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing bearer API key", nil)
			return
		}
		merchant, err := s.store.MerchantByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, intent.ErrMerchantNotFound) {
				respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid API key", nil)
				return
			}
			s.logger.Error("merchant lookup failed", "error", err, "request_id", requestIDFrom(r.Context()))
			respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyMerchant, merchant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
