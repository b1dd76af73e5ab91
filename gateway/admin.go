package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"parapay/engine"
	"parapay/store"
)

// adminAuth validates the operator bearer token: HS256, signed with the
// shared secret, unexpired. The subject claim is carried into logs so
// operator actions stay attributable.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid token", nil)
			return
		}
		operator := "unknown"
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims.GetSubject(); sub != "" {
				operator = sub
			}
		}
		s.logger.Info("admin request",
			"operator", operator,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
		)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReconcileRequired(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.store.ReconcileRequired(r.Context())
	if err != nil {
		s.logger.Error("list reconcile-required", "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, r, http.StatusInternalServerError, engine.CodeInternal, "internal error", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"items": flagged, "total": len(flagged)})
}

func (s *Server) handleReconcileAck(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.AcknowledgeReconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, it)
}

func (s *Server) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.store.RearmWebhookEvent(r.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrWebhookEventNotFound) {
			respondError(w, r, http.StatusNotFound, engine.CodeNotFound, "webhook event not found", nil)
			return
		}
		respondError(w, r, http.StatusConflict, engine.CodeInvalidState, err.Error(), nil)
		return
	}
	if s.webhooks != nil {
		s.webhooks.Wake()
	}
	respond(w, r, http.StatusOK, ev)
}

type payoutRunRequest struct {
	MerchantID string `json:"merchant_id,omitempty"`
}

func (s *Server) handlePayoutRun(w http.ResponseWriter, r *http.Request) {
	var req payoutRunRequest
	if body, ok := readBody(w, r); !ok {
		return
	} else if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, r, http.StatusBadRequest, engine.CodeValidation, "malformed JSON body", nil)
			return
		}
	}
	if s.payouts == nil {
		respondError(w, r, http.StatusServiceUnavailable, engine.CodeChainUnavailable, "payouts are not configured", nil)
		return
	}
	submitted, err := s.payouts.Run(r.Context(), strings.TrimSpace(req.MerchantID))
	if err != nil {
		s.logger.Error("manual payout run", "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, r, http.StatusInternalServerError, engine.CodeInternal, "payout run failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]int{"submitted": submitted})
}

// handleJobRun fires a named scheduler job out of band. Returns whether the
// run was started; a job already in flight reports triggered=false.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.jobs == nil {
		respondError(w, r, http.StatusNotFound, engine.CodeNotFound, "no scheduler attached", nil)
		return
	}
	triggered, err := s.jobs.Trigger(r.Context(), name)
	if err != nil {
		if !triggered {
			respondError(w, r, http.StatusNotFound, engine.CodeNotFound, err.Error(), nil)
			return
		}
		s.logger.Error("manual job run failed", "job", name, "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, r, http.StatusInternalServerError, engine.CodeInternal, "job run failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]bool{"triggered": triggered})
}
