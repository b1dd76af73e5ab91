package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"parapay/engine"
	"parapay/intent"
	"parapay/store"
)

type createIntentRequest struct {
	FiatAmount     int64             `json:"fiat_amount"`
	FiatCurrency   string            `json:"fiat_currency"`
	CryptoCurrency string            `json:"crypto_currency"`
	ReleaseMethod  string            `json:"release_method,omitempty"`
	HoldWindow     string            `json:"hold_window,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type listIntentsResponse struct {
	Items []intent.Intent `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, engine.CodeValidation, "unreadable request body", nil)
		return nil, false
	}
	if len(body) > maxRequestBody {
		respondError(w, r, http.StatusBadRequest, engine.CodeValidation, "request body too large", nil)
		return nil, false
	}
	return body, true
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	s.withIdempotency(w, r, body, func(out http.ResponseWriter) {
		var req createIntentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(out, r, http.StatusBadRequest, engine.CodeValidation, "malformed JSON body", nil)
			return
		}
		params := engine.CreateParams{
			FiatAmount:     req.FiatAmount,
			FiatCurrency:   req.FiatCurrency,
			CryptoCurrency: req.CryptoCurrency,
			ReleaseMethod:  req.ReleaseMethod,
			Metadata:       req.Metadata,
		}
		if raw := strings.TrimSpace(req.HoldWindow); raw != "" {
			hold, err := time.ParseDuration(raw)
			if err != nil {
				respondError(out, r, http.StatusBadRequest, engine.CodeValidation,
					fmt.Sprintf("hold_window %q is not a duration", raw), nil)
				return
			}
			params.HoldWindow = hold
		}

		created, err := s.engine.Create(r.Context(), merchant.ID, params)
		if err != nil {
			respondEngineError(out, r, err)
			return
		}
		respond(out, r, http.StatusCreated, created)
	})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	it, err := s.engine.Get(r.Context(), merchant.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, it)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	filter, err := listFilterFromQuery(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, engine.CodeValidation, err.Error(), nil)
		return
	}
	items, total, err := s.engine.List(r.Context(), merchant.ID, filter)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	respond(w, r, http.StatusOK, listIntentsResponse{Items: items, Total: total, Page: page, Limit: limit})
}

func listFilterFromQuery(r *http.Request) (store.ListFilter, error) {
	var f store.ListFilter
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := intent.ParseStatus(raw)
		if err != nil {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Status = status
	}
	if raw := strings.TrimSpace(q.Get("currency")); raw != "" {
		currency, err := intent.ParseFiatCurrency(raw)
		if err != nil {
			return f, fmt.Errorf("unsupported currency %q", raw)
		}
		f.Currency = currency
	}
	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{
		{"date_from", &f.DateFrom},
		{"date_to", &f.DateTo},
	} {
		raw := strings.TrimSpace(q.Get(bound.param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC 3339, got %q", bound.param, raw)
		}
		*bound.dst = &ts
	}
	for _, num := range []struct {
		param string
		dst   *int
	}{
		{"page", &f.Page},
		{"limit", &f.Limit},
	} {
		raw := strings.TrimSpace(q.Get(num.param))
		if raw == "" {
			continue
		}
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return f, fmt.Errorf("%s must be a non-negative integer", num.param)
		}
		*num.dst = val
	}
	return f, nil
}

func (s *Server) handleConfirmIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	it, err := s.engine.Confirm(r.Context(), merchant.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, it)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	it, err := s.engine.Cancel(r.Context(), merchant.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, it)
}

func (s *Server) handleRefundIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFrom(r.Context())
	it, err := s.engine.Refund(r.Context(), merchant.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, it)
}
