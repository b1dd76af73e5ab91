package gateway

import (
	"net/http"
	"time"
)

// maxHeadAge is how stale the chain head may be before the probe reports the
// chain degraded. Escrow chains in scope block every few seconds; five
// minutes of silence means the node is stuck or partitioned.
const maxHeadAge = 5 * time.Minute

type chainStatus struct {
	Status  string `json:"status"`
	Block   uint64 `json:"block,omitempty"`
	AgeSecs int64  `json:"age_seconds,omitempty"`
}

type healthResponse struct {
	Status   string      `json:"status"`
	Database string      `json:"database"`
	Chain    chainStatus `json:"chain"`
}

// handleHealthz reports liveness: a failing database is a hard 503 because
// nothing works without it; a stale or unreachable chain degrades the report
// but keeps the gateway serving reads.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error"
		respond(w, r, http.StatusServiceUnavailable, resp)
		return
	}

	if s.chain == nil {
		resp.Chain = chainStatus{Status: "disabled"}
		respond(w, r, http.StatusOK, resp)
		return
	}
	block, at, err := s.chain.Head(r.Context())
	switch {
	case err != nil:
		resp.Status = "degraded"
		resp.Chain = chainStatus{Status: "unreachable"}
	default:
		age := time.Since(at)
		resp.Chain = chainStatus{Status: "ok", Block: block, AgeSecs: int64(age.Seconds())}
		if age > maxHeadAge {
			resp.Status = "degraded"
			resp.Chain.Status = "stale"
		}
	}
	respond(w, r, http.StatusOK, resp)
}
