package gateway

import (
	"net/http"
	"time"

	"agentdispatch/internal/domain"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string           `json:"status"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime"`
	Features      map[string]bool  `json:"features"`
	Agents        int              `json:"agents"`
	Tools         int              `json:"tools"`
	Counters      *domain.Counters `json:"counters,omitempty"`
	Router        *RouterSummary   `json:"router,omitempty"`
}

// RouterSummary is the routing part of the health body.
type RouterSummary struct {
	TotalRouted      int64   `json:"totalRouted"`
	AvgRoutingTimeMs float64 `json:"avgRoutingTimeMs"`
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.deps.Version,
		UptimeSeconds: int64(s.uptime() / time.Second),
		Features:      s.deps.Features,
	}
	if resp.Features == nil {
		resp.Features = map[string]bool{}
	}
	if s.deps.Agents != nil {
		resp.Agents = len(s.deps.Agents.Descriptors())
		if resp.Agents == 0 {
			resp.Status = "degraded"
		}
	}
	if s.deps.Tools != nil {
		resp.Tools = len(s.deps.Tools.Definitions())
	}
	if s.deps.Counters != nil {
		c := s.deps.Counters()
		resp.Counters = &c
	}
	if s.deps.Router != nil {
		st := s.deps.Router.Stats()
		resp.Router = &RouterSummary{TotalRouted: st.TotalRouted, AvgRoutingTimeMs: st.AvgRoutingTimeMs}
	}
	writeJSON(w, http.StatusOK, resp)
}
