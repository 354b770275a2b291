package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/usecase/multiagent"
	"agentdispatch/internal/usecase/orchestrator"
)

// RouteRequest is the body of POST /route.
type RouteRequest struct {
	Task         string   `json:"task"`
	Mode         string   `json:"mode,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Routing describes an agent selection.
type Routing struct {
	Agent      domain.AgentDescriptor `json:"agent"`
	Strategy   domain.Strategy        `json:"strategy"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Task           string             `json:"task"`
	Context        string             `json:"context,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	Options        domain.TaskOptions `json:"options,omitzero"`
	History        []domain.Message   `json:"history,omitempty"`
}

// ExecuteResponse is returned by POST /execute.
type ExecuteResponse struct {
	TaskID         string  `json:"taskId"`
	ConversationID string  `json:"conversationId"`
	Routing        Routing `json:"routing"`
	StreamURL      string  `json:"streamUrl"`
}

// ToolRequest is one direct tool invocation.
type ToolRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// BatchRequest is the body of POST /tools/batch.
type BatchRequest struct {
	Calls       []ToolRequest `json:"calls"`
	Parallel    bool          `json:"parallel,omitempty"`
	StopOnError bool          `json:"stopOnError,omitempty"`
}

// BatchResponse reports every call in request order. Calls not run because
// of stopOnError have Skipped set.
type BatchResponse struct {
	Results   []BatchResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// BatchResult is one entry of a batch response.
type BatchResult struct {
	*domain.ToolResult
	Skipped bool `json:"skipped,omitempty"`
}

// AgentInfo is a descriptor with its current load.
type AgentInfo struct {
	domain.AgentDescriptor
	Active      int64 `json:"active"`
	TotalRouted int64 `json:"totalRouted"`
}

// maxBatchCalls bounds one batch request.
const maxBatchCalls = 64

// maxBatchParallel bounds concurrent parallel-safe calls within a batch.
const maxBatchParallel = 8

func modeStrategy(mode string) (domain.Strategy, error) {
	switch strings.ToLower(mode) {
	case "", "auto":
		return "", nil
	case "explicit":
		return domain.StrategyExplicit, nil
	case "capability", "capabilities":
		return domain.StrategyCapability, nil
	case "load-balance", "load_balance", "loadbalance":
		return domain.StrategyLoadBalance, nil
	default:
		return "", domain.NewSubSystemError("gateway", "route", domain.ErrInvalidInput, "unknown mode "+mode)
	}
}

func routing(sel domain.Selection, req domain.RouteRequest) Routing {
	return Routing{
		Agent:      sel.Agent,
		Strategy:   sel.Strategy,
		Confidence: multiagent.Confidence(sel),
		Reasoning:  multiagent.Reasoning(sel, req),
	}
}

func (s *Server) route(body RouteRequest) (Routing, error) {
	if strings.TrimSpace(body.Task) == "" {
		return Routing{}, domain.NewSubSystemError("gateway", "route", domain.ErrInvalidInput, "task must not be empty")
	}
	strategy, err := modeStrategy(body.Mode)
	if err != nil {
		return Routing{}, err
	}
	req := domain.RouteRequest{
		Message:      body.Task,
		AgentID:      body.AgentID,
		Capabilities: body.Capabilities,
		Strategy:     strategy,
	}
	sel, err := s.deps.Router.Select(req)
	if err != nil {
		return Routing{}, err
	}
	return routing(sel, req), nil
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body RouteRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	rt, err := s.route(body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) execute(ctx context.Context, body ExecuteRequest) (*ExecuteResponse, error) {
	task, sel, err := s.deps.Tasks.Submit(ctx, orchestrator.SubmitRequest{
		Input:          body.Task,
		Context:        body.Context,
		ConversationID: body.ConversationID,
		Caller:         domain.CallerFromContext(ctx),
		Options:        body.Options,
		History:        body.History,
	})
	if err != nil {
		return nil, err
	}
	req := domain.RouteRequest{
		Message:      body.Task,
		AgentID:      body.Options.AgentID,
		Capabilities: body.Options.Capabilities,
		Strategy:     body.Options.Strategy,
	}
	return &ExecuteResponse{
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		Routing:        routing(sel, req),
		StreamURL:      strings.TrimSuffix(s.cfg.PublicURL, "/") + "/tasks/" + task.ID + "/stream",
	}, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.execute(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleStream writes the task's events as NDJSON, one event per line,
// flushing after each. The response ends after the final event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Tasks.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("task stream write failed", "task_id", ev.TaskID, "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) agents() []AgentInfo {
	stats := s.deps.Router.Stats()
	load := make(map[string]domain.AgentStats, len(stats.Agents))
	for _, a := range stats.Agents {
		load[a.ID] = a
	}
	descs := s.deps.Agents.Descriptors()
	out := make([]AgentInfo, len(descs))
	for i, d := range descs {
		out[i] = AgentInfo{AgentDescriptor: d, Active: load[d.ID].Active, TotalRouted: load[d.ID].TotalRouted}
	}
	return out
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents()})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Tools.Definitions()})
}

func (s *Server) invokeTool(ctx context.Context, req ToolRequest) (*domain.ToolResult, error) {
	if req.Tool == "" {
		return nil, domain.NewSubSystemError("gateway", "tool", domain.ErrInvalidInput, "tool must not be empty")
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return s.deps.Tools.Invoke(ctx, req.Tool, input, domain.CallerFromContext(ctx))
}

// handleTool invokes one tool. Tool failures are reported in the result body;
// lookup, permission, validation, and rate-limit rejections also set the
// matching HTTP status.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	var body ToolRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.invokeTool(r.Context(), body)
	if result == nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		switch code := httpStatus(err); code {
		case http.StatusNotFound, http.StatusForbidden, http.StatusBadRequest, http.StatusTooManyRequests:
			status = code
			if d, ok := domain.RetryAfterOf(err); ok {
				w.Header().Set("Retry-After", formatRetryAfter(d.Milliseconds()))
			}
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) batch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if len(req.Calls) == 0 {
		return nil, domain.NewSubSystemError("gateway", "batch", domain.ErrInvalidInput, "calls must not be empty")
	}
	if len(req.Calls) > maxBatchCalls {
		return nil, domain.NewSubSystemError("gateway", "batch", domain.ErrInvalidInput, "too many calls")
	}

	results := make([]BatchResult, len(req.Calls))
	parallel := func(i int) bool {
		if !req.Parallel {
			return false
		}
		def, ok := s.deps.Tools.Definition(req.Calls[i].Tool)
		return ok && def.SupportsParallel
	}
	run := func(ctx context.Context, i int) bool {
		res, err := s.invokeTool(ctx, req.Calls[i])
		if res == nil {
			res = &domain.ToolResult{Tool: req.Calls[i].Tool, Error: err.Error(), Code: domain.ErrorCodeOf(err)}
		}
		results[i] = BatchResult{ToolResult: res}
		return res.Success || !req.StopOnError
	}

	started := orchestrator.RunGrouped(ctx, len(req.Calls), maxBatchParallel, parallel, run)
	for i, ok := range started {
		if !ok {
			results[i] = BatchResult{ToolResult: &domain.ToolResult{Tool: req.Calls[i].Tool}, Skipped: true}
		}
	}

	resp := &BatchResponse{Results: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			resp.Skipped++
		case r.Success:
			resp.Succeeded++
		default:
			resp.Failed++
		}
	}
	return resp, nil
}

func (s *Server) handleToolBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.batch(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
