package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

func TestRoute(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	tests := []struct {
		name       string
		body       RouteRequest
		wantStatus int
		wantAgent  string
		wantStrat  domain.Strategy
		wantConf   float64
	}{
		{"auto load balance", RouteRequest{Task: "hi"}, http.StatusOK, "general", domain.StrategyLoadBalance, 0.5},
		{"auto explicit", RouteRequest{Task: "hi", AgentID: "researcher"}, http.StatusOK, "researcher", domain.StrategyExplicit, 1.0},
		{"capability match", RouteRequest{Task: "find", Mode: "capability", Capabilities: []string{"search"}}, http.StatusOK, "researcher", domain.StrategyCapability, 0.85},
		{"capability fallback", RouteRequest{Task: "fly", Capabilities: []string{"flying"}}, http.StatusOK, "general", domain.StrategyFallback, 0.3},
		{"agent id outranks load balance mode", RouteRequest{Task: "hi", Mode: "load_balance", AgentID: "researcher"}, http.StatusOK, "researcher", domain.StrategyExplicit, 1.0},
		{"agent id outranks capabilities", RouteRequest{Task: "find", Mode: "capability", AgentID: "general", Capabilities: []string{"search"}}, http.StatusOK, "general", domain.StrategyExplicit, 1.0},
		{"unknown agent", RouteRequest{Task: "hi", Mode: "explicit", AgentID: "ghost"}, http.StatusNotFound, "", "", 0},
		{"explicit without agent", RouteRequest{Task: "hi", Mode: "explicit"}, http.StatusBadRequest, "", "", 0},
		{"unknown mode", RouteRequest{Task: "hi", Mode: "telepathy"}, http.StatusBadRequest, "", "", 0},
		{"empty task", RouteRequest{Task: "  "}, http.StatusBadRequest, "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/route", tt.body, "")
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				body := decode[ErrorBody](t, resp)
				assert.NotEmpty(t, body.Error)
				assert.NotEmpty(t, body.Code)
				return
			}
			rt := decode[Routing](t, resp)
			assert.Equal(t, tt.wantAgent, rt.Agent.ID)
			assert.Equal(t, tt.wantStrat, rt.Strategy)
			assert.InDelta(t, tt.wantConf, rt.Confidence, 1e-9)
			assert.NotEmpty(t, rt.Reasoning)
		})
	}
}

func TestRoute_MalformedBody(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/route", strings.NewReader("{nope"))
	require.NoError(t, err)
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, domain.CodeInvalidInput, body.Code)
}

func readStream(t *testing.T, resp *http.Response) []domain.TaskEvent {
	t.Helper()
	var events []domain.TaskEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev domain.TaskEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestExecute_StreamEndsWithFinalEvent(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{PublicURL: "http://agents.test/"})

	resp := f.do(t, http.MethodPost, "/execute", ExecuteRequest{Task: "please echo something"}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[ExecuteResponse](t, resp)
	require.NotEmpty(t, exec.TaskID)
	assert.NotEmpty(t, exec.ConversationID)
	assert.Equal(t, "general", exec.Routing.Agent.ID)
	assert.Equal(t, "http://agents.test/tasks/"+exec.TaskID+"/stream", exec.StreamURL)

	stream := f.do(t, http.MethodGet, "/tasks/"+exec.TaskID+"/stream", nil, "")
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "application/x-ndjson", stream.Header.Get("Content-Type"))

	events := readStream(t, stream)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, domain.TaskCompleted, last.Status)
	assert.Equal(t, "echo said hi", last.Result)

	finals, toolCalls := 0, 0
	for i, ev := range events {
		if ev.Final {
			finals++
		}
		if ev.Type == domain.TaskEventToolCall {
			toolCalls++
		}
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, 1, finals)
	assert.Positive(t, toolCalls)
	assert.EqualValues(t, 1, f.echoRuns.Load())

	got := f.do(t, http.MethodGet, "/tasks/"+exec.TaskID, nil, "")
	require.Equal(t, http.StatusOK, got.StatusCode)
	task := decode[domain.Task](t, got)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "local", task.Caller.ID)
}

func TestExecute_Validation(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	resp := f.do(t, http.MethodPost, "/execute", ExecuteRequest{Task: ""}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/execute", ExecuteRequest{
		Task:    "hi",
		Options: domain.TaskOptions{AgentID: "ghost"},
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	resp := f.do(t, http.MethodPost, "/execute", ExecuteRequest{Task: "slow please"}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[ExecuteResponse](t, resp)

	cancelled := f.do(t, http.MethodPost, "/tasks/"+exec.TaskID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, cancelled.StatusCode)
	task := decode[domain.Task](t, cancelled)
	assert.Equal(t, domain.TaskCancelled, task.Status)

	again := f.do(t, http.MethodPost, "/tasks/"+exec.TaskID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Equal(t, domain.TaskCancelled, decode[domain.Task](t, again).Status)

	stream := f.do(t, http.MethodGet, "/tasks/"+exec.TaskID+"/stream", nil, "")
	events := readStream(t, stream)
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Final)
	assert.Equal(t, domain.TaskCancelled, events[len(events)-1].Status)
}

func TestTaskNotFound(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/tasks/nope"},
		{http.MethodPost, "/tasks/nope/cancel"},
		{http.MethodGet, "/tasks/nope/stream"},
	} {
		resp := f.do(t, tc.method, tc.path, nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		assert.Equal(t, domain.CodeTaskNotFound, decode[ErrorBody](t, resp).Code, tc.path)
	}
}

func TestAgents(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	resp := f.do(t, http.MethodGet, "/agents", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Agents []AgentInfo `json:"agents"`
	}](t, resp)
	require.Len(t, body.Agents, 2)
	assert.Equal(t, "general", body.Agents[0].ID)
	assert.Equal(t, "researcher", body.Agents[1].ID)
	assert.True(t, body.Agents[1].Capabilities.Has("search"))
}

func TestTools(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})

	resp := f.do(t, http.MethodGet, "/tools", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Tools []domain.ToolDefinition `json:"tools"`
	}](t, resp)
	var names []string
	for _, d := range body.Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"echo", "limited", "admin_only", "fail", "serial"}, names)
}

func TestInvokeTool(t *testing.T) {
	static := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "user-token", Name: "alice"},
		{Token: "admin-token", Name: "root", Roles: []string{"admin"}},
	})
	f := newFixture(t, static, config.GatewayConfig{})

	t.Run("success", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "echo", Input: json.RawMessage(`{"text":"yo"}`)}, "user-token")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[domain.ToolResult](t, resp)
		assert.True(t, res.Success)
		assert.JSONEq(t, `"yo"`, string(res.Output))
	})

	t.Run("execution failure is a 200 result", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "fail"}, "user-token")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[domain.ToolResult](t, resp)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("unknown tool", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "nope"}, "user-token")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.CodeToolNotFound, decode[domain.ToolResult](t, resp).Code)
	})

	t.Run("admin tool needs admin role", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "admin_only"}, "user-token")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "admin_only"}, "admin-token")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[domain.ToolResult](t, resp).Success)
	})

	t.Run("invalid input", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "echo", Input: json.RawMessage(`{"text":5}`)}, "user-token")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, domain.CodeValidation, decode[domain.ToolResult](t, resp).Code)
	})

	t.Run("rate limited per caller", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "limited"}, "user-token")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "limited"}, "user-token")
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		res := decode[domain.ToolResult](t, resp)
		assert.Equal(t, domain.CodeRateLimit, res.Code)
		assert.Positive(t, res.RetryAfterMs)

		// A different caller has its own window.
		resp = f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "limited"}, "admin-token")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "echo"}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, domain.CodeGatewayAuth, decode[ErrorBody](t, resp).Code)
	})
}

func TestToolBatch(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{})
	echo := func(s string) ToolRequest {
		return ToolRequest{Tool: "echo", Input: json.RawMessage(`{"text":"` + s + `"}`)}
	}

	t.Run("parallel keeps request order", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{
			Calls:    []ToolRequest{echo("a"), echo("b"), {Tool: "fail"}, echo("c")},
			Parallel: true,
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[BatchResponse](t, resp)
		require.Len(t, body.Results, 4)
		assert.Equal(t, 3, body.Succeeded)
		assert.Equal(t, 1, body.Failed)
		assert.Equal(t, 0, body.Skipped)
		assert.JSONEq(t, `"a"`, string(body.Results[0].Output))
		assert.JSONEq(t, `"c"`, string(body.Results[3].Output))
		assert.Equal(t, "fail", body.Results[2].Tool)
	})

	t.Run("parallel runs unsafe tools one at a time", func(t *testing.T) {
		serial := ToolRequest{Tool: "serial"}
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{
			Calls:    []ToolRequest{serial, serial, echo("a"), echo("b"), serial},
			Parallel: true,
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[BatchResponse](t, resp)
		assert.Equal(t, 5, body.Succeeded)
		assert.Equal(t, int32(1), f.serialPeak.Load())
		assert.JSONEq(t, `"done"`, string(body.Results[4].Output))
	})

	t.Run("parallel stop on error skips later groups", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{
			Calls:       []ToolRequest{echo("a"), {Tool: "fail"}, echo("b"), echo("c")},
			Parallel:    true,
			StopOnError: true,
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[BatchResponse](t, resp)
		assert.Equal(t, 1, body.Succeeded)
		assert.Equal(t, 1, body.Failed)
		assert.Equal(t, 2, body.Skipped)
		assert.True(t, body.Results[2].Skipped)
		assert.True(t, body.Results[3].Skipped)
	})

	t.Run("sequential stop on error skips the rest", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{
			Calls:       []ToolRequest{echo("a"), {Tool: "fail"}, echo("b"), {Tool: "nope"}},
			StopOnError: true,
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[BatchResponse](t, resp)
		assert.Equal(t, 1, body.Succeeded)
		assert.Equal(t, 1, body.Failed)
		assert.Equal(t, 2, body.Skipped)
		assert.True(t, body.Results[2].Skipped)
		assert.True(t, body.Results[3].Skipped)
	})

	t.Run("unknown tool is a failed entry", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{Calls: []ToolRequest{{Tool: "nope"}}}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[BatchResponse](t, resp)
		assert.Equal(t, 1, body.Failed)
		assert.Equal(t, domain.CodeToolNotFound, body.Results[0].Code)
	})

	t.Run("empty and oversized batches", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/tools/batch", BatchRequest{}, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		calls := make([]ToolRequest, maxBatchCalls+1)
		for i := range calls {
			calls[i] = echo("x")
		}
		resp = f.do(t, http.MethodPost, "/tools/batch", BatchRequest{Calls: calls}, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHealth(t *testing.T) {
	static := NewStaticTokenAuth([]config.TokenConfig{{Token: "t", Name: "n"}})
	f := newFixture(t, static, config.GatewayConfig{})

	resp := f.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, 2, h.Agents)
	assert.Equal(t, 4, h.Tools)
	require.NotNil(t, h.Counters)
	require.NotNil(t, h.Router)
	assert.Contains(t, h.Features, "nats")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil, config.GatewayConfig{Compression: true})

	resp := f.do(t, http.MethodPost, "/tool", ToolRequest{Tool: "echo", Input: json.RawMessage(`{"text":"m"}`)}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		r := f.do(t, http.MethodGet, "/metrics", nil, "")
		if r.StatusCode != http.StatusOK {
			return false
		}
		var sb strings.Builder
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			sb.WriteString(sc.Text())
			sb.WriteByte('\n')
		}
		text := sb.String()
		return strings.Contains(text, `agentd_tool_calls_total{success="true",tool="echo"} 1`) &&
			strings.Contains(text, "agentd_uptime_seconds")
	}, 2*time.Second, 20*time.Millisecond)
}
