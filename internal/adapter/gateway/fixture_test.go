package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdispatch/internal/adapter/llm"
	"agentdispatch/internal/adapter/tool"
	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/logger"
	"agentdispatch/internal/usecase/eventbus"
	"agentdispatch/internal/usecase/multiagent"
	"agentdispatch/internal/usecase/orchestrator"
)

// testScript drives the scripted provider behind every test agent.
var testScript = &llm.Script{
	Scenarios: []llm.Scenario{
		{Match: "echo", Steps: []llm.Step{
			{Content: "calling echo", ToolCalls: []llm.ScriptToolCall{{Name: "echo", Arguments: map[string]any{"text": "hi"}}}},
			{Content: "echo said hi"},
		}},
		{Match: "slow", Steps: []llm.Step{{Content: "too late", Delay: time.Minute}}},
		{Match: "explode", Steps: []llm.Step{{Error: "model crashed"}}},
	},
	Default: []llm.Step{{Content: "hello there"}},
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	bus      *eventbus.Bus
	manager  *orchestrator.Manager
	router   *multiagent.Router
	executor *tool.Executor
	echoRuns atomic.Int32

	// serial is not parallel-safe; it records its peak concurrency.
	serialActive atomic.Int32
	serialPeak   atomic.Int32
}

func newFixture(t *testing.T, auth Authenticator, cfg config.GatewayConfig) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.Discard()
	f := &fixture{bus: eventbus.New(log)}

	reg := tool.NewRegistry(nil, log)
	require.NoError(t, reg.Register(tool.Typed(domain.ToolDefinition{
		Name:             "echo",
		Description:      "Echo text back.",
		Category:         "test",
		Permission:       domain.PermissionUser,
		SupportsParallel: true,
	}, func(_ context.Context, p struct {
		Text string `json:"text"`
	}) (string, error) {
		f.echoRuns.Add(1)
		return p.Text, nil
	})))
	require.NoError(t, reg.Register(tool.Typed(domain.ToolDefinition{
		Name:       "limited",
		Permission: domain.PermissionUser,
		RateLimit:  &domain.RateLimit{MaxCalls: 1, Window: time.Minute},
	}, func(context.Context, struct{}) (string, error) { return "ok", nil })))
	require.NoError(t, reg.Register(tool.Typed(domain.ToolDefinition{
		Name:       "admin_only",
		Permission: domain.PermissionAdmin,
	}, func(context.Context, struct{}) (string, error) { return "root", nil })))
	require.NoError(t, reg.Register(&tool.Func{
		Def: domain.ToolDefinition{Name: "fail", Permission: domain.PermissionUser},
		Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, domain.ErrToolExecution
		},
	}))
	require.NoError(t, reg.Register(tool.Typed(domain.ToolDefinition{
		Name:       "serial",
		Permission: domain.PermissionUser,
	}, func(context.Context, struct{}) (string, error) {
		n := f.serialActive.Add(1)
		defer f.serialActive.Add(-1)
		for {
			p := f.serialPeak.Load()
			if n <= p || f.serialPeak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return "done", nil
	})))
	f.executor = tool.NewExecutor(reg, tool.NewRateLimiter(), tool.NewMemoryCache(16), log, tool.WithEventBus(f.bus))

	providers := llm.NewRegistry()
	require.NoError(t, providers.Register(llm.NewScriptedProvider("scripted", testScript, log)))

	descs := []domain.AgentDescriptor{
		{ID: "general", Name: "General", Capabilities: domain.NewCapabilitySet("chat", "code"),
			Config: domain.AgentConfig{Provider: "scripted", Model: "scripted", Tools: []string{"echo"}, ParallelTools: true}},
		{ID: "researcher", Name: "Researcher", Capabilities: domain.NewCapabilitySet("search", "read"),
			Config: domain.AgentConfig{Provider: "scripted", Model: "scripted", Tools: []string{"echo"}}},
	}
	agents := multiagent.NewRegistry(descs, multiagent.NewWorkerFactory(providers, f.executor, log), log)
	require.NoError(t, agents.Initialize(ctx))
	f.router = multiagent.NewRouter(agents, "general", f.bus, log)

	counters := func() domain.Counters {
		st := f.router.Stats()
		ex := f.executor.Stats()
		return domain.Counters{
			RoutedTotal:    st.TotalRouted,
			ActiveRequests: f.router.Active(),
			CacheHits:      ex.CacheHits,
			CacheMisses:    ex.CacheMisses,
			RateLimited:    ex.RateLimited,
			ToolCalls:      ex.Calls,
		}
	}
	f.manager = orchestrator.NewManager(orchestrator.Config{}, orchestrator.Deps{
		Router:   f.router,
		Tools:    f.executor,
		Bus:      f.bus,
		Counters: counters,
		Logger:   log,
	})

	f.srv = NewServer(cfg, Deps{
		Tasks:    f.manager,
		Router:   f.router,
		Agents:   agents,
		Tools:    f.executor,
		Bus:      f.bus,
		Counters: counters,
		Features: map[string]bool{"nats": false, "archive": false},
		Version:  "test",
		Logger:   log,
	}, auth)
	f.http = httptest.NewServer(f.srv.Handler(ctx))

	t.Cleanup(func() {
		f.http.Close()
		f.srv.Stop(context.Background())
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		f.manager.Stop(stopCtx)
		f.bus.Close()
		cancel()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
