package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
)

// latencySamples is the size of the rolling routing-latency window.
const latencySamples = 100

type agentLoad struct {
	active int64
	total  int64
}

// Router selects an agent for each request and dispatches to it, tracking
// per-agent load.
type Router struct {
	registry  *Registry
	defaultID string
	bus       domain.EventBus
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	load    map[string]*agentLoad
	total   int64
	samples [latencySamples]time.Duration
	next    int
	filled  int
}

// NewRouter creates a router over registry. defaultID receives capability
// requests nobody can serve. bus may be nil.
func NewRouter(registry *Registry, defaultID string, bus domain.EventBus, logger *slog.Logger) *Router {
	return &Router{
		registry:  registry,
		defaultID: defaultID,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		load:      make(map[string]*agentLoad),
	}
}

// Select picks an agent without dispatching.
func (r *Router) Select(req domain.RouteRequest) (domain.Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked(req)
}

func (r *Router) selectLocked(req domain.RouteRequest) (domain.Selection, error) {
	// A named agent outranks any requested strategy.
	strategy := req.Strategy
	if req.AgentID != "" {
		strategy = domain.StrategyExplicit
	}
	if strategy == "" {
		switch {
		case len(req.Capabilities) > 0:
			strategy = domain.StrategyCapability
		default:
			strategy = domain.StrategyLoadBalance
		}
	}

	switch strategy {
	case domain.StrategyExplicit:
		if req.AgentID == "" {
			return domain.Selection{}, domain.NewSubSystemError("agent", "Router.Select", domain.ErrInvalidInput, "explicit strategy needs an agent id")
		}
		w, err := r.registry.Get(req.AgentID)
		if err != nil {
			return domain.Selection{}, err
		}
		return domain.Selection{Agent: w.Descriptor(), Strategy: domain.StrategyExplicit}, nil

	case domain.StrategyCapability:
		required := domain.NewCapabilitySet(req.Capabilities...)
		if len(required) == 0 {
			return r.leastActive(r.registry.GetAll(), domain.StrategyLoadBalance, 0)
		}
		var candidates []domain.Worker
		for _, w := range r.registry.GetAll() {
			if w.Descriptor().Capabilities.ContainsAll(required) {
				candidates = append(candidates, w)
			}
		}
		if len(candidates) == 0 {
			r.logger.Warn("no agent matches capabilities, using default",
				"capabilities", required.List(), "agent_id", r.defaultID)
			return r.fallback()
		}
		return r.leastActive(candidates, domain.StrategyCapability, len(required))

	case domain.StrategyLoadBalance:
		return r.leastActive(r.registry.GetAll(), domain.StrategyLoadBalance, 0)

	case domain.StrategyFallback:
		return r.fallback()

	default:
		return domain.Selection{}, domain.NewSubSystemError("agent", "Router.Select", domain.ErrInvalidInput, "unknown strategy "+string(strategy))
	}
}

func (r *Router) fallback() (domain.Selection, error) {
	w, err := r.registry.Get(r.defaultID)
	if err != nil {
		if r.registry.Len() == 0 {
			return domain.Selection{}, domain.NewSubSystemError("agent", "Router.Select", domain.ErrNoAgentsAvailable, "")
		}
		return domain.Selection{}, err
	}
	return domain.Selection{Agent: w.Descriptor(), Strategy: domain.StrategyFallback}, nil
}

// leastActive returns the candidate with the fewest in-flight requests.
// Candidates are in registry order and ties keep the earlier one.
func (r *Router) leastActive(candidates []domain.Worker, strategy domain.Strategy, matched int) (domain.Selection, error) {
	if len(candidates) == 0 {
		return domain.Selection{}, domain.NewSubSystemError("agent", "Router.Select", domain.ErrNoAgentsAvailable, "")
	}
	best := candidates[0].Descriptor()
	bestActive := r.activeLocked(best.ID)
	for _, w := range candidates[1:] {
		d := w.Descriptor()
		if a := r.activeLocked(d.ID); a < bestActive {
			best, bestActive = d, a
		}
	}
	return domain.Selection{Agent: best, Strategy: strategy, Matched: matched}, nil
}

func (r *Router) activeLocked(id string) int64 {
	if l, ok := r.load[id]; ok {
		return l.active
	}
	return 0
}

func (r *Router) loadLocked(id string) *agentLoad {
	l, ok := r.load[id]
	if !ok {
		l = &agentLoad{}
		r.load[id] = l
	}
	return l
}

// acquire selects and marks the agent active in one critical section so
// concurrent load-balanced requests spread out.
func (r *Router) acquire(req domain.RouteRequest) (domain.Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel, err := r.selectLocked(req)
	if err != nil {
		return sel, err
	}
	r.loadLocked(sel.Agent.ID).active++
	return sel, nil
}

func (r *Router) acquireID(id string) {
	r.mu.Lock()
	r.loadLocked(id).active++
	r.mu.Unlock()
}

func (r *Router) release(id string) {
	r.mu.Lock()
	r.loadLocked(id).active--
	r.mu.Unlock()
}

func (r *Router) complete(id string, elapsed time.Duration) {
	r.mu.Lock()
	r.loadLocked(id).total++
	r.total++
	r.samples[r.next] = elapsed
	r.next = (r.next + 1) % latencySamples
	if r.filled < latencySamples {
		r.filled++
	}
	r.mu.Unlock()
}

// Route selects an agent and sends it the request message.
func (r *Router) Route(ctx context.Context, req domain.RouteRequest) (*domain.RouteResult, error) {
	start := r.now()
	sel, err := r.acquire(req)
	if err != nil {
		return nil, err
	}
	defer r.release(sel.Agent.ID)
	return r.dispatch(ctx, sel, conversationOf(req), req.Options, start)
}

// Dispatch sends conversation to an already selected agent with the same
// load accounting as Route.
func (r *Router) Dispatch(ctx context.Context, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions) (*domain.RouteResult, error) {
	start := r.now()
	r.acquireID(sel.Agent.ID)
	defer r.release(sel.Agent.ID)
	return r.dispatch(ctx, sel, conversation, opts, start)
}

func (r *Router) dispatch(ctx context.Context, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions, start time.Time) (*domain.RouteResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", sel.Agent.ID),
			tracer.StringAttr("router.strategy", string(sel.Strategy)),
		),
	)
	defer span.End()

	w, err := r.registry.Get(sel.Agent.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	r.noteFallback(ctx, sel)

	resp, err := w.SendMessage(ctx, conversation, opts)
	elapsed := r.now().Sub(start)
	if err != nil {
		tracer.RecordError(span, err)
		r.publish(ctx, domain.EventAgentError, sel, elapsed, false)
		return nil, err
	}
	r.complete(sel.Agent.ID, elapsed)
	r.publish(ctx, domain.EventAgentRouted, sel, elapsed, true)
	tracer.SetOK(span)

	r.logger.Debug("request routed",
		"agent_id", sel.Agent.ID,
		"strategy", string(sel.Strategy),
		"elapsed", elapsed,
	)
	return &domain.RouteResult{
		AgentID:     sel.Agent.ID,
		Strategy:    sel.Strategy,
		RoutingTime: elapsed,
		Response:    resp,
	}, nil
}

// StreamRoute selects an agent and streams its answer. Bookkeeping happens
// when the terminal chunk is forwarded; an abandoned stream only releases
// the active slot.
func (r *Router) StreamRoute(ctx context.Context, req domain.RouteRequest) (<-chan domain.StreamChunk, error) {
	start := r.now()
	sel, err := r.acquire(req)
	if err != nil {
		return nil, err
	}
	return r.stream(ctx, sel, conversationOf(req), req.Options, start)
}

// DispatchStream is the streaming form of Dispatch.
func (r *Router) DispatchStream(ctx context.Context, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions) (<-chan domain.StreamChunk, error) {
	start := r.now()
	r.acquireID(sel.Agent.ID)
	return r.stream(ctx, sel, conversation, opts, start)
}

// stream owns one active slot on entry and releases it on every path.
func (r *Router) stream(ctx context.Context, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions, start time.Time) (<-chan domain.StreamChunk, error) {
	w, err := r.registry.Get(sel.Agent.ID)
	if err != nil {
		r.release(sel.Agent.ID)
		return nil, err
	}
	r.noteFallback(ctx, sel)

	in, err := w.StreamMessage(ctx, conversation, opts)
	if err != nil {
		r.release(sel.Agent.ID)
		r.publish(ctx, domain.EventAgentError, sel, r.now().Sub(start), false)
		return nil, err
	}

	out := make(chan domain.StreamChunk, 16)
	go func() {
		defer close(out)
		defer r.release(sel.Agent.ID)
		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if !chunk.Terminal() {
				continue
			}
			elapsed := r.now().Sub(start)
			if chunk.Err != nil {
				r.publish(ctx, domain.EventAgentError, sel, elapsed, false)
				return
			}
			r.complete(sel.Agent.ID, elapsed)
			r.publish(ctx, domain.EventAgentRouted, sel, elapsed, true)
			return
		}
	}()
	return out, nil
}

func (r *Router) noteFallback(ctx context.Context, sel domain.Selection) {
	if sel.Strategy == domain.StrategyFallback && r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventAgentFallback, domain.TaskIDFromContext(ctx),
			domain.RoutedEventPayload{AgentID: sel.Agent.ID, Strategy: sel.Strategy}))
	}
}

func (r *Router) publish(ctx context.Context, t domain.EventType, sel domain.Selection, elapsed time.Duration, ok bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(t, domain.TaskIDFromContext(ctx), domain.RoutedEventPayload{
		AgentID:   sel.Agent.ID,
		Strategy:  sel.Strategy,
		LatencyMs: float64(elapsed.Microseconds()) / 1000,
		Success:   ok,
	}))
}

// Stats returns a snapshot of router counters, agents in registry order.
func (r *Router) Stats() domain.RouterStats {
	descs := r.registry.Descriptors()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := domain.RouterStats{TotalRouted: r.total, Samples: r.filled}
	if r.filled > 0 {
		var sum time.Duration
		for i := 0; i < r.filled; i++ {
			sum += r.samples[i]
		}
		s.AvgRoutingTimeMs = float64(sum.Microseconds()) / 1000 / float64(r.filled)
	}
	for _, d := range descs {
		st := domain.AgentStats{ID: d.ID}
		if l, ok := r.load[d.ID]; ok {
			st.Active, st.TotalRouted = l.active, l.total
		}
		s.Agents = append(s.Agents, st)
	}
	return s
}

// Active returns the total number of in-flight dispatches.
func (r *Router) Active() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, l := range r.load {
		n += l.active
	}
	return n
}

// Confidence scores a selection for the /route endpoint: explicit picks are
// certain, capability matches score by how specific the agent is for the
// request, load balancing and fallback are guesses.
func Confidence(sel domain.Selection) float64 {
	switch sel.Strategy {
	case domain.StrategyExplicit:
		return 1.0
	case domain.StrategyCapability:
		n := len(sel.Agent.Capabilities)
		if n == 0 || sel.Matched == 0 {
			return 0.7
		}
		return min(1.0, 0.7+0.3*float64(sel.Matched)/float64(n))
	case domain.StrategyLoadBalance:
		return 0.5
	default:
		return 0.3
	}
}

// Reasoning explains a selection in one sentence.
func Reasoning(sel domain.Selection, req domain.RouteRequest) string {
	switch sel.Strategy {
	case domain.StrategyExplicit:
		return fmt.Sprintf("agent %q was requested explicitly", sel.Agent.ID)
	case domain.StrategyCapability:
		return fmt.Sprintf("agent %q covers required capabilities [%s] with the lowest load",
			sel.Agent.ID, strings.Join(domain.NewCapabilitySet(req.Capabilities...).List(), ", "))
	case domain.StrategyLoadBalance:
		return fmt.Sprintf("agent %q has the fewest active requests", sel.Agent.ID)
	default:
		return fmt.Sprintf("no agent covers the request; using default agent %q", sel.Agent.ID)
	}
}

func conversationOf(req domain.RouteRequest) []domain.Message {
	conv := make([]domain.Message, 0, len(req.History)+1)
	conv = append(conv, req.History...)
	return append(conv, domain.Message{Role: domain.RoleUser, Content: req.Message, Timestamp: time.Now()})
}
