package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/tracer"
	"agentdispatch/internal/usecase/multiagent"
)

// maxParallelTools bounds concurrent tool calls within one batch.
const maxParallelTools = 8

// outcome is how a task ends.
type outcome struct {
	status  domain.TaskStatus
	result  string
	err     string
	reason  string
	warning string
}

func (m *Manager) run(ctx context.Context, e *taskEntry) {
	defer e.cancel()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(ctx, e, outcome{status: domain.TaskCancelled, reason: domain.ReasonCancelled})
		return
	}

	e.mu.Lock()
	e.task.Status = domain.TaskRunning
	e.task.StartTime = m.now()
	e.task.Progress.Message = "running"
	e.mu.Unlock()
	m.emitStatus(ctx, e)

	m.finish(ctx, e, m.loop(ctx, e))
}

func (m *Manager) loop(ctx context.Context, e *taskEntry) outcome {
	e.mu.Lock()
	task := e.task.Clone()
	e.mu.Unlock()

	sel := e.sel
	maxIter := task.Progress.Total
	opts := domain.RouteOptions{Temperature: task.Options.Temperature, MaxTokens: task.Options.MaxTokens}
	detector := newLoopDetector(m.cfg.AntiLoopThreshold)

	conversation := append([]domain.Message(nil), e.history...)
	conversation = append(conversation, domain.Message{Role: domain.RoleUser, Content: prompt(task), Timestamp: m.now()})

	var partial string
	for iter := 1; iter <= maxIter; iter++ {
		if ctx.Err() != nil {
			return cancelled(partial)
		}

		resp, err := m.infer(ctx, e, sel, conversation, opts, iter)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(partial)
			}
			m.logger.Error("task failed", "task_id", task.ID, "agent_id", sel.Agent.ID, "error", err)
			return outcome{status: domain.TaskFailed, err: err.Error(), result: partial}
		}
		if resp.Content != "" {
			partial = resp.Content
		}
		conversation = append(conversation, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Timestamp: m.now(),
		})

		if resp.Final() {
			if len(task.Options.OutputSchema) == 0 {
				return outcome{status: domain.TaskCompleted, result: resp.Content}
			}
			doc, err := checkOutput(task.Options.OutputSchema, resp.Content)
			if err == nil {
				return outcome{status: domain.TaskCompleted, result: doc}
			}
			if iter == maxIter {
				return outcome{status: domain.TaskFailed, err: err.Error(), result: partial}
			}
			conversation = append(conversation, domain.Message{
				Role:      domain.RoleUser,
				Content:   "Your answer must be a JSON document matching the requested schema: " + err.Error(),
				Timestamp: m.now(),
			})
			m.progress(ctx, e, iter, "answer rejected by output schema")
			continue
		}

		if call, looping := detector.observe(resp.ToolCalls); looping {
			warning := fmt.Sprintf("stopped after more than %d consecutive identical calls to %s", detector.threshold, call.Name)
			m.logger.Warn("anti-loop triggered", "task_id", task.ID, "tool", call.Name)
			return outcome{status: domain.TaskCompleted, result: partial, reason: domain.ReasonAntiLoop, warning: warning}
		}

		results := m.executeCalls(ctx, e, sel.Agent, resp.ToolCalls)
		if ctx.Err() != nil {
			return cancelled(partial)
		}
		for _, call := range results {
			conversation = append(conversation, domain.Message{
				Role:       domain.RoleTool,
				Name:       call.Name,
				Content:    call.Result.Content(),
				ToolCallID: call.ID,
				Timestamp:  m.now(),
			})
		}
		m.progress(ctx, e, iter, fmt.Sprintf("iteration %d: %d tool calls", iter, len(results)))
	}

	return outcome{
		status: domain.TaskFailed,
		err:    fmt.Sprintf("%s after %d iterations", domain.ErrIterationLimit, maxIter),
		reason: domain.ReasonIterationLimit,
		result: partial,
	}
}

func cancelled(partial string) outcome {
	return outcome{status: domain.TaskCancelled, reason: domain.ReasonCancelled, result: partial}
}

func prompt(t *domain.Task) string {
	if t.Context == "" {
		return t.Input
	}
	return "Context:\n" + t.Context + "\n\nTask:\n" + t.Input
}

// infer runs one streamed agent turn, forwarding content deltas as events.
func (m *Manager) infer(ctx context.Context, e *taskEntry, sel domain.Selection, conversation []domain.Message, opts domain.RouteOptions, iter int) (*domain.AgentResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "task.iteration",
		trace.WithAttributes(
			tracer.StringAttr("task.id", domain.TaskIDFromContext(ctx)),
			tracer.IntAttr("task.iteration", iter),
		),
	)
	defer span.End()

	chunks, err := m.deps.Router.DispatchStream(ctx, sel, conversation, opts)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	resp, err := multiagent.Accumulate(ctx, chunks, func(delta string) {
		m.emit(ctx, e, domain.TaskEvent{Type: domain.TaskEventDelta, Delta: delta})
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	e.mu.Lock()
	e.task.Iterations = iter
	e.task.Usage.Add(resp.Usage)
	e.mu.Unlock()
	tracer.SetOK(span)
	return resp, nil
}

// executeCalls runs a batch of tool calls and returns them with results, in
// call order. When the agent allows it, consecutive parallel-capable calls
// run concurrently; everything else runs sequentially.
func (m *Manager) executeCalls(ctx context.Context, e *taskEntry, agent domain.AgentDescriptor, calls []domain.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = newID(m.now())
		}
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage("{}")
		}
		out[i] = c.WithState(domain.ToolCallPending, m.now())
	}

	RunGrouped(ctx, len(out), maxParallelTools,
		func(i int) bool { return agent.Config.ParallelTools && m.parallel(out[i].Name) },
		func(ctx context.Context, i int) bool {
			out[i] = m.invoke(ctx, e, agent, out[i])
			return true
		})
	if ctx.Err() != nil {
		return nil
	}
	return out
}

func (m *Manager) parallel(name string) bool {
	def, ok := m.deps.Tools.Definition(name)
	return ok && def.SupportsParallel
}

// invoke runs one call through the executor. Tool failures become error
// results for the agent; they never fail the task.
func (m *Manager) invoke(ctx context.Context, e *taskEntry, agent domain.AgentDescriptor, call domain.ToolCall) domain.ToolCall {
	if agent.Config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, agent.Config.ToolTimeout)
		defer cancel()
	}
	call = call.WithState(domain.ToolCallRunning, m.now())
	caller := domain.CallerFromContext(ctx)

	var (
		result *domain.ToolResult
		err    error
	)
	if allowed := agent.Config.Tools; len(allowed) > 0 && !slices.Contains(allowed, call.Name) {
		err = domain.NewDomainError("orchestrator.invoke", domain.ErrPermissionDenied,
			fmt.Sprintf("tool %q not available to agent %q", call.Name, agent.ID))
	} else {
		result, err = m.deps.Tools.Invoke(ctx, call.Name, call.Arguments, caller)
	}
	if result == nil {
		result = &domain.ToolResult{Tool: call.Name, Code: domain.ErrorCodeOf(err)}
		if err != nil {
			result.Error = err.Error()
		}
	}
	result.CallID = call.ID
	call = call.WithResult(result, m.now())
	call.Timestamp = m.now()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return call
	}

	e.mu.Lock()
	e.task.ToolCalls = append(e.task.ToolCalls, call)
	e.mu.Unlock()
	m.emit(ctx, e, domain.TaskEvent{Type: domain.TaskEventToolCall, ToolCall: &call})
	return call
}

func (m *Manager) progress(ctx context.Context, e *taskEntry, iter int, msg string) {
	e.mu.Lock()
	e.task.Progress.Current = iter
	e.task.Progress.Message = msg
	e.mu.Unlock()
	m.emitStatus(ctx, e)
}

func (m *Manager) emitStatus(ctx context.Context, e *taskEntry) {
	ev := domain.TaskEvent{Type: domain.TaskEventStatus, Counters: m.counters()}
	if ev, ok := m.emit(ctx, e, ev); ok {
		m.publish(ctx, domain.EventTaskUpdated, ev.TaskID, ev)
	}
}

// emit stamps ev with the task's current status and appends it to the log.
func (m *Manager) emit(_ context.Context, e *taskEntry, ev domain.TaskEvent) (domain.TaskEvent, bool) {
	e.mu.Lock()
	ev.TaskID = e.task.ID
	ev.Status = e.task.Status
	ev.Progress = e.task.Progress
	e.mu.Unlock()
	ev.Timestamp = m.now()
	return e.events.append(ev)
}

// finish moves the task to its terminal state exactly once, emits the final
// event, and archives the snapshot.
func (m *Manager) finish(ctx context.Context, e *taskEntry, o outcome) {
	e.mu.Lock()
	if e.task.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	t := e.task
	t.Status = o.status
	t.Result = o.result
	t.Error = o.err
	t.Reason = o.reason
	t.Warning = o.warning
	t.EndTime = m.now()
	if o.status == domain.TaskCompleted {
		t.Progress.Current = t.Iterations
		t.Progress.Message = "completed"
	} else {
		t.Progress.Message = string(o.status)
	}
	snap := t.Clone()
	e.mu.Unlock()

	final := finalEvent(snap, 0)
	final.Counters = m.counters()
	final, _ = e.events.append(final)
	close(e.done)

	storeCtx := context.WithoutCancel(ctx)
	if m.deps.Store != nil {
		if err := m.deps.Store.Save(storeCtx, snap); err != nil {
			m.logger.Warn("task archive failed", "task_id", snap.ID, "error", err)
		}
	}
	m.publish(storeCtx, domain.EventTaskFinished, snap.ID, final)

	level := m.logger.Info
	if o.status == domain.TaskFailed {
		level = m.logger.Warn
	}
	level("task finished",
		"task_id", snap.ID,
		"status", string(snap.Status),
		"reason", snap.Reason,
		"iterations", snap.Iterations,
		"tool_calls", len(snap.ToolCalls),
		"duration", snap.EndTime.Sub(snap.CreatedAt),
	)
}
