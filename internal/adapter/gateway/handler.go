package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"agentdispatch/internal/domain"
)

// taskRef is the payload of RPC methods addressing one task.
type taskRef struct {
	TaskID string `json:"taskId"`
}

// decodePayload unmarshals an RPC payload into T.
func decodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: empty payload", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return v, nil
}

// rpc adapts a typed handler to RPCHandler.
func rpc[T any](fn func(ctx context.Context, cc *clientConn, req T) (any, error)) RPCHandler {
	return func(ctx context.Context, cc *clientConn, payload json.RawMessage) (any, error) {
		req, err := decodePayload[T](payload)
		if err != nil {
			return nil, err
		}
		return fn(ctx, cc, req)
	}
}

// registerDefaultHandlers registers the RPC methods that mirror the REST
// endpoints, plus task.subscribe which forwards a task's events as frames.
func registerDefaultHandlers(s *Server) {
	s.RegisterHandler("route", rpc(func(_ context.Context, _ *clientConn, req RouteRequest) (any, error) {
		return s.route(req)
	}))
	s.RegisterHandler("task.execute", rpc(func(ctx context.Context, cc *clientConn, req ExecuteRequest) (any, error) {
		resp, err := s.execute(ctx, req)
		if err != nil {
			return nil, err
		}
		s.forwardTask(cc, resp.TaskID)
		return resp, nil
	}))
	s.RegisterHandler("task.get", rpc(func(ctx context.Context, _ *clientConn, req taskRef) (any, error) {
		return s.deps.Tasks.Get(ctx, req.TaskID)
	}))
	s.RegisterHandler("task.cancel", rpc(func(ctx context.Context, _ *clientConn, req taskRef) (any, error) {
		return s.deps.Tasks.Cancel(ctx, req.TaskID)
	}))
	s.RegisterHandler("task.subscribe", rpc(func(ctx context.Context, cc *clientConn, req taskRef) (any, error) {
		if _, err := s.deps.Tasks.Get(ctx, req.TaskID); err != nil {
			return nil, err
		}
		s.forwardTask(cc, req.TaskID)
		return map[string]string{"taskId": req.TaskID}, nil
	}))
	s.RegisterHandler("agents.list", func(context.Context, *clientConn, json.RawMessage) (any, error) {
		return map[string]any{"agents": s.agents()}, nil
	})
	s.RegisterHandler("tools.list", func(context.Context, *clientConn, json.RawMessage) (any, error) {
		return map[string]any{"tools": s.deps.Tools.Definitions()}, nil
	})
	s.RegisterHandler("tool.invoke", rpc(func(ctx context.Context, _ *clientConn, req ToolRequest) (any, error) {
		res, err := s.invokeTool(ctx, req)
		if res == nil {
			return nil, err
		}
		return res, nil
	}))
	s.RegisterHandler("tools.batch", rpc(func(ctx context.Context, _ *clientConn, req BatchRequest) (any, error) {
		return s.batch(ctx, req)
	}))
}

// forwardTask streams a task's events to the client until the final event
// or until the connection closes. Event frames must not be dropped, so this
// blocks on the client's queue.
func (s *Server) forwardTask(cc *clientConn, taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.deps.Tasks.Subscribe(ctx, taskID)
	if err != nil {
		cancel()
		s.logger.Warn("task subscribe failed", "task_id", taskID, "error", err)
		return
	}
	go func() {
		defer cancel()
		for ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case cc.sendCh <- Frame{Type: FrameTypeEvent, Method: "task.event", Payload: payload}:
			case <-cc.done:
				return
			}
		}
	}()
}
