// Package gateway exposes routing, task orchestration, and direct tool
// invocation over HTTP, an NDJSON task stream, and a WebSocket RPC channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/middleware"
	"agentdispatch/internal/usecase/orchestrator"
)

// TaskService runs and tracks tasks.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Task, domain.Selection, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Cancel(ctx context.Context, id string) (*domain.Task, error)
	Subscribe(ctx context.Context, id string) (<-chan domain.TaskEvent, error)
}

// Selector picks agents without dispatching and reports load.
type Selector interface {
	Select(req domain.RouteRequest) (domain.Selection, error)
	Stats() domain.RouterStats
}

// AgentLister lists registered agents in registry order.
type AgentLister interface {
	Descriptors() []domain.AgentDescriptor
}

// ToolService is the executor plus a listing of registered tools.
type ToolService interface {
	domain.ToolInvoker
	Definitions() []domain.ToolDefinition
}

// Deps holds the collaborators behind the gateway's endpoints.
type Deps struct {
	Tasks    TaskService
	Router   Selector
	Agents   AgentLister
	Tools    ToolService
	Bus      domain.EventBus
	Counters func() domain.Counters
	Features map[string]bool
	Version  string
	Logger   *slog.Logger
}

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, cc *clientConn, payload json.RawMessage) (any, error)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// send queues a frame without blocking; a full queue drops the frame.
func (cc *clientConn) send(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	default:
		return false
	}
}

// Server is the HTTP and WebSocket gateway.
type Server struct {
	cfg     config.GatewayConfig
	deps    Deps
	auth    Authenticator
	metrics *Metrics
	logger  *slog.Logger
	started time.Time

	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler

	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubs    []func()
}

// NewServer creates a gateway. RPC methods and metrics collectors are
// registered immediately; nothing listens until Start.
func NewServer(cfg config.GatewayConfig, deps Deps, auth Authenticator) *Server {
	if auth == nil {
		auth = NoAuth{}
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		auth:     auth,
		logger:   deps.Logger,
		started:  time.Now(),
		handlers: make(map[string]RPCHandler),
	}
	s.metrics = NewMetrics(s.uptime, s.activeRequests)
	if deps.Bus != nil {
		s.unsubs = append(s.unsubs, s.metrics.Attach(deps.Bus), deps.Bus.SubscribeAll(s.broadcast))
	}
	registerDefaultHandlers(s)
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Metrics returns the gateway's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the full HTTP handler. JSON endpoints are compressed; the
// task stream and the WebSocket endpoint are not, so events are never
// buffered. ctx bounds the rate limiter's janitor.
func (s *Server) Handler(ctx context.Context) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /route", s.handleRoute)
	api.HandleFunc("POST /execute", s.handleExecute)
	api.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	api.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
	api.HandleFunc("GET /agents", s.handleAgents)
	api.HandleFunc("GET /tools", s.handleTools)
	api.HandleFunc("POST /tool", s.handleTool)
	api.HandleFunc("POST /tools/batch", s.handleToolBatch)
	api.Handle("GET /metrics", s.metrics.Handler())

	var compressed http.Handler = api
	if s.cfg.Compression {
		compressed = middleware.Chain(api, middleware.Compress())
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /ws", s.handleUpgrade)
	root.Handle("GET /tasks/{id}/stream", s.requireAuth(http.HandlerFunc(s.handleStream)))
	root.Handle("/", s.requireAuth(compressed))

	mws := []middleware.Middleware{
		middleware.Recover(s.logger),
		middleware.RequestID,
		middleware.SecurityHeaders,
	}
	if rl := s.cfg.RateLimit; rl.Enabled {
		mws = append(mws, middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: rl.RequestsPerMin,
			BurstSize:      rl.BurstSize,
			TrustedProxies: rl.TrustedProxies,
		}))
	}
	return middleware.Chain(root, mws...)
}

// requireAuth authenticates the bearer token and stores the caller on the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.auth.Authenticate(bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := domain.ContextWithCaller(r.Context(), info.Caller())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes WebSocket clients, detaches from the bus, and gracefully shuts
// the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	srv := s.httpSrv
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) uptime() time.Duration { return time.Since(s.started) }

func (s *Server) activeRequests() float64 {
	if s.deps.Counters == nil {
		return 0
	}
	return float64(s.deps.Counters().ActiveRequests)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	patterns := append([]string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}, s.cfg.AllowedOrigins...)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		id:     s.nextID.Add(1),
		info:   info,
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Info("gateway client connected", "conn_id", cc.id, "client", info.Name)

	ctx := domain.ContextWithCaller(r.Context(), info.Caller())
	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	cc.close()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, fmt.Errorf("%w: %s", domain.ErrRPCMethodNotFound, req.Method))
		return
	}
	result, err := handler(ctx, cc, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result any, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	} else if result != nil {
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = mErr.Error()
		}
		resp.Payload = payload
	}
	if !cc.send(resp) {
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}

// broadcast forwards a domain event to every connected client.
func (s *Server) broadcast(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: "bus", Payload: payload}
	s.clients.Range(func(_, value any) bool {
		if !value.(*clientConn).send(frame) {
			s.logger.Debug("gateway: dropped event for slow client", "type", string(event.Type))
		}
		return true
	})
}
