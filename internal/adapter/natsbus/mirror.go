package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// Source is the subset of the in-process bus the mirror attaches to.
type Source interface {
	SubscribeAll(handler domain.EventHandler) func()
}

// Mirror republishes every in-process event as JSON. Task events go to
// <prefix>.tasks.<taskID>.events; the rest go to <prefix>.events.<type>.
type Mirror struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
	server *Server
}

// Connect dials url and returns a mirror publishing under prefix.
func Connect(url, prefix string, logger *slog.Logger) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("agentd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Mirror{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}, nil
}

// Open builds a mirror from configuration, starting an embedded server when
// cfg.Embedded is set. The mirror owns the embedded server.
func Open(cfg config.NATSConfig, logger *slog.Logger) (*Mirror, error) {
	url := cfg.URL
	var srv *Server
	if cfg.Embedded {
		var err error
		if srv, err = NewServer(cfg); err != nil {
			return nil, err
		}
		url = srv.ClientURL()
	}
	m, err := Connect(url, cfg.SubjectPrefix, logger)
	if err != nil {
		if srv != nil {
			srv.Close()
		}
		return nil, err
	}
	m.server = srv
	logger.Info("nats mirror connected", "url", url, "embedded", cfg.Embedded, "prefix", m.prefix)
	return m, nil
}

// Attach starts mirroring events from src.
func (m *Mirror) Attach(src Source) {
	unsub := src.SubscribeAll(m.handle)
	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.mu.Unlock()
}

// TaskSubject returns the subject carrying a task's events.
func (m *Mirror) TaskSubject(taskID string) string {
	return m.prefix + ".tasks." + taskID + ".events"
}

// EventSubject returns the subject for non-task events of type t.
func (m *Mirror) EventSubject(t domain.EventType) string {
	return m.prefix + ".events." + string(t)
}

func (m *Mirror) subject(ev domain.Event) string {
	if ev.TaskID != "" && strings.HasPrefix(string(ev.Type), "task.") {
		return m.TaskSubject(ev.TaskID)
	}
	return m.EventSubject(ev.Type)
}

func (m *Mirror) handle(_ context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("nats mirror marshal failed", "type", string(ev.Type), "error", err)
		return
	}
	if err := m.conn.Publish(m.subject(ev), data); err != nil {
		m.logger.Warn("nats mirror publish failed", "type", string(ev.Type), "error", err)
	}
}

// Conn exposes the underlying connection, mainly for subscribers in tests
// and tooling.
func (m *Mirror) Conn() *nats.Conn { return m.conn }

// Close detaches from every source, drains pending publishes, and stops the
// embedded server if one was started.
func (m *Mirror) Close() error {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	err := m.conn.Drain()
	if m.server != nil {
		m.server.Close()
	}
	return err
}
