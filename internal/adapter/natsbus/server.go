// Package natsbus mirrors domain events onto NATS subjects, either through an
// external server or one embedded in the process.
package natsbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"agentdispatch/internal/infra/config"
)

// Server is an in-process NATS server.
type Server struct {
	ns *natsserver.Server
}

// NewServer starts an embedded server on cfg.Port (0 picks a free port).
// JetStream is enabled only when a store directory is configured.
func NewServer(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.Port == 0 {
		opts.Port = natsserver.RANDOM_PORT
	}
	if cfg.StoreDir != "" {
		if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats store dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &Server{ns: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

// Close shuts the server down and waits for it to exit.
func (s *Server) Close() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
