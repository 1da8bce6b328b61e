package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcafeitosa/omni-agent/internal/config"
)

// ManagedServerConfig parameterizes NewManagedServer.
type ManagedServerConfig struct {
	Config     *config.Config
	Logger     *slog.Logger
	ConfigPath string
}

// ManagedServer wraps Server with the config path it was booted from, the
// same shape the teacher's managed_server.go gives cmd/nexus's serve
// handler for logging and future config-reload support.
type ManagedServer struct {
	*Server

	configPath string
}

// NewManagedServer builds the engine's HTTP server from cfg.Config.
func NewManagedServer(cfg ManagedServerConfig) (*ManagedServer, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("gateway: managed server config is required")
	}
	server, err := NewServer(cfg.Config, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &ManagedServer{Server: server, configPath: cfg.ConfigPath}, nil
}

// Start delegates to the underlying Server, blocking until ctx is done.
func (m *ManagedServer) Start(ctx context.Context) error {
	return m.Server.Start(ctx)
}

// Stop delegates to the underlying Server.
func (m *ManagedServer) Stop(ctx context.Context) error {
	return m.Server.Stop(ctx)
}
