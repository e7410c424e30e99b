package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/collabctl/internal/auth"
	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/config"
	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/server"
	"github.com/danmuck/collabctl/internal/transport"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host a collaboration node from the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs.ConfigureRuntime()
			observability.InitLogger("collabctl")

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := buildNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			return n.Run(ctx)
		},
	}
}

// nodeRuntime is one device: its transport, collaboration manager and HTTP host.
type nodeRuntime struct {
	cfg     config.NodeConfig
	adapter *transport.Adapter
	manager *collab.Manager
	server  *server.Server
	tcp     net.Listener
}

func buildNode(cfg config.NodeConfig) (*nodeRuntime, error) {
	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		return nil, err
	}
	adapter, err := transport.New(cfg.TransportConfig(), cfg.Dialer())
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	collaborators := collab.Collaborators{Peers: cfg.PeerResolver()}
	if starter := cfg.AbilityStarter(); starter != nil {
		collaborators.Starter = starter
	}
	manager, err := collab.NewManager(managerCfg, adapter, collaborators)
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("build collab manager: %w", err)
	}
	n := &nodeRuntime{
		cfg:     cfg,
		adapter: adapter,
		manager: manager,
		server:  server.Appear(cfg.DeviceID, cfg.ListenAddr, manager, adapter),
	}

	if cfg.AdminToken != "" {
		n.server.WithAdminAuth(auth.StaticToken{Token: cfg.AdminToken})
	}
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ServerTLSConfig()
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("server tls: %w", err)
		}
		n.server.WithTLS(tlsCfg)
	}
	if cfg.Channel == config.ChannelTCP {
		ln, err := transport.Listen(cfg.TCPAddr, cfg.Session)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.tcp = ln
	}
	return n, nil
}

// Run serves HTTP and, for tcp channels, the raw listener until ctx ends or
// either one fails.
func (n *nodeRuntime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- n.server.Serve(ctx) }()
	running := 1
	if n.tcp != nil {
		running++
		go func() { errc <- transport.ServeTCP(ctx, n.tcp, n.adapter) }()
	}
	logs.Infof("collabctl.serve device=%s http=%s channel=%s peers=%d",
		logs.Anonymize(n.cfg.DeviceID), n.cfg.ListenAddr, n.cfg.Channel, len(n.cfg.Peers))

	var first error
	for ; running > 0; running-- {
		err := <-errc
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

func (n *nodeRuntime) Close() {
	if n.manager != nil {
		_ = n.manager.Close()
	}
	if n.tcp != nil {
		_ = n.tcp.Close()
	}
	if n.adapter != nil {
		_ = n.adapter.Close()
	}
}
