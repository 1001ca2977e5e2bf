// Command agentfleetd is the agent host daemon: it loads every compute-only
// guest module, starts the Firecracker VM fleet manager, wires the
// correlator and host functions between them, exposes the fleet through MCP,
// and serves the operator admin API alongside it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/adminapi"
	"github.com/clarateach/agentfleet/internal/agent"
	"github.com/clarateach/agentfleet/internal/config"
	"github.com/clarateach/agentfleet/internal/correlator"
	"github.com/clarateach/agentfleet/internal/hostfunctions"
	"github.com/clarateach/agentfleet/internal/logbridge"
	"github.com/clarateach/agentfleet/internal/mcphandler"
	"github.com/clarateach/agentfleet/internal/proxybridge"
	"github.com/clarateach/agentfleet/internal/sandbox"
	"github.com/clarateach/agentfleet/internal/vm"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if err := vm.EmergencyCleanup(logger); err != nil {
		logger.WithError(err).Warn("pre-start firecracker cleanup failed")
	}

	vmCfg := vm.Config{
		ImagesDir:       cfg.ImagesDir,
		KernelPath:      cfg.KernelPath,
		RootfsPath:      cfg.RootfsPath,
		FirecrackerPath: cfg.FirecrackerPath,
		SocketDir:       cfg.SocketDir,
		VCPUs:           cfg.VCPUs,
		MemoryMB:        cfg.MemoryMB,
	}
	vms, err := vm.NewManager(vmCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("start vm manager")
	}

	corr := correlator.New()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	hostFuncs := hostfunctions.New(corr, vms, httpClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agents, loaders, err := loadGuests(ctx, cfg.GuestDir, hostFuncs, corr, logger)
	if err != nil {
		logger.WithError(err).Fatal("load guest agents")
	}
	logger.Infof("loaded %d guest agent(s) from %s", len(agents), cfg.GuestDir)

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			a.Run(ctx)
		}(a)
	}

	logHub := adminapi.NewLogHub()
	logger.AddHook(adminapi.NewLogHook(logHub))

	pb := proxybridge.New(vms.AnyInstance, httpClient, logger)
	go pb.Run(vms.ShuttingDown)

	lb := logbridge.New(vms.AnyInstance, logger)
	go lb.Run(vms.ShuttingDown)

	go vms.RunRegistrationListener()

	mcpServer := server.NewMCPServer(
		"agentfleet",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	mcphandler.Register(mcpServer, corr)

	admin := adminapi.NewServer(corr, vms, logHub, logger, adminapi.Config{
		AdminSecret: []byte(cfg.AdminToken),
	})
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin}
	go func() {
		logger.Infof("admin API listening on %s", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("admin API server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	mcpDone := make(chan error, 1)
	switch strings.ToLower(cfg.MCPTransport) {
	case "http":
		streamSrv := server.NewStreamableHTTPServer(mcpServer)
		httpSrv := &http.Server{Addr: cfg.MCPAddr, Handler: streamSrv}
		go func() {
			logger.Infof("MCP server listening on %s (streamable http)", cfg.MCPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				mcpDone <- err
				return
			}
			mcpDone <- nil
		}()
		go func() {
			sig := <-sigCh
			logger.Infof("received signal %v, shutting down", sig)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
	default:
		go func() {
			logger.Info("MCP server running on stdio")
			mcpDone <- server.NewStdioServer(mcpServer).Listen(ctx, os.Stdin, os.Stdout)
		}()
		go func() {
			<-sigCh
			logger.Info("received shutdown signal")
			cancel()
		}()
	}

	if err := <-mcpDone; err != nil {
		logger.WithError(err).Error("MCP server stopped with error")
	}

	cancel()
	wg.Wait()

	for _, l := range loaders {
		l.Close(context.Background())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	adminSrv.Shutdown(shutdownCtx)
	vms.Shutdown(shutdownCtx)

	logger.Info("agentfleetd stopped")
}

// loadGuests scans guestDir for compiled WebAssembly agents, one module per
// file, loading each on its own wazero runtime bound to its agent id and
// registering it with corr.
func loadGuests(ctx context.Context, guestDir string, hostFuncs *hostfunctions.Set, corr *correlator.Correlator, logger *logrus.Logger) ([]*agent.Agent, []*sandbox.WazeroLoader, error) {
	entries, err := os.ReadDir(guestDir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("guest directory %s does not exist, starting with no agents", guestDir)
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var agents []*agent.Agent
	var loaders []*sandbox.WazeroLoader

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}

		agentID := strings.TrimSuffix(entry.Name(), ".wasm")
		modulePath := filepath.Join(guestDir, entry.Name())

		loader, err := sandbox.NewWazeroLoader(ctx, agentID, hostFuncs.Bind(agentID))
		if err != nil {
			logger.WithError(err).WithField("agent_id", agentID).Error("create wazero runtime")
			continue
		}

		handle, err := loader.Load(ctx, modulePath)
		if err != nil {
			logger.WithError(err).WithField("agent_id", agentID).Error("load guest module")
			loader.Close(ctx)
			continue
		}

		a, err := agent.Load(ctx, agentID, handle, corr, logger)
		if err != nil {
			logger.WithError(err).WithField("agent_id", agentID).Error("initialize agent")
			handle.Close(ctx)
			loader.Close(ctx)
			continue
		}

		logger.WithFields(logrus.Fields{"agent_id": agentID, "name": a.Name}).Info("agent loaded")
		agents = append(agents, a)
		loaders = append(loaders, loader)
	}

	return agents, loaders, nil
}
