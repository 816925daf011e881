package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kardianos/service"

	"github.com/aliscie/ic-websocket-gateway/internal/canister"
	"github.com/aliscie/ic-websocket-gateway/internal/config"
	"github.com/aliscie/ic-websocket-gateway/internal/gatewayhttp"
	"github.com/aliscie/ic-websocket-gateway/internal/identity"
	"github.com/aliscie/ic-websocket-gateway/internal/metrics"
	"github.com/aliscie/ic-websocket-gateway/internal/obslog"
	"github.com/aliscie/ic-websocket-gateway/internal/poller"
	"github.com/aliscie/ic-websocket-gateway/internal/registry"
	"github.com/aliscie/ic-websocket-gateway/internal/session"
)

const (
	serviceName        = "ICWebsocketGateway"
	serviceDisplayName = "IC WebSocket Gateway"
	serviceDescription = "Relays WebSocket frames between browser clients and replicated canister backends"

	shutdownGrace = 5 * time.Second
)

// gatewayService implements kardianos/service.Interface for optional OS
// service lifecycle, mirroring the host agent's install/run pattern.
type gatewayService struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (g *gatewayService) Start(s service.Service) error {
	go g.run()
	return nil
}

func (g *gatewayService) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

func (g *gatewayService) run() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	defer cancel()

	if err := runGateway(ctx, g.cfg); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	flags := config.NewFlagSet()
	doInstall := flags.Bool("install", false, "install as an OS service")
	doUninstall := flags.Bool("uninstall", false, "uninstall the OS service")
	doRun := flags.Bool("run", false, "run in the foreground (non-service mode)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bad arguments:", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad configuration:", err)
		os.Exit(2)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}
	gs := &gatewayService{cfg: cfg}
	svc, err := service.New(gs, svcConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create service:", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to install service:", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)
		return

	case *doUninstall:
		_ = svc.Stop()
		if err := svc.Uninstall(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to uninstall service:", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)
		return

	case *doRun, service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := runGateway(ctx, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "gateway error:", err)
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "service run failed:", err)
			os.Exit(1)
		}
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	startUnix := time.Now().Unix()
	logger, traceFile, err := obslog.New(cfg.DataDir, startUnix)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer traceFile.Close()
	slog.SetDefault(logger)

	logger.Info("starting ic-websocket-gateway",
		"gateway_address", cfg.GatewayAddress,
		"subnet_url", cfg.SubnetURL,
		"polling_interval_ms", cfg.PollingIntervalMs,
	)

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	fmt.Println("gateway principal:", id.Principal)
	logger.Info("gateway identity ready", "principal", id.Principal)

	backend := canister.New(cfg.SubnetURL)
	collector := metrics.New()

	var reg *registry.Registry
	factory := func(backendID string) registry.PollerHandle {
		interval := time.Duration(cfg.PollingIntervalMs) * time.Millisecond
		return poller.New(backendID, backend, reg, interval, collector, logger)
	}
	reg = registry.New(factory)

	sessionRunner := func(sessionCtx context.Context, conn *websocket.Conn) {
		s := session.New(conn, reg, backend, collector, logger)
		s.Run(sessionCtx)
	}

	listener := gatewayhttp.New(ctx, cfg.GatewayAddress, sessionRunner, reg, metrics.Handler(), logger)

	gaugeCtx, stopGauges := context.WithCancel(ctx)
	defer stopGauges()
	go reportGauges(gaugeCtx, reg, collector)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.GatewayAddress, "tls", cfg.TLSEnabled())
		if err := listener.ListenAndServe(cfg.TLSCertificatePath, cfg.TLSCertificateKeyPath); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("http server error: %w", err)
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Error("listener shutdown error", "error", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer waitCancel()
	if !listener.Wait(waitCtx) {
		logger.Warn("shutdown grace period elapsed with sessions still running, abandoning stragglers")
	}

	logger.Info("gateway shut down cleanly")
	return nil
}

func reportGauges(ctx context.Context, reg *registry.Registry, collector *metrics.Collector) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetSessionsActive(reg.SessionCount())
			collector.SetPollersActive(reg.PollerCount())
		}
	}
}
