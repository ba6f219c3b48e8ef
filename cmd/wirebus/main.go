// Command wirebus runs one or more wirebus roles against the shared
// broker: the live-session gateway, the agent-execution orchestrator,
// or both in one process for small deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wirebus/wirebus/internal/broker"
	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/client"
	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/pending"
	agentsvc "github.com/wirebus/wirebus/internal/services/agent"
	gatewaysvc "github.com/wirebus/wirebus/internal/services/gateway"
	"github.com/wirebus/wirebus/internal/session"
	"github.com/wirebus/wirebus/internal/sweeper"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "wirebus.toml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wirebus %s (%s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("wirebus starting", "version", version, "roles", cfg.Roles, "broker", cfg.Broker.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon failed", "error", err)
		return 1
	}
	logger.Info("wirebus stopped")
	return 0
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	addr, err := bus.NewAddresser(cfg.Prefix, cfg.Env)
	if err != nil {
		return err
	}

	b, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	sw := sweeper.New(logger)
	defer sw.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HasRole("agent") {
		if err := startAgent(ctx, g, cfg, b, addr, sw, logger); err != nil {
			return err
		}
	}
	if cfg.HasRole("gateway") {
		if err := startGateway(ctx, g, cfg, b, addr, sw, logger); err != nil {
			return err
		}
	}

	sw.Start()
	return g.Wait()
}

func startAgent(ctx context.Context, g *errgroup.Group, cfg *config.Config, b broker.Broker, addr *bus.Addresser, sw *sweeper.Sweeper, logger *slog.Logger) error {
	reg := pending.NewRegistry(cfg.Sweeper.PendingTTL(), logger)
	cl := client.New(agentsvc.ServiceName, b, addr, reg, logger)

	tiers, err := cfg.AgentTiers()
	if err != nil {
		return err
	}
	worker, err := dispatch.NewWorker(agentsvc.ServiceName, tiers, b, addr, cl, logger)
	if err != nil {
		return err
	}
	worker.SetConcurrency(cfg.Agent.Concurrency)

	svc := agentsvc.New(cl, agentsvc.Options{
		ModelService:  cfg.Agent.ModelService,
		RAGService:    cfg.Agent.RAGService,
		MaxIterations: cfg.Agent.MaxIterations,
		CallTimeout:   cfg.Agent.CallTimeout(),
		TopK:          cfg.Agent.TopK,
	}, logger)
	svc.Register(worker)

	if err := sw.AddPendingSweep(cfg.Sweeper.Schedule, reg); err != nil {
		return err
	}

	g.Go(func() error { return worker.Run(ctx) })
	return nil
}

func startGateway(ctx context.Context, g *errgroup.Group, cfg *config.Config, b broker.Broker, addr *bus.Addresser, sw *sweeper.Sweeper, logger *slog.Logger) error {
	reg := pending.NewRegistry(cfg.Sweeper.PendingTTL(), logger)
	cl := client.New(gatewaysvc.ServiceName, b, addr, reg, logger)

	table := session.NewTable(logger)
	spool, err := session.OpenSpool(cfg.Gateway.SpoolPath)
	if err != nil {
		return err
	}

	correlator := session.NewCorrelator(table, spool, cl, agentsvc.ServiceName, logger)
	svc := gatewaysvc.New(correlator, logger)

	worker, err := dispatch.NewCallbackWorker(gatewaysvc.ServiceName, []string{session.QueryEvent}, b, addr, cl, logger)
	if err != nil {
		spool.Close()
		return err
	}
	svc.Register(worker)

	if err := sw.AddPendingSweep(cfg.Sweeper.Schedule, reg); err != nil {
		spool.Close()
		return err
	}
	if err := sw.AddIdleSessionSweep(cfg.Sweeper.Schedule, table, cfg.Gateway.IdleTimeout()); err != nil {
		spool.Close()
		return err
	}
	if err := sw.AddSpoolTrim(cfg.Sweeper.Schedule, spool, cfg.Sweeper.SpoolRetention()); err != nil {
		spool.Close()
		return err
	}

	gw := session.NewGateway(correlator, table, []byte(cfg.Gateway.JWTSecret), logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)

	server := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Gateway.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		spool.Close()
		return ctx.Err()
	})
	return nil
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Backend {
	case "redis":
		return broker.NewRedis(ctx, broker.RedisOptions{
			Addr:     cfg.Broker.RedisAddr,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		}, logger)
	case "mqtt":
		return broker.NewMQTT(broker.MQTTOptions{
			Host:     cfg.Broker.MQTTHost,
			Port:     cfg.Broker.MQTTPort,
			Username: cfg.Broker.MQTTUsername,
			Password: cfg.Broker.MQTTPassword,
		}, logger)
	case "memory":
		return broker.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
