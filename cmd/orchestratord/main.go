package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"training-orchestrator/apiconfig"
	"training-orchestrator/chainbridge"
	natsserver "training-orchestrator/internal/nats/server"
	"training-orchestrator/internal/server/admin"
	"training-orchestrator/internal/server/public"
	"training-orchestrator/logging"
	"training-orchestrator/publisher"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/scoring"
	"training-orchestrator/store"
	"training-orchestrator/trainclient"
	"training-orchestrator/types"
	"training-orchestrator/validation"
	"training-orchestrator/verifier"
)

const verifyQueueSize = 256

func main() {
	if err := run(); err != nil {
		logging.Error("Orchestrator exited with error", types.System, "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configManager, err := apiconfig.LoadConfigManager()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := configManager.GetConfig()

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ns := natsserver.NewServer(cfg.Nats)
	if err := ns.Start(); err != nil {
		return fmt.Errorf("start nats server: %w", err)
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream context: %w", err)
	}

	reg := registry.NewRegistry(cfg.Registry, st)
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	windows := scoring.NewWindowTracker(cfg.Scoring, st, reg, js)
	if err := windows.Restore(ctx); err != nil {
		return fmt.Errorf("restore windows: %w", err)
	}

	verifyQueue := make(chan scheduler.VerifyJob, verifyQueueSize)
	sched := scheduler.NewScheduler(cfg.Scheduler, reg, st, windows, verifyQueue)
	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}

	trainer := trainclient.NewClient(cfg.Trainer.Url, cfg.Trainer.RequestTimeout())
	verif := verifier.NewVerifier(cfg.Verification, reg, st, trainer, sched, verifyQueue)

	bridge, err := chainbridge.NewCometBridge(cfg.ChainNode)
	if err != nil {
		return fmt.Errorf("create chain bridge: %w", err)
	}
	pub := publisher.NewPublisher(cfg.Publisher, js, bridge, st)
	if err := pub.Start(); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	defer pub.Stop()

	validator := validation.NewValidator(cfg.Validation)

	publicServer := public.NewServer(configManager, reg, sched, validator, windows, st)
	publicServer.Start(fmt.Sprintf(":%d", cfg.Api.PublicServerPort))
	defer publicServer.Shutdown()

	adminServer := admin.NewServer(reg, sched, pub, st)
	adminServer.Start(fmt.Sprintf(":%d", cfg.Api.AdminServerPort))
	defer adminServer.Shutdown()

	logging.Info("Orchestrator started", types.System,
		"public_port", cfg.Api.PublicServerPort,
		"admin_port", cfg.Api.AdminServerPort,
		"store", cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		verif.Run(gctx)
		return nil
	})
	g.Go(func() error {
		windows.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reg.RunHeartbeatMonitor(gctx)
		return nil
	})

	return g.Wait()
}
