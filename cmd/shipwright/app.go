package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/shipwright/agents"
	"github.com/c360studio/shipwright/bus"
	"github.com/c360studio/shipwright/config"
	"github.com/c360studio/shipwright/githost"
	"github.com/c360studio/shipwright/intake"
	"github.com/c360studio/shipwright/llm"
	"github.com/c360studio/shipwright/model"
	"github.com/c360studio/shipwright/orchestrator"
	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/runs"
	"github.com/c360studio/shipwright/stages"
	"github.com/c360studio/shipwright/storage"
	"github.com/c360studio/shipwright/worker"
	"github.com/c360studio/shipwright/workflow"
)

// App wires every component together for the serve command.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store         *storage.Store
	policyService *policy.Service
	workers       []*worker.Worker
	orchestrator  *orchestrator.Orchestrator
	intake        *intake.Processor
	metricsServer *http.Server
}

// NewApp creates an application instance from loaded configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start brings up NATS, the streams, the stores, and every consumer.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	b := bus.New(a.js, a.logger)
	if err := b.EnsureStreams(ctx); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	recorder := runs.NewRecorder(store, a.logger)
	tracker := runs.NewCostTracker(store, a.cfg.Budget)

	caller, err := a.buildCaller()
	if err != nil {
		return err
	}

	policyCfg, err := a.loadPolicy()
	if err != nil {
		return err
	}
	a.policyService = policy.NewService(store, policyCfg, a.logger)
	if a.cfg.Policy.File != "" {
		if err := a.policyService.Watch(a.cfg.Policy.File); err != nil {
			a.logger.Warn("policy hot reload disabled", "error", err)
		}
	}

	host := a.buildGitHost()
	gated := githost.NewGated(host, store)

	agentRegistry := agents.NewRegistry()
	if err := agents.RegisterBuiltins(agentRegistry, caller); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	coordinator := agents.NewCoordinator(agentRegistry,
		agents.WithStrategy(agents.Strategy(a.cfg.Agents.Strategy)),
		agents.WithResolution(agents.Resolution(a.cfg.Agents.Resolution)),
		agents.WithThreshold(a.cfg.Agents.Threshold),
		agents.WithGate(policyCfg),
		agents.WithCoordinatorLogger(a.logger),
	)

	producers := a.buildProducers(b, caller, tracker, coordinator, host, gated)
	for _, p := range producers {
		w := worker.New(p, store, recorder, b, a.logger)
		if err := w.Start(ctx, a.js); err != nil {
			return fmt.Errorf("start worker %s: %w", p.JobName(), err)
		}
		a.workers = append(a.workers, w)
	}

	a.orchestrator = orchestrator.New(store, b, a.logger)
	if err := a.orchestrator.Start(ctx, a.js); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	a.intake = intake.New(store, b, a.logger)
	if err := a.intake.Start(ctx, a.js); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}

	a.startMetrics()

	a.logger.Info("all components started", "workers", len(a.workers))
	return nil
}

// buildCaller returns the stub client or the real LLM client per config.
func (a *App) buildCaller() (llm.Caller, error) {
	if a.cfg.Models.Stub {
		a.logger.Info("model calls are stubbed")
		return llm.NewStubClient(), nil
	}

	registry, err := model.NewRegistry(a.cfg.Models.Endpoints, a.cfg.CapabilityChains())
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	return llm.NewClient(registry,
		llm.WithHTTPClient(&http.Client{Timeout: a.cfg.Models.Timeout}),
		llm.WithLogger(a.logger),
	), nil
}

func (a *App) loadPolicy() (*policy.Config, error) {
	if a.cfg.Policy.File == "" {
		return policy.DefaultConfig(), nil
	}
	cfg, err := policy.LoadFile(a.cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("load policy file: %w", err)
	}
	return cfg, nil
}

func (a *App) buildGitHost() *githost.Client {
	opts := []githost.Option{githost.WithLogger(a.logger)}
	if a.cfg.GitHost.APIBase != "" {
		opts = append(opts, githost.WithAPIBase(a.cfg.GitHost.APIBase))
	}
	if a.cfg.GitHost.RateLimitRPS > 0 {
		opts = append(opts, githost.WithRateLimit(a.cfg.GitHost.RateLimitRPS, 5))
	}
	return githost.NewClient(a.cfg.GitHost.Token, opts...)
}

// buildProducers creates one producer per pipeline stage.
func (a *App) buildProducers(
	b *bus.Bus,
	caller llm.Caller,
	tracker *runs.CostTracker,
	coordinator *agents.Coordinator,
	host githost.Reader,
	gated *githost.Gated,
) []worker.Producer {
	budget := worker.WithCostTracker(tracker)

	summaryOpts := []worker.LLMProducerOption{budget}
	if a.cfg.Models.AllowSummaryFallback {
		summaryOpts = append(summaryOpts, worker.WithFallback(stages.SummaryFallback))
	}

	return []worker.Producer{
		stages.NewIngestProducer(host, a.store, stages.WithIngestLogger(a.logger)),
		stages.NewFeasibilityProducer(caller, budget),
		stages.NewArchitectureProducer(caller, budget),
		stages.NewTimelineProducer(caller, budget),
		stages.NewSummaryProducer(caller, summaryOpts...),
		stages.NewPatchesProducer(coordinator, a.store, a.logger),
		stages.NewPolicyProducer(a.policyService, a.store, b, a.logger),
		stages.NewSandboxProducer(a.store, a.logger),
		stages.NewApplyProducer(gated, host, a.store, a.logger),
	}
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		ns, err := server.NewServer(&server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) startMetrics() {
	if a.cfg.Serve.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	a.metricsServer = &http.Server{
		Addr:    a.cfg.Serve.MetricsAddr,
		Handler: mux,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", a.cfg.Serve.MetricsAddr)
}

// Shutdown stops everything in reverse start order.
func (a *App) Shutdown() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}

	if a.intake != nil {
		a.intake.Stop()
	}
	if a.orchestrator != nil {
		a.orchestrator.Stop()
	}
	for _, w := range a.workers {
		w.Stop()
	}
	if a.policyService != nil {
		a.policyService.Close()
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}

// publishIntake connects briefly to publish one intake request.
func publishIntake(ctx context.Context, natsURL, op string, data []byte) error {
	conn, err := nats.Connect(natsURL, nats.Name(appName+"-cli"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.Publish(ctx, workflow.IntakeSubject(op), data); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}
