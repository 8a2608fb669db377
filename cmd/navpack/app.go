package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tourkit/navpack/alongpoi"
	"github.com/tourkit/navpack/api"
	"github.com/tourkit/navpack/config"
	"github.com/tourkit/navpack/metrics"
	"github.com/tourkit/navpack/narration"
	"github.com/tourkit/navpack/pack"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/reaper"
	"github.com/tourkit/navpack/route"
	"github.com/tourkit/navpack/spatial"
	"github.com/tourkit/navpack/storage"
	"github.com/tourkit/navpack/voice"
	"github.com/tourkit/navpack/workflow"
)

// App wires together all components of one navpack process.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar
	m        *metrics.Metrics

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Components
	db       *spatial.DB
	engine   *workflow.Engine
	pipeline *workflow.Pipeline
	apiSrv   *api.Server
	httpSrv  *http.Server
}

// NewApp creates an application from the loaded configuration.
func NewApp(cfg *config.Config, logger *slog.Logger, logLevel *slog.LevelVar) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
		m:        metrics.New(),
	}
}

// Start initializes every component: queue, job store, spatial store, and
// the plan pipeline.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	jobs, err := storage.NewJobStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize job store: %w", err)
	}

	a.engine = workflow.NewEngine(a.js, jobs, a.m, a.logger.With("component", "workflow"))
	if err := a.engine.EnsureStreams(ctx); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	a.db, err = spatial.Connect(ctx, a.cfg.Spatial.DSN(), a.logger.With("component", "spatial"))
	if err != nil {
		return fmt.Errorf("connect spatial store: %w", err)
	}

	a.pipeline = a.buildPipeline()

	a.logger.Info("components initialized")
	return nil
}

// buildPipeline assembles the stage implementations from configuration.
func (a *App) buildPipeline() *workflow.Pipeline {
	routeLogger := a.logger.With("component", "route")
	var solver route.Solver = route.NewClient(a.cfg.Routing.Base, routeLogger)
	if a.cfg.Routing.FootBase != "" {
		solver = route.ModalSolver{
			Car:  solver,
			Foot: route.NewClient(a.cfg.Routing.FootBase, routeLogger),
		}
	}
	builder := route.NewBuilder(solver, a.db, a.cfg.Routing.ArrivalToleranceM, routeLogger)

	var finder workflow.POIFinder
	if a.cfg.Along.ServiceBase != "" {
		finder = alongpoi.NewServiceFinder(a.cfg.Along.ServiceBase, a.logger.With("component", "alongpoi"))
	} else {
		finder = alongpoi.NewFinder(a.db, a.logger.With("component", "alongpoi"))
	}

	narrator := narration.NewPlanner(
		narration.NewClient(a.cfg.Narration.Base, a.logger.With("component", "narration")),
		a.logger.With("component", "narration"),
	)

	synthesizer := voice.NewClient(a.cfg.Voice.Base, a.logger.With("component", "voice"),
		voice.WithFormat(plan.AudioFormat(a.cfg.Voice.Format)),
		voice.WithBitrate(a.cfg.Voice.BitrateKbps),
		voice.WithSaveText(a.cfg.Voice.SaveText),
		voice.WithFanOut(a.cfg.Voice.SubBatchSize, a.cfg.Voice.MaxConcurrent),
	)

	assembler := pack.NewAssembler(a.cfg.Server.PacksRoot, a.logger.With("component", "pack"))

	var dispatcher workflow.Dispatcher
	if a.cfg.Queue.DelegateNarration {
		dispatcher = a.engine
	}

	return workflow.NewPipeline(a.db, builder, finder, narrator, synthesizer, assembler,
		dispatcher, a.m, a.logger.With("component", "pipeline"))
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.Queue.URL != "" && !a.cfg.Queue.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.Queue.URL)
		conn, err := nats.Connect(a.cfg.Queue.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return wrapNATSError(err, a.cfg.Queue.URL)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
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

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Set queue.url in the config or QUEUE_BROKER_URL, or leave both empty
to use the embedded server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

// Run starts the workers (and the HTTP facade when serve is true) and
// blocks until a shutdown signal arrives.
func (a *App) Run(ctx context.Context, serve bool) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.engine.RunWorker(signalCtx, workflow.QueueNav, a.pipeline, a.cfg.Queue.NavConcurrency); err != nil {
			a.logger.Error("nav worker stopped", "error", err)
		}
	}()

	if a.cfg.Queue.DelegateNarration {
		narrator := narration.NewPlanner(
			narration.NewClient(a.cfg.Narration.Base, a.logger.With("component", "narration")),
			a.logger.With("component", "narration"),
		)
		handler := workflow.NewNarrationHandler(narrator, a.logger.With("component", "narration"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.engine.RunWorker(signalCtx, workflow.QueueLLM, handler, a.cfg.Queue.LLMConcurrency); err != nil {
				a.logger.Error("llm worker stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.New(a.cfg.Server.PacksRoot, a.cfg.Server.PackTTL,
			a.logger.With("component", "reaper")).Run(signalCtx)
	}()

	if serve {
		srv := api.NewServer(
			&api.EngineBackend{Engine: a.engine},
			a.pipeline,
			a.m,
			a.logger.With("component", "api"),
			a.cfg.Server.Prefix,
			a.cfg.Server.PacksRoot,
		)
		srv.SetDefaultBuffer(a.cfg.Along.BufferCarM, a.cfg.Along.BufferFootM)
		a.apiSrv = srv
		a.httpSrv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("HTTP facade listening", "addr", a.cfg.Server.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("HTTP server failed", "error", err)
				signalCancel()
			}
		}()
	}

	a.watchConfig(signalCtx, &wg)

	a.logger.Info("navpack ready", "version", Version, "serve", serve)
	<-signalCtx.Done()
	a.logger.Info("received shutdown signal")

	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP shutdown failed", "error", err)
		}
	}

	wg.Wait()
	return nil
}

// watchConfig applies hot-reloadable settings (log level, corridor defaults)
// when the project config file changes. Absence of a config file disables
// watching.
func (a *App) watchConfig(ctx context.Context, wg *sync.WaitGroup) {
	path := configFileInUse()
	if path == "" {
		return
	}

	watcher, err := config.NewWatcher(path, a.logger.With("component", "config"))
	if err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher failed to start", "error", err)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-watcher.Updates():
				if !ok {
					return
				}
				a.logLevel.Set(parseLogLevel(cfg.Log.Level))
				if a.apiSrv != nil {
					a.apiSrv.SetDefaultBuffer(cfg.Along.BufferCarM, cfg.Along.BufferFootM)
				}
				a.logger.Info("applied reloaded settings",
					"log_level", cfg.Log.Level,
					"buffer_car_m", cfg.Along.BufferCarM,
					"buffer_foot_m", cfg.Along.BufferFootM)
			}
		}
	}()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	if a.db != nil {
		a.db.Close()
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	a.logger.Info("navpack shutdown complete")
}

func run(configPath, logLevel string, serve bool) error {
	printBanner()

	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = loader.LoadFile(configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	levelVar.Set(parseLogLevel(cfg.Log.Level))

	app := NewApp(cfg, logger, levelVar)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return err
	}
	defer app.Shutdown()

	return app.Run(ctx, serve)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// configFileInUse reports the project config file path, if one exists in
// the current or a parent directory.
func configFileInUse() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := cwd
	for {
		candidate := filepath.Join(dir, config.ProjectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
