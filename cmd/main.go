package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	repos "github.com/oss/geoetl-orchestrator/internal/data/repos/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/data/db"
	"github.com/oss/geoetl-orchestrator/internal/http/handlers"
	"github.com/oss/geoetl-orchestrator/internal/http/middleware"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/core"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/httpapi"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/registry"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/temporalbus"
	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
	"github.com/oss/geoetl-orchestrator/internal/platform/config"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
	"github.com/oss/geoetl-orchestrator/internal/temporalx"
	"github.com/oss/geoetl-orchestrator/internal/utils"
)

/*
main wires the five components (C1-C5) exactly as §2/§9 lay them out:
Postgres-backed State Store, Redis Streams Message Bus, the two
registries, and CoreMachine, then starts its dispatch pools and, unless
disabled, a thin gin server exposing the §6.2 submission/status seam.

Job blueprints and task handlers are this process's external
collaborators (spec.md §1 "Non-goals" / "out of scope") — register them
against jobReg/handlerReg before Start is called, the same way the
teacher's internal/app wired concrete services into internal/jobs/runtime's
Registry before starting its worker pool.
*/
func main() {
	runMode := utils.GetEnv("LOG_MODE", "development", nil)
	log, err := logger.New(runMode)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("failed to initialize Postgres", "error", err)
		os.Exit(1)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("failed to migrate orchestration schema", "error", err)
		os.Exit(1)
	}

	messageBus, err := buildBus(log, cfg)
	if err != nil {
		log.Fatal("failed to initialize message bus", "error", err)
		os.Exit(1)
	}

	jobRepo := repos.NewJobRepo(pg.DB(), log)
	taskRepo := repos.NewTaskRepo(pg.DB(), log)
	eventRepo := repos.NewEventRepo(pg.DB(), log)

	handlerReg := registry.NewHandlerRegistry()
	jobReg := registry.NewJobRegistry(handlerReg)

	machine := core.NewMachine(jobRepo, taskRepo, eventRepo, jobReg, handlerReg, messageBus, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runWorker := envTrue("RUN_WORKER", true)
	runServer := envTrue("RUN_SERVER", true)

	if runWorker {
		machine.Start(ctx)
		log.Info("CoreMachine dispatch pools started")
	}

	var srv *http.Server
	if runServer {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(middleware.Trace(), middleware.RequestLogger(log))

		health := handlers.NewHealthHandler()
		r.GET("/healthz", health.HealthCheck)

		httpapi.NewHandler(jobRepo, jobReg, log).Register(r.Group("/"))

		port := utils.GetEnv("PORT", "8080", log)
		srv = &http.Server{
			Addr:              ":" + port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("HTTP server listening", "port", port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server stopped", "error", err)
			}
		}()
	}

	waitForShutdown(log)
	cancel()
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	_ = messageBus.Close()
}

// buildBus picks the Message Bus transport (§9): Redis Streams by
// default, or the Temporal-backed alternative when TEMPORAL_ADDRESS is
// set, without CoreMachine ever knowing which one it got.
func buildBus(log *logger.Logger, cfg *config.Config) (bus.Bus, error) {
	if envTemporal := strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")); envTemporal != "" {
		client, err := temporalx.NewClient(log)
		if err != nil {
			return nil, fmt.Errorf("dial temporal: %w", err)
		}
		return temporalbus.NewBus(log, client)
	}
	return bus.NewRedisBus(log, cfg.RedisAddr, bus.Durations{
		LockDuration:  cfg.LockDuration,
		RenewEvery:    cfg.LockDuration / 2,
		ReapIdleAfter: cfg.AutoRenewMax,
	})
}

func waitForShutdown(log *logger.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())
}

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
