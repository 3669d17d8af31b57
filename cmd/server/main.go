package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/batch"
	"github.com/Cloud-V/Backend-sub002/internal/config"
	"github.com/Cloud-V/Backend-sub002/internal/handler"
	"github.com/Cloud-V/Backend-sub002/internal/job"
	"github.com/Cloud-V/Backend-sub002/internal/middleware"
	"github.com/Cloud-V/Backend-sub002/internal/repository"
	"github.com/Cloud-V/Backend-sub002/internal/runtime"
	"github.com/Cloud-V/Backend-sub002/internal/sandbox"
	"github.com/Cloud-V/Backend-sub002/internal/service"
	"github.com/Cloud-V/Backend-sub002/internal/storage"
	"github.com/Cloud-V/Backend-sub002/internal/token"
	"github.com/Cloud-V/Backend-sub002/internal/workspace"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Components log through the standard logger
	logger := logrus.StandardLogger()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("Starting Cloud V toolchain engine")

	if err := ensureDataDirectories(cfg); err != nil {
		logger.WithError(err).Fatal("Failed to create data directories")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtimeManager := runtime.NewManager(cfg)
	if err := runtimeManager.LoadToolchains(); err != nil {
		logger.WithError(err).Fatal("Failed to load toolchains")
	}

	stdcellService := service.NewStdcellService(cfg, logger)

	dockerClient, err := sandbox.NewDockerClient()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to docker")
	}
	defer dockerClient.Close()

	tokens, err := token.Open(cfg.DBPath, cfg.TokenDuration)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open token ledger")
	}
	defer tokens.Close()
	go tokens.RunSweeper(ctx, cfg.TokenSweepInterval)

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize object storage")
	}

	batchClient, err := batch.NewClient(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize batch client")
	}

	repos := repository.NewStore(cfg)
	repos.Start()
	defer repos.Stop()

	stager := workspace.NewStager(cfg)
	if err := stager.Cleanup(); err != nil {
		logger.WithError(err).Warn("Failed to clean stale staging directories")
	}

	jobManager := job.NewManager(cfg, job.Deps{
		Repos:      repos,
		Stager:     stager,
		Provider:   sandbox.NewProvider(dockerClient, cfg),
		Toolchains: runtimeManager,
		Libraries:  stdcellService,
		Tokens:     tokens,
		Storage:    objects,
		Dispatcher: batch.NewDispatcher(batchClient, cfg),
	})

	h := handler.NewHandler(jobManager, runtimeManager, logger)
	stdcellHandler := handler.NewStdcellHandler(stdcellService, logger)

	server := &http.Server{
		Addr:    cfg.GetBindAddress(),
		Handler: newRouter(cfg, h, stdcellHandler, logger),
		// Synchronous jobs answer only after their sandbox finishes.
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.SandboxTimeout + time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("API server starting on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// newRouter mounts every route of the v1 API
func newRouter(cfg *config.Config, h *handler.Handler, stdcellHandler *handler.StdcellHandler, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			r.Route("/repos/{repoID}", func(r chi.Router) {
				r.Post("/synthesize", h.Synthesize)
				r.Post("/simulate", h.Simulate)
				r.Post("/simulate-netlist", h.SimulateNetlist)
				r.Post("/bitstream", h.GenerateBitstream)
				r.Post("/compile", h.Compile)
				r.Post("/validate", h.Validate)
				r.Get("/jobs/latest", h.LatestJob)
			})
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(10 * time.Minute))
				stdcellHandler.RegisterRoutes(r)
			})
		})

		// Workers may post an empty body.
		r.Post("/callback", h.Callback)

		r.HandleFunc("/connect", h.HandleWebSocket)
		r.Get("/toolchains", h.GetToolchains)
	})

	r.Get("/", h.GetVersion)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}

// ensureDataDirectories ensures that all required data directories exist
func ensureDataDirectories(cfg *config.Config) error {
	directories := []string{
		cfg.DataDirectory,
		cfg.ToolchainsDirectory(),
		cfg.StdcellsDirectory(),
		cfg.ReposDirectory(),
		cfg.StagingDirectory,
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
