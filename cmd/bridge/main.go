// Command bridge is the agent-bridge broker: it terminates a browser
// front-end's WebSocket connections, owns a bounded pool of Session
// Slots each running one agent subprocess, and optionally exposes itself
// through a tunnel CLI. See SPEC_FULL.md for the full component design.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/copilot-bridge/bridge/internal/api"
	"github.com/copilot-bridge/bridge/internal/audit"
	"github.com/copilot-bridge/bridge/internal/broker"
	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/config"
	"github.com/copilot-bridge/bridge/internal/identity"
	"github.com/copilot-bridge/bridge/internal/intercept"
	"github.com/copilot-bridge/bridge/internal/middleware"
	"github.com/copilot-bridge/bridge/internal/slot"
	"github.com/copilot-bridge/bridge/internal/terminalws"
	"github.com/copilot-bridge/bridge/internal/tunnel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	isDev := os.Getenv("APP_ENV") == "development"
	slog.Info("Starting bridge", "port", cfg.Port, "cwd", cfg.Cwd, "dev", isDev)

	// Issue the shared-secret session token (spec §3.2). A broker that
	// fails to generate one exits rather than running without auth.
	if cfg.Token == "" {
		cfg.Token, err = identity.GenerateToken()
		if err != nil {
			slog.Error("Failed to generate session token", "error", err)
			os.Exit(1)
		}
	}

	// Select the execution backend (SPEC_FULL.md §4). Local is the
	// default; Docker is opt-in for operators who want the agent
	// subprocess sandboxed.
	var backend channel.Backend
	switch cfg.ContainerRuntime {
	case "":
		backend = channel.NewLocalBackend()
	case "docker", "runsc":
		runtime := cfg.ContainerRuntime
		if runtime == "docker" {
			runtime = ""
		}
		backend, err = channel.NewDockerBackend(runtime)
		if err != nil {
			slog.Error("Failed to initialize docker execution backend", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Unknown container runtime", "runtime", cfg.ContainerRuntime)
		os.Exit(1)
	}
	slog.Info("Execution backend ready", "runtime", cfg.ContainerRuntime)

	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		slog.Warn("Audit log unavailable, continuing without it", "error", err)
		auditLog = nil
	} else {
		defer func() {
			if closeErr := auditLog.Close(); closeErr != nil {
				slog.Error("Failed to close audit log", "error", closeErr)
			}
		}()
	}

	command, args := config.AgentCommand()
	env := []string{}
	if skillsDirs := os.Getenv("COPILOT_SKILLS_DIRS"); skillsDirs != "" {
		env = append(env, "COPILOT_SKILLS_DIRS="+skillsDirs)
	}

	registry := slot.NewRegistry(backend, command, args, env, cfg.MaxSlots)
	pipeline := intercept.New(auditLog)
	registry.SetSubprocessFrameHook(pipeline.SubprocessToClient)

	brokerHandler := broker.NewHandler(registry, pipeline, cfg.Token, cfg.Cwd, isDev)
	terminalHandler := terminalws.NewHandler(backend, cfg.Token, cfg.Cwd)
	apiHandler := api.NewHandler(registry, auditLog, cfg.Token, cfg.Cwd)
	healthHandler := api.NewHealthHandler(registry)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)
	r.Get("/ws", brokerHandler.ServeHTTP)
	r.Get("/ws/terminal", terminalHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // agent-protocol and terminal sockets are long-lived
		IdleTimeout:  120 * time.Second,
	}

	var tunnelSupervisor *tunnel.Supervisor
	if cfg.Tunnel.Enabled {
		tunnelSupervisor = tunnel.New(tunnel.Options{
			Command:        cfg.Tunnel.Command,
			TunnelID:       cfg.Tunnel.TunnelID,
			AllowAnonymous: cfg.Tunnel.AllowAnonymous,
		})
		go func() {
			url, tunnelErr := tunnelSupervisor.Start(context.Background())
			if tunnelErr != nil {
				slog.Error("Failed to start tunnel", "error", tunnelErr)
				return
			}
			slog.Info("Tunnel ready", "url", url)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	registry.Shutdown()

	if tunnelSupervisor != nil {
		tunnelSupervisor.Stop()
	}

	slog.Info("Bridge stopped successfully")
}
