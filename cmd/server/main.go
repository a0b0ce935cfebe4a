package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/config"
	"github.com/fblgit/claudebench/internal/coord"
	"github.com/fblgit/claudebench/internal/handlers"
	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/middleware"
	"github.com/fblgit/claudebench/internal/persist"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/rpc"
	"github.com/fblgit/claudebench/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("[Server] No .env file found")
	}

	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Server] Config load failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	instanceID := cfg.Instance.ID
	if instanceID == "" {
		instanceID = fmt.Sprintf("srv-%s", uuid.New().String()[:8])
	}
	slog.Info("[Server] Starting", "instance", instanceID, "env", cfg.Server.Env)

	// Store: Redis, or the in-process store when Redis is unreachable.
	var st store.Store
	redisStore, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("[Server] Redis unreachable, using in-memory store", "addr", cfg.Redis.Addr, "error", err)
		st = store.NewMemoryStore()
	} else {
		st = redisStore
	}
	defer st.Close()

	met := metrics.New(prometheus.DefaultRegisterer)
	eventBus := bus.New(st)
	auditor := audit.New(st)

	sink, err := persist.Open(cfg.Postgres.DSN)
	if err != nil {
		slog.Warn("[Server] Postgres unavailable, persistence disabled", "error", err)
		sink = nil
	}
	defer sink.Close()

	defaults := middleware.Defaults{
		RateLimit: registry.RateLimit{
			Limit:  cfg.Middleware.RateLimit,
			Window: cfg.Middleware.RateLimitWindow,
		},
		Timeout: cfg.Middleware.Timeout,
		Circuit: middleware.CircuitConfig{
			FailureThreshold:  cfg.Middleware.Circuit.FailureThreshold,
			SuccessThreshold:  cfg.Middleware.Circuit.SuccessThreshold,
			OpenTimeout:       cfg.Middleware.Circuit.OpenTimeout,
			BackoffMultiplier: cfg.Middleware.Circuit.BackoffMultiplier,
			MaxBackoff:        cfg.Middleware.Circuit.MaxBackoff,
			HalfOpenLimit:     cfg.Middleware.Circuit.HalfOpenLimit,
		},
		CacheLocalTTL:  cfg.Middleware.CacheLocalTTL,
		LatencySamples: true,
	}
	mdeps := middleware.Deps{
		Store:    st,
		Auditor:  auditor,
		Metrics:  met,
		Defaults: defaults,
	}
	if sink != nil {
		mdeps.AuditLog = sink
	}
	envelope := middleware.Envelope(mdeps)

	reg := registry.New(registry.Options{
		Store:      st,
		Bus:        eventBus,
		Auditor:    auditor,
		Metrics:    met,
		InstanceID: instanceID,
		Envelope:   envelope,
	})

	taskQueue := queue.New(st, eventBus, met, queue.Options{
		MaxTextLength:   cfg.Queue.MaxTaskLength,
		DefaultPriority: cfg.Queue.DefaultPriority,
	})
	manager := instance.NewManager(st, eventBus, met, taskQueue, instance.Options{
		ID:                instanceID,
		Roles:             cfg.Instance.Roles,
		HeartbeatInterval: cfg.Instance.HeartbeatInterval,
		TTL:               cfg.Instance.TTL,
		IdleThreshold:     cfg.Instance.IdleThreshold,
		SweepInterval:     cfg.Queue.SweepInterval,
	})
	coordinator := coord.New(st, eventBus, met, coord.Options{})

	if err := handlers.RegisterAll(reg, handlers.Deps{
		Store:     st,
		Bus:       eventBus,
		Queue:     taskQueue,
		Instances: manager,
		Coord:     coordinator,
		Auditor:   auditor,
		Metrics:   met,
		Sink:      sink,
	}); err != nil {
		slog.Error("[Server] Handler registration failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := manager.Register(ctx, instanceID, cfg.Instance.Roles); err != nil {
		slog.Error("[Server] Instance registration failed", "error", err)
		cancel()
		os.Exit(1)
	}
	cancel()
	manager.Start()
	defer manager.Stop()

	server := rpc.NewServer(reg, eventBus, rpc.Options{
		Port:         cfg.Server.Port,
		SSEHeartbeat: cfg.Bus.SSEHeartbeat,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("[Server] Listener failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		slog.Info("[Server] Shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[Server] Shutdown incomplete", "error", err)
		}
	}
}
