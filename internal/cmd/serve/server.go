package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/channel"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/memory"
	"github.com/chirino/chat-service/internal/pipeline"
	routesystem "github.com/chirino/chat-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-service/internal/plugin/store/metrics"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// readinessProbeUser is looked up by the database readiness check; a
// not-found answer proves the store is reachable.
const readinessProbeUser = "__readiness_probe__"

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Memory          *memory.Index
	Pipeline        *pipeline.Pipeline
	Orchestrator    *channel.Orchestrator
	Router          *gin.Engine
	GRPCServer      *grpc.Server
	Health          *health.Server
	Running         *RunningServers
	stopBackground  context.CancelFunc
	closeManagement func(context.Context) error
}

// Shutdown closes live sockets, waits for in-flight turns, then stops the
// listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Health.Shutdown()
	if err := s.Orchestrator.Shutdown(ctx); err != nil {
		log.Warn("In-flight turns did not finish before the drain timeout", "err", err)
	}
	s.stopBackground()
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts HTTP+gRPC on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
		"generation", cfg.GenerationKind,
	)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if recentCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithRecentCache(ctx, recentCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Memory is optional: any failure here leaves it disabled.
	mem := memory.Load(ctx)

	generateLoader, err := registrygenerate.Select(cfg.GenerationKind)
	if err != nil {
		return nil, err
	}
	generator, err := generateLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator %q: %w", cfg.GenerationKind, err)
	}

	// Turns and the indexer outlive the request that started them but stop
	// with the process.
	backgroundCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))

	pipe := pipeline.New(store, mem, generator, pipeline.OptionsFromConfig(cfg))
	resolver := security.NewTokenResolver(cfg)
	orchestrator := channel.New(backgroundCtx, resolver, pipe, channel.OptionsFromConfig(cfg))

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.AllowedOrigins()))
	}

	// Mount API route plugins on the main router.
	services := &registryroute.Services{
		Config:   cfg,
		Store:    store,
		Memory:   mem,
		Sessions: resolver.Sessions(),
		Auth:     security.AuthMiddleware(resolver),
	}
	if err := registryroute.MountAPI(router, services); err != nil {
		stopBackground()
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}
	router.GET("/v1/socket", orchestrator.Handle)

	routesystem.AddReadinessCheck("database", func(ctx context.Context) error {
		if _, err := store.GetUser(ctx, readinessProbeUser); err != nil && !registrystore.IsNotFound(err) {
			return err
		}
		return nil
	})

	// Start background services
	indexer := service.NewBackgroundIndexer(store, mem, cfg.IndexerInterval, cfg.IndexerBatchSize)
	go indexer.Start(backgroundCtx)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.MountManagement(mgmtRouter); err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		if err := registryroute.MountManagement(router); err != nil {
			stopBackground()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	// Start single-port HTTP+gRPC
	running, err := StartSinglePortHTTPAndGRPC(ctx, cfg.Listener, router, grpcServer)
	if err != nil {
		stopBackground()
		if closeManagement != nil {
			_ = closeManagement(ctx)
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
		"memory", mem.Enabled(),
	)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Memory:          mem,
		Pipeline:        pipe,
		Orchestrator:    orchestrator,
		Router:          router,
		GRPCServer:      grpcServer,
		Health:          healthServer,
		Running:         running,
		stopBackground:  stopBackground,
		closeManagement: closeManagement,
	}, nil
}
