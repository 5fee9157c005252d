package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	api "github.com/GriffinCanCode/skykernel/internal/api/http"
	"github.com/GriffinCanCode/skykernel/internal/api/middleware"
	"github.com/GriffinCanCode/skykernel/internal/api/ws"
	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/sealed"
	"github.com/GriffinCanCode/skykernel/internal/providers/content"
)

// kernelPath is the WebSocket endpoint pages and extensions connect to
const kernelPath = "/kernel"

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	kernel  *kernel.Kernel
	ws      *ws.Handler
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	http    *http.Server

	portals *content.PortalClient
	closers []io.Closer
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	logger.Info("Initializing skykernel",
		zap.String("addr", cfg.Addr()),
		zap.Strings("portals", cfg.Portal.URLs),
		zap.String("store", cfg.Content.StoreDir),
		zap.String("cache", cfg.Content.CacheDir),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()

	s := &Server{logger: logger, config: cfg, metrics: metrics}

	downloader, store, err := s.buildContent()
	if err != nil {
		s.closeAll()
		return nil, err
	}

	kcfg, err := KernelConfig(cfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.kernel = kernel.New(kcfg, downloader, logger.Logger).WithRecorder(metrics)
	s.kernel.Start()

	if cfg.Kernel.SeedFile != "" {
		if err := s.loginFromFile(cfg.Kernel.SeedFile, cfg.Kernel.SeedPassphrase); err != nil {
			s.kernel.Close()
			s.closeAll()
			return nil, err
		}
	}

	s.ws = ws.NewHandler(s.kernel, ws.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		PingInterval:    ws.DefaultOptions().PingInterval,
	}, logger.Logger).WithRecorder(metrics)

	handlers := api.NewHandlers(s.kernel, api.Options{
		Content: downloader,
		Store:   storeOrNil(store),
		Portals: portalsOrNil(s.portals),
		Metrics: metrics,
		Logger:  logger.Logger,
	})

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger.Logger))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Kernel.DashboardOrigins
	cors.SkipPaths = []string{kernelPath}
	router.Use(middleware.CORS(cors))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	// Register routes
	router.GET(kernelPath, s.ws.HandleConnection)
	handlers.Register(router, middleware.DashboardOnly(cfg.Kernel.DashboardOrigins))

	s.router = router
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// KernelConfig translates application configuration into kernel settings
func KernelConfig(cfg *config.Config) (kernel.Config, error) {
	kcfg := kernel.DefaultConfig()
	kcfg.DashboardOrigins = cfg.Kernel.DashboardOrigins
	kcfg.Sandbox.HandlerTimeout = cfg.Kernel.HandlerTimeout
	kcfg.FetchTimeout = cfg.Kernel.FetchTimeout
	kcfg.StatsInterval = cfg.Kernel.StatsInterval
	kcfg.ModuleLogRate = rate.Limit(cfg.Kernel.ModuleLogRPS)
	kcfg.ModuleLogBurst = cfg.Kernel.ModuleLogBurst

	if cfg.Kernel.PolicyFile != "" {
		policy, err := module.LoadPolicy(cfg.Kernel.PolicyFile)
		if err != nil {
			return kernel.Config{}, err
		}
		kcfg.Policy = policy
	}
	return kcfg, nil
}

// buildContent assembles the download chain: the local store first, then
// the portals behind the on-disk cache.
func (s *Server) buildContent() (content.Downloader, *content.Store, error) {
	cfg := s.config
	log := s.logger.Logger
	var chain content.Chain

	var store *content.Store
	if cfg.Content.StoreDir != "" {
		st, err := content.OpenStore(cfg.Content.StoreDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}
		store = st
		s.closers = append(s.closers, st)
		chain = append(chain, st)
	}

	if len(cfg.Portal.URLs) > 0 {
		portals, err := content.NewPortalClient(PortalOptions(cfg, log, s.metrics))
		if err != nil {
			return nil, nil, err
		}
		s.portals = portals

		var remote content.Downloader = portals
		if cfg.Content.CacheDir != "" {
			cache, err := content.NewCache(cfg.Content.CacheDir, portals, log)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open cache: %w", err)
			}
			s.closers = append(s.closers, cache)
			remote = cache
		}
		chain = append(chain, remote)
	}

	if len(chain) == 1 {
		return chain[0], store, nil
	}
	return chain, store, nil
}

// PortalOptions translates portal configuration. metrics may be nil.
func PortalOptions(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics) content.PortalOptions {
	opts := content.DefaultPortalOptions(cfg.Portal.URLs...)
	opts.Timeout = cfg.Portal.Timeout
	opts.Retries = cfg.Portal.Retries
	opts.RateLimit = rate.Limit(cfg.Portal.RPS)
	opts.TripAfter = cfg.Portal.TripAfter
	opts.Cooldown = cfg.Portal.Cooldown
	opts.UserAgent = "skykernel/" + kernel.Version
	opts.Logger = logger
	if metrics != nil {
		opts.OnStateChange = func(portal string, _, to resilience.State) {
			metrics.SetPortalState(portal, int(to))
		}
	}
	return opts
}

func (s *Server) loginFromFile(path, passphrase string) error {
	userSeed, err := sealed.ReadSeed(path, passphrase)
	if err != nil {
		return fmt.Errorf("seed file %s: %w", path, err)
	}
	defer seed.Zero(userSeed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.kernel.Login(ctx, userSeed); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	s.logger.Info("Logged in from seed file", zap.String("session", s.kernel.Stats().Session))
	return nil
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Kernel returns the running kernel
func (s *Server) Kernel() *kernel.Kernel {
	return s.kernel
}

// Run listens on the configured address and serves until ctx ends
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the listener fails, then shuts
// everything down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown disconnects callers, stops the HTTP server and closes the
// kernel and content stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.ws.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket: %w", err))
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := s.kernel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kernel: %w", err))
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}

	// Sync logger before exit
	s.logger.Sync()
	return errors.Join(errs...)
}

func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// storeOrNil and portalsOrNil keep typed nils out of interface fields.
func storeOrNil(s *content.Store) api.Adder {
	if s == nil {
		return nil
	}
	return s
}

func portalsOrNil(p *content.PortalClient) api.PortalStates {
	if p == nil {
		return nil
	}
	return p
}
