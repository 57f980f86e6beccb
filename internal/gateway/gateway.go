package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/zak10/arena-dnpbmf/internal/api"
	"github.com/zak10/arena-dnpbmf/internal/audit"
	"github.com/zak10/arena-dnpbmf/internal/auth"
	"github.com/zak10/arena-dnpbmf/internal/broadcast"
	"github.com/zak10/arena-dnpbmf/internal/bus"
	"github.com/zak10/arena-dnpbmf/internal/config"
	"github.com/zak10/arena-dnpbmf/internal/connection"
	"github.com/zak10/arena-dnpbmf/internal/database"
	"github.com/zak10/arena-dnpbmf/internal/metrics"
	"github.com/zak10/arena-dnpbmf/internal/ratelimit"
	"github.com/zak10/arena-dnpbmf/internal/registry"
	"github.com/zak10/arena-dnpbmf/internal/router"
	"github.com/zak10/arena-dnpbmf/internal/version"
)

// Gateway is one gateway process.
type Gateway struct {
	cfg    *config.GatewayConfig
	logger *slog.Logger

	pool       *pgxpool.Pool // nil unless a component needs PostgreSQL
	bus        bus.Bus
	registry   *registry.Registry
	broadcast  *broadcast.Broadcaster
	router     *router.Router
	gate       *auth.Gate
	audit      audit.Logger
	auditStore *audit.Store
	prom       *metrics.Prometheus // nil when metrics are disabled
	sink       metrics.Sink

	connCfg  connection.Config
	upgrader *websocket.Upgrader
	server   *http.Server
	started  time.Time

	closeOnce sync.Once
}

// Option overrides a component normally built from configuration.
type Option func(*options)

type options struct {
	bus      bus.Bus
	provider auth.IdentityProvider
	domain   router.DomainService
}

// WithBus uses b instead of the configured bus driver. The gateway closes it on shutdown.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithIdentityProvider replaces the JWT provider.
func WithIdentityProvider(p auth.IdentityProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithDomain replaces the backend action service.
func WithDomain(d router.DomainService) Option {
	return func(o *options) { o.domain = d }
}

// New builds a gateway from cfg. It connects to the database and the bus, so
// a failure here means the process cannot serve.
func New(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		sink:   metrics.Nop{},
		connCfg: connection.Config{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.WriteBufferSize,
			MaxMessageSize:  cfg.Server.MaxMessageSize,
			PingInterval:    cfg.Server.PingInterval,
			PongTimeout:     cfg.Server.PongTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
		},
	}
	if len(g.connCfg.AllowedOrigins) == 0 {
		g.connCfg.AllowedOrigins = []string{"*"}
	}
	g.upgrader = connection.NewUpgrader(g.connCfg)

	ok := false
	defer func() {
		if !ok {
			g.closeResources()
		}
	}()

	if cfg.NeedsDatabase() {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Postgres, "arena-gateway/"+cfg.Instance.ID)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		g.pool = pool
	}

	if cfg.Metrics.Enabled {
		prom, err := metrics.NewPrometheus(metrics.Config{Namespace: cfg.Metrics.Namespace})
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		g.prom = prom
		g.sink = prom
	}

	if err := g.setupAudit(ctx); err != nil {
		return nil, err
	}

	if o.bus != nil {
		g.bus = o.bus
	} else {
		b, err := openBus(ctx, cfg, g.pool, logger)
		if err != nil {
			return nil, err
		}
		g.bus = b
	}

	g.registry = registry.New(registry.Config{
		MaxConnectionsPerUser: cfg.Limits.MaxConnectionsPerUser,
		ConnectionTimeout:     cfg.Limits.ConnectionTimeout,
		SweepInterval:         cfg.Limits.SweepInterval,
	}, logger.With("component", "registry"))

	g.broadcast = broadcast.New(g.registry, g.bus, logger,
		broadcast.WithInstanceID(cfg.Instance.ID),
		broadcast.WithTopicPrefix(cfg.Bus.TopicPrefix),
		broadcast.WithMetrics(g.sink),
	)

	provider := o.provider
	if provider == nil {
		p, err := newJWTProvider(cfg.Auth)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	g.gate = auth.NewGate(auth.GateConfig{
		Subprotocols:          cfg.Auth.Subprotocols,
		MaxConnectionsPerUser: cfg.Limits.MaxConnectionsPerUser,
	}, provider, g.registry, logger)

	domain := o.domain
	if domain == nil {
		// Without a backend, proposal actions report backend_unavailable
		var backend api.ProposalBackend
		if cfg.Backend.BaseURL != "" {
			backend = api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token,
				api.WithLogger(logger),
				api.WithTimeout(cfg.Backend.Timeout),
				api.WithRetries(cfg.Backend.MaxRetries, 500*time.Millisecond),
			)
		}
		domain = api.NewService(backend, logger)
	}

	r, err := router.New(router.Config{
		Rate: ratelimit.Config{
			Capacity:   cfg.Limits.RateCapacity,
			RefillRate: cfg.Limits.RateRefill,
		},
		OutboxSize:    cfg.Server.OutboxSize,
		ActionTimeout: cfg.Backend.Timeout,
		AutoJoin:      cfg.Groups.AutoJoin,
	}, router.Deps{
		Registry: g.registry,
		Groups:   g.broadcast,
		Domain:   domain,
		Metrics:  g.sink,
		Audit:    g.audit,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	g.router = r

	if g.prom != nil {
		if err := g.registerGauges(); err != nil {
			return nil, err
		}
	}

	g.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return g, nil
}

func newJWTProvider(cfg config.AuthConfig) (*auth.JWTProvider, error) {
	jcfg := auth.JWTConfig{
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		UserClaim: cfg.UserClaim,
		Leeway:    5 * time.Second,
	}
	if cfg.PublicKeyPath != "" {
		key, err := auth.LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
		jcfg.PublicKey = key
	} else {
		jcfg.Secret = []byte(cfg.JWTSecret)
	}

	p, err := auth.NewJWTProvider(jcfg)
	if err != nil {
		return nil, fmt.Errorf("create jwt provider: %w", err)
	}
	return p, nil
}

func (g *Gateway) setupAudit(ctx context.Context) error {
	if !g.cfg.Audit.Enabled {
		g.audit = audit.Nop{}
		return nil
	}

	loggers := audit.Multi{audit.NewSlogLogger(g.logger)}
	if g.cfg.Audit.Store == "postgres" {
		if err := audit.EnsureTable(ctx, g.pool, g.cfg.Audit.Table); err != nil {
			return fmt.Errorf("prepare audit table: %w", err)
		}
		storeCfg := audit.DefaultStoreConfig()
		storeCfg.Table = g.cfg.Audit.Table
		g.auditStore = audit.NewStore(storeCfg, g.pool, g.logger)
		loggers = append(loggers, g.auditStore)
	}
	g.audit = loggers
	return nil
}

func (g *Gateway) registerGauges() error {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"connections_active", "Live connections on this instance", func() float64 { return float64(g.registry.Len()) }},
		{"groups_active", "Groups with at least one local member", func() float64 { return float64(g.broadcast.Groups()) }},
		{"sessions_active", "Sessions not yet torn down", func() float64 { return float64(g.router.Stats().Active) }},
	}
	for _, gauge := range gauges {
		if err := g.prom.RegisterGauge(gauge.name, gauge.help, gauge.fn); err != nil {
			return fmt.Errorf("register gauge %s: %w", gauge.name, err)
		}
	}
	return nil
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Broadcaster returns the group broadcaster.
func (g *Gateway) Broadcaster() *broadcast.Broadcaster { return g.broadcast }

// Router returns the message router.
func (g *Gateway) Router() *router.Router { return g.router }

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.Addr)
	if err != nil {
		g.closeResources()
		return fmt.Errorf("listen %s: %w", g.cfg.Server.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.started = time.Now()

	if g.auditStore != nil {
		if err := g.auditStore.Start(ctx); err != nil {
			g.closeResources()
			return fmt.Errorf("start audit store: %w", err)
		}
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"ws_path", g.cfg.Server.WSPath,
			"instance_id", g.cfg.Instance.ID,
			"version", version.Version,
		)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		g.registry.RunSweeper(gctx)
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// Shutdown drains sessions, stops the HTTP server and releases the bus,
// the audit store and the database pool.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "connections", g.registry.Len())

	var errs []error
	if err := g.router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if g.auditStore != nil {
		if err := g.auditStore.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop audit store: %w", err))
		}
	}
	g.closeResources()

	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

func (g *Gateway) closeResources() {
	g.closeOnce.Do(func() {
		if g.bus != nil {
			if err := g.bus.Close(); err != nil {
				g.logger.Warn("close bus", "error", err)
			}
		}
		if g.pool != nil {
			g.pool.Close()
		}
	})
}
