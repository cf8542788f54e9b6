// Command bridge is the Universal Bridge: it provisions field devices, ingests
// their messages over MQTT, WebSocket, HTTP and serial lines, normalises them
// into one canonical form and dispatches operator commands back to them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/velomano/smart-on-sub004/shared/auth"
	"github.com/velomano/smart-on-sub004/shared/bus"
	"github.com/velomano/smart-on-sub004/shared/dispatch"
	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/mqttbridge"
	"github.com/velomano/smart-on-sub004/shared/provision"
	"github.com/velomano/smart-on-sub004/shared/router"
	"github.com/velomano/smart-on-sub004/shared/serialbridge"
	"github.com/velomano/smart-on-sub004/shared/storage"
	"github.com/velomano/smart-on-sub004/shared/wsbridge"
)

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

type config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	JWTSecret       string
	DeviceTokenTTL  time.Duration
	SetupTokenTTL   time.Duration
	EncryptionKey   string
	ServiceRoleKey  string
	OperatorJWKSURL string

	MQTTPort       int
	MQTTTLSPort    int
	MaxConnections int

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	NATSURL      string
	SerialConfig string

	DispatchInterval     time.Duration
	BrokerReloadInterval time.Duration
	ClaimSweepInterval   time.Duration
}

func loadConfig() config {
	return config{
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		GRPCAddr:    envOr("GRPC_ADDR", ":50051"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),

		JWTSecret:       os.Getenv("JWT_SECRET"),
		DeviceTokenTTL:  envDurOr("TOKEN_EXPIRES_IN", 24*time.Hour),
		SetupTokenTTL:   envDurOr("SETUP_TOKEN_EXPIRES_IN", time.Hour),
		EncryptionKey:   os.Getenv("BRIDGE_ENCRYPTION_KEY"),
		ServiceRoleKey:  os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		OperatorJWKSURL: os.Getenv("OPERATOR_JWKS_URLS"),

		MQTTPort:       envIntOr("BRIDGE_MQTT_PORT", 1883),
		MQTTTLSPort:    envIntOr("BRIDGE_MQTT_TLS_PORT", 8883),
		MaxConnections: envIntOr("BRIDGE_MAX_CONNECTIONS", 1000),

		StoreDriver: envOr("STORE_DRIVER", "postgres"),
		DatabaseURL: envOr("DATABASE_URL", os.Getenv("SUPABASE_DB_URL")),
		SQLitePath:  envOr("SQLITE_PATH", "bridge.db"),

		NATSURL:      os.Getenv("NATS_URL"),
		SerialConfig: os.Getenv("SERIAL_CONFIG"),

		DispatchInterval:     envDurOr("DISPATCH_INTERVAL", 10*time.Second),
		BrokerReloadInterval: envDurOr("BROKER_RELOAD_INTERVAL", 30*time.Second),
		ClaimSweepInterval:   envDurOr("CLAIM_SWEEP_INTERVAL", time.Hour),
	}
}

func (c config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.EncryptionKey == "" {
		return errors.New("BRIDGE_ENCRYPTION_KEY is required")
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL or SUPABASE_DB_URL is required for the postgres store")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ServiceRoleKey == "" && c.OperatorJWKSURL == "" {
		slog.Warn("no operator credentials configured; operator endpoints will reject every caller")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	return fallback
}

func envDurOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bridge exited", "err", err)
		os.Exit(1)
	}
	slog.Info("bridge stopped")
}

func openStore(ctx context.Context, cfg config) (*storage.SQLStore, error) {
	if cfg.StoreDriver == "sqlite" {
		return storage.OpenSQLite(ctx, cfg.SQLitePath)
	}
	return storage.OpenPostgres(ctx, cfg.DatabaseURL)
}

func openRouter(ctx context.Context, cfg config) (router.MessageRouter, error) {
	if cfg.NATSURL == "" {
		return router.NewMemoryRouter(), nil
	}
	r, err := router.NewNATSRouter(cfg.NATSURL, "universal-bridge")
	if err != nil {
		return nil, err
	}
	if err := r.EnsureStream(ctx, router.StreamName, []string{router.StreamName + ".>"}); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func operatorAuthenticator(cfg config) (auth.OperatorAuthenticator, error) {
	var chain auth.ChainAuthenticator
	if cfg.OperatorJWKSURL != "" {
		v, err := auth.NewValidator(cfg.OperatorJWKSURL)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if cfg.ServiceRoleKey != "" {
		chain = append(chain, auth.NewServiceKeyAuthenticator(cfg.ServiceRoleKey))
	}
	return chain, nil
}

func run(ctx context.Context, cfg config) error {
	log := slog.Default()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()
	log.Info("store connected", "driver", cfg.StoreDriver)

	m := metrics.New()
	tokens, err := auth.NewTokenService(cfg.JWTSecret,
		auth.WithDeviceTTL(cfg.DeviceTokenTTL),
		auth.WithSetupTTL(cfg.SetupTokenTTL),
	)
	if err != nil {
		return err
	}
	secrets, err := auth.NewSecretBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	operators, err := operatorAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("operator auth: %w", err)
	}

	events, err := openRouter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	defer events.Close()

	// The bus kicks the dispatcher and provisioning notifies the hub; both
	// are built after their hook owners.
	var (
		dispatcher *dispatch.Dispatcher
		hub        *wsbridge.Hub
	)
	msgBus := bus.New(store,
		bus.WithPublisher(events),
		bus.WithMetrics(m),
		bus.WithCommandHook(func(storage.Command) {
			if dispatcher != nil {
				dispatcher.Kick()
			}
		}),
	)
	prov := provision.NewService(store, tokens,
		provision.WithMetrics(m),
		provision.WithBoundHook(func(ev provision.BoundEvent) {
			if hub != nil {
				hub.NotifyBound(ev)
			}
		}),
	)
	hub = wsbridge.NewHub(tokens, prov, msgBus, wsbridge.Config{MaxConnections: cfg.MaxConnections},
		wsbridge.WithEvents(events),
		wsbridge.WithMetrics(m),
	)
	defer hub.Close()

	mqtt := mqttbridge.NewManager(store, secrets, msgBus, mqttbridge.Config{
		DefaultPort:    cfg.MQTTPort,
		DefaultTLSPort: cfg.MQTTTLSPort,
	}, mqttbridge.WithMetrics(m))
	defer mqtt.Close()

	transports := []dispatch.Transport{hub, mqtt}
	var serial *serialbridge.Adapter
	if cfg.SerialConfig != "" {
		ports, err := serialbridge.LoadConfig(cfg.SerialConfig)
		if err != nil {
			return err
		}
		serial = serialbridge.New(ports, msgBus, serialbridge.WithMetrics(m))
		transports = append(transports, serial)
		log.Info("serial adapter configured", "ports", len(ports))
	}
	dispatcher = dispatch.New(store, transports,
		dispatch.WithInterval(cfg.DispatchInterval),
		dispatch.WithMetrics(m),
	)

	// ── Background loops ─────────────────────────────────────────────────────
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup
	goLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("background loop stopped", "loop", name, "err", err)
			}
		}()
	}

	goLoop("dispatch", dispatcher.Run)
	goLoop("mqtt", func(ctx context.Context) error {
		var changes <-chan string
		if cfg.StoreDriver == "postgres" {
			l, err := storage.ListenBrokerChanges(ctx, cfg.DatabaseURL)
			if err != nil {
				log.Warn("broker change notifications unavailable, polling only", "err", err)
			} else {
				defer l.Close()
				changes = l.Changes()
			}
		}
		return mqtt.Run(ctx, cfg.BrokerReloadInterval, changes)
	})
	goLoop("claim-sweep", func(ctx context.Context) error {
		return sweepClaims(ctx, prov, cfg.ClaimSweepInterval, log)
	})
	if serial != nil {
		goLoop("serial", serial.Run)
	}

	healthSrv := health.NewServer()
	goLoop("health", func(ctx context.Context) error {
		return watchHealth(ctx, store, healthSrv)
	})

	// ── Servers ──────────────────────────────────────────────────────────────
	srv := &server{
		store:     store,
		bus:       msgBus,
		prov:      prov,
		tokens:    tokens,
		operators: operators,
		mqtt:      mqtt,
		hub:       hub,
		now:       time.Now,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errc := make(chan error, 3)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		log.Error("server failed, shutting down", "err", runErr)
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	cancelBg()
	wg.Wait()
	return runErr
}

func sweepClaims(ctx context.Context, prov *provision.Service, every time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := prov.CleanupExpiredClaims(ctx)
			if err != nil {
				log.Warn("claim sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("expired claims removed", "count", n)
			}
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// watchHealth mirrors store reachability into the gRPC health service.
func watchHealth(ctx context.Context, store pinger, hs *health.Server) error {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := store.Ping(pctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus("bridge", status)
	}
	check()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}
