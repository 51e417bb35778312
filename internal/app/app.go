package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"relay-service/internal/auth"
	"relay-service/internal/config"
	"relay-service/internal/db"
	"relay-service/internal/fanout"
	"relay-service/internal/handlers"
	"relay-service/internal/middleware"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/relay"
	"relay-service/internal/repositories"
	"relay-service/internal/rooms"
	"relay-service/internal/session"
	"relay-service/internal/telemetry"
	"relay-service/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Infra is the external state a relay process runs against.
type Infra struct {
	Backend  session.Backend
	Messages repositories.MessageRepository
	Bus      fanout.Bus
	Events   *observability.Events
	// DB is optional and only used by the health check.
	DB *sqlx.DB
}

// App is the process-wide context: every component is created once here and torn down once
// by Close.
type App struct {
	cfg         *config.Config
	logger      *slog.Logger
	infra       Infra
	hub         *ws.Hub
	broadcaster *fanout.Broadcaster
	relay       *relay.Server
	presence    *presence.Tracker
	router      *gin.Engine
	closers     []func() error
	tracing     telemetry.Shutdown
}

// New connects to Redis, Postgres and RabbitMQ as configured and builds the App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName, logger)
	if err != nil {
		return nil, err
	}

	var backend session.Backend
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory session store, presence is not shared between processes")
		backend = session.NewMemoryStore()
	default:
		client, err := session.NewRedisClient(ctx, session.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fail(err)
		}
		backend = session.NewRedisStore(client)
	}
	closers = append(closers, backend.Close)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(cfg.Database.DSN, logger); err != nil {
			return fail(err)
		}
	}
	database, err := db.Connect(ctx, cfg.Database.DSN, db.DefaultPoolOptions())
	if err != nil {
		return fail(err)
	}
	closers = append(closers, database.Close)
	messages := repositories.NewRetryingMessageStore(repositories.NewMessageRepo(database), repositories.DefaultRetryPolicy())

	bus := fanout.NewBus(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.EventsExchange, logger)
	closers = append(closers, bus.Close)

	// Lifecycle events share the fan-out connection.
	var publisher observability.Publisher
	if amqpBus, ok := bus.(*fanout.AMQPBus); ok && cfg.AMQP.EventsExchange != "" {
		publisher = amqpBus
	} else {
		logger.Info("lifecycle events disabled", slog.String("fanout", fanout.BusMode(bus)))
	}

	a := Build(cfg, logger, Infra{
		Backend:  backend,
		Messages: messages,
		Bus:      bus,
		Events:   observability.NewEvents(publisher, logger),
		DB:       database,
	})
	a.closers = closers
	a.tracing = shutdownTracing
	return a, nil
}

// Build wires the relay on top of already connected infrastructure.
func Build(cfg *config.Config, logger *slog.Logger, infra Infra) *App {
	hub := ws.NewHub()
	broadcaster := fanout.NewBroadcaster(hub, infra.Bus, uuid.NewString(), logger)
	tracker := presence.NewTracker(infra.Backend, logger)
	registry := rooms.NewRegistry(hub, infra.Backend, broadcaster, logger)

	server := relay.NewServer(relay.Deps{
		Verifier:    auth.NewVerifier(cfg.Auth.JWTSecret),
		Sessions:    infra.Backend,
		Presence:    tracker,
		Rooms:       registry,
		Messages:    infra.Messages,
		Broadcaster: broadcaster,
		Events:      infra.Events,
		Logger:      logger,
	}, relay.Options{
		SessionTTL:    cfg.Session.TTL,
		BacklogLimit:  cfg.Relay.BacklogLimit,
		RateLimit:     cfg.Relay.RateLimit,
		RateBurst:     cfg.Relay.RateBurst,
		SweepInterval: cfg.Presence.SweepInterval,
	})

	a := &App{
		cfg:         cfg,
		logger:      logger,
		infra:       infra,
		hub:         hub,
		broadcaster: broadcaster,
		relay:       server,
		presence:    tracker,
	}
	a.router = a.routes(ws.NewHandler(hub, server, infra.Events, ws.ClientOptions{
		MaxMessageSize: cfg.WS.MaxMessageSize,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		PingInterval:   cfg.WS.PingInterval,
	}, logger), registry)
	return a
}

func (a *App) routes(wsHandler *ws.Handler, registry *rooms.Registry) *gin.Engine {
	checks := []handlers.Check{{Name: "store", Ping: a.infra.Backend.Ping}}
	if a.infra.DB != nil {
		checks = append(checks, handlers.Check{Name: "database", Ping: a.infra.DB.PingContext})
	}
	status := handlers.NewStatusHandler(checks, a.presence, registry, a.relay, fanout.BusMode(a.infra.Bus))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(a.cfg.Tracing.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	origins := middleware.NewOriginPolicy(a.cfg.HTTP.AllowedOrigins, a.logger)
	router.GET("/ws", middleware.RequireAllowedOrigin(origins), wsHandler.Handle)
	router.GET("/health", status.Health)
	router.GET("/online", status.OnlineUsers)
	router.GET("/rooms/:room_id/members", status.RoomMembers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.router }

// Relay returns the event relay core.
func (a *App) Relay() *relay.Server { return a.relay }

// Run serves HTTP, consumes the fan-out bus and sweeps presence until ctx is done or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("relay listening", slog.String("addr", srv.Addr), slog.String("fanout", fanout.BusMode(a.infra.Bus)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.broadcaster.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("fan-out consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.relay.RunSweeper(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", slog.Any("error", err))
		}
		if err := a.drain(shutdownCtx); err != nil {
			a.logger.Warn("connection cleanup did not finish", slog.Int("connections", a.relay.Connections()), slog.Any("error", err))
		}
		return nil
	})
	return g.Wait()
}

// drain closes every connection and waits for their cleanup, so sessions, presence and room
// membership are released before the shared store is closed.
func (a *App) drain(ctx context.Context) error {
	a.relay.CloseAll()
	return a.relay.Wait(ctx)
}

// Close releases the infrastructure in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
