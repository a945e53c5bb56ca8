package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	"github.com/psds-microservice/routing-service/internal/config"
	"github.com/psds-microservice/routing-service/internal/database"
	"github.com/psds-microservice/routing-service/internal/handler"
	"github.com/psds-microservice/routing-service/internal/kafka"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/queue"
	"github.com/psds-microservice/routing-service/internal/rabbitmq"
	"github.com/psds-microservice/routing-service/internal/router"
	"github.com/psds-microservice/routing-service/internal/routing"
	"github.com/psds-microservice/routing-service/internal/scheduler"
	"github.com/psds-microservice/routing-service/internal/service"
	"github.com/psds-microservice/routing-service/internal/store"
	"golang.org/x/sync/errgroup"
)

// NewLogger строит slog-логгер по LOG_LEVEL; в production пишет JSON.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.AppEnv == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// Core — движок маршрутизации со всеми зависимостями; общий для api и sweep.
type Core struct {
	Store   store.Store
	Queue   *queue.Queue
	Service *service.RoutingService
	Sweeper *scheduler.Sweeper
	Logger  *slog.Logger

	closers []io.Closer
}

// NewCore открывает хранилище и брокеры и собирает сервис маршрутизации.
func NewCore(cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := NewLogger(cfg)
	c := &Core{Logger: logger}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	c.Store = st
	c.closers = append(c.closers, st)

	sinks := notify.Fanout{}
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicRouting)
	if producer.Enabled() {
		sinks = append(sinks, producer)
		c.closers = append(c.closers, producer)
		log.Printf("kafka: publishing routing events to %s", cfg.KafkaTopicRouting)
	}
	if cfg.AMQPURL != "" {
		pub, err := rabbitmq.Dial(cfg.AMQPURL, cfg.AMQPExchange, "routing-service")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		sinks = append(sinks, pub)
		c.closers = append(c.closers, pub)
		log.Printf("rabbitmq: publishing routing events to exchange %s", cfg.AMQPExchange)
	}
	var notifier notify.Notifier = notify.Nop{}
	if len(sinks) > 0 {
		async := notify.NewAsync(sinks, cfg.NotifyBuffer, 5*time.Second, logger)
		// закрывается раньше брокеров: буфер успевает уйти до закрытия соединений
		c.closers = append(c.closers, async)
		notifier = async
	}

	precedence, err := routing.LoadPrecedence(cfg.RoutingPrecedenceFile)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("routing: %w", err)
	}
	engine, err := routing.NewEngine(routing.NewStrategies(st, logger), precedence, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("routing: %w", err)
	}
	log.Printf("routing precedence: %s", strings.Join(engine.Rules(), " -> "))

	q := queue.New(st, notifier, queue.Config{
		ETAWindow:     cfg.ETAWindow,
		ETAMaxSamples: cfg.ETAMaxSamples,
	}, logger)
	c.Queue = q
	c.Service = service.NewRoutingService(st, engine, q, notifier, service.Options{}, logger)
	c.Sweeper = scheduler.NewSweeper(c.Service, cfg.SweepInterval, logger)
	return c, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Printf("store: in-memory (state is lost on restart)")
		return store.NewMemoryStore(), nil
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN(), cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return store.NewGormStore(db), nil
}

// Close закрывает брокеры и хранилище в обратном порядке.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

// API приложение: HTTP сервер и фоновый sweeper (режим api).
type API struct {
	cfg     *config.Config
	core    *Core
	httpSrv *http.Server
}

// NewAPI создаёт приложение для режима api.
func NewAPI(cfg *config.Config) (*API, error) {
	core, err := NewCore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := router.New(
		handler.NewHealthHandler(core.Store),
		handler.NewRoutingHandler(core.Service),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &API{cfg: cfg, core: core, httpSrv: httpSrv}, nil
}

// Run запускает HTTP сервер и sweeper, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	defer a.core.Close()

	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", a.httpSrv.Addr)
	log.Printf("  Swagger UI:    %s%s", base, paths.PathSwagger)
	log.Printf("  Swagger spec:  %s%s/openapi.json", base, paths.PathSwagger)
	log.Printf("  Health:        %s%s", base, paths.PathHealth)
	log.Printf("  Ready:         %s%s", base, paths.PathReady)
	log.Printf("  API v1:        %s%s/", base, router.PathAPIv1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.core.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
