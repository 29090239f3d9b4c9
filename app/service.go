// Package app assembles the dispatch service from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fixmarket/dispatch/api"
	"github.com/fixmarket/dispatch/config"
	"github.com/fixmarket/dispatch/core/dispatch"
	"github.com/fixmarket/dispatch/core/matching"
	"github.com/fixmarket/dispatch/core/monitoring"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/infra/geo"
	"github.com/fixmarket/dispatch/infra/logger"
	"github.com/fixmarket/dispatch/infra/memstore"
	inframetrics "github.com/fixmarket/dispatch/infra/metrics"
	inframon "github.com/fixmarket/dispatch/infra/monitoring"
	inframqtt "github.com/fixmarket/dispatch/infra/mqtt"
	"github.com/fixmarket/dispatch/infra/notify"
	"github.com/fixmarket/dispatch/infra/postgres"
	"github.com/fixmarket/dispatch/infra/push"
	"github.com/fixmarket/dispatch/infra/telemetry"
	"github.com/fixmarket/dispatch/infra/ws"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

// Service owns every long-running component of the dispatch process.
type Service struct {
	Engine *dispatch.Engine
	Orders *order.Service

	bus        eventbus.EventBus
	dispatcher *notify.Dispatcher
	gateway    *ws.Gateway
	httpSrv    *http.Server
	pg         *postgres.Store
	mqttPub    *inframqtt.Publisher
	redisIdx   *geo.RedisIndex
	ingest     *telemetry.Ingestor
	log        logger.Logger

	promEnabled bool
	promPort    int
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.NewWithEnv("service", cfg.Logging.Env)
	clk := clock.System()
	bus := eventbus.New()

	monitor, err := inframon.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	monitoring.Init(monitor)

	sink, err := inframetrics.NewSink(cfg.Metrics, nil, logg)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	svc := &Service{
		bus:         bus,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}

	var store storage.Store
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		svc.pg = pg
		store = pg
	default:
		store = memstore.New()
	}

	var index storage.ProviderIndex
	if cfg.Redis.Enabled {
		ri := geo.NewRedisIndex(cfg.Redis.Geo)
		ri.SpeedKmh = cfg.Matching.TravelSpeedKmh
		svc.redisIdx = ri
		index = ri
	} else {
		index = geo.NewStaticIndex()
	}

	matcher, err := matching.NewEngine(store, index, bus, sink, clk, logger.NewWithEnv("matching", cfg.Logging.Env), cfg.Matching)
	if err != nil {
		return nil, fmt.Errorf("matching engine: %w", err)
	}
	ladder, err := cfg.Radius.Ladder()
	if err != nil {
		return nil, fmt.Errorf("radius ladder: %w", err)
	}
	expander, err := radius.NewController(store, matcher, bus, sink, clk, logger.NewWithEnv("radius", cfg.Logging.Env), ladder)
	if err != nil {
		return nil, fmt.Errorf("radius controller: %w", err)
	}
	svc.Orders, err = order.NewService(store, bus, sink, clk, logger.NewWithEnv("order", cfg.Logging.Env), expander, cfg.Order.DeclineDebounce)
	if err != nil {
		return nil, fmt.Errorf("order service: %w", err)
	}
	svc.Engine, err = dispatch.NewEngine(store, matcher, expander, clk, logger.NewWithEnv("dispatch", cfg.Logging.Env), cfg.Dispatch)
	if err != nil {
		return nil, fmt.Errorf("dispatch engine: %w", err)
	}

	svc.gateway = ws.NewGateway(logger.NewWithEnv("ws", cfg.Logging.Env))
	opts := []notify.Option{
		notify.WithRealtime(svc.gateway),
		notify.WithLogger(logger.NewWithEnv("notify", cfg.Logging.Env)),
	}
	if cfg.Notify.PushEnabled {
		opts = append(opts, notify.WithPush(push.NewClient(cfg.Notify.Push)))
	}
	if cfg.Notify.MQTTEnabled {
		pub, err := inframqtt.NewPublisher(cfg.Notify.MQTT, logger.NewWithEnv("mqtt", cfg.Logging.Env))
		if err != nil {
			return nil, fmt.Errorf("mqtt publisher: %w", err)
		}
		svc.mqttPub = pub
		opts = append(opts, notify.WithStreamer(pub))
	}
	svc.dispatcher = notify.NewDispatcher(bus, store, opts...)

	if cfg.Telemetry.Enabled {
		ing, err := telemetry.NewIngestor(cfg.Notify.MQTT, cfg.Telemetry, svc.Orders, logger.NewWithEnv("telemetry", cfg.Logging.Env))
		if err != nil {
			return nil, fmt.Errorf("telemetry ingest: %w", err)
		}
		svc.ingest = ing
	}

	mux := http.NewServeMux()
	api.NewHandler(store, svc.Orders, cfg.Server.APIToken, logger.NewWithEnv("api", cfg.Logging.Env)).Routes(mux)
	mux.HandleFunc("GET /ws", svc.gateway.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	svc.httpSrv = &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	return svc, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.dispatcher.Start(ctx)
	s.Engine.Start()
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server: %v", err)
		}
	}()
	if s.promEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", s.promPort)
			if err := inframetrics.StartPromServer(ctx, addr, s.log); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Engine.Stop()
	s.dispatcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("http shutdown: %v", err)
	}
	s.gateway.Close()
	s.bus.Close()
	if s.ingest != nil {
		s.ingest.Close()
	}
	if s.mqttPub != nil {
		s.mqttPub.Disconnect()
	}
	if s.redisIdx != nil {
		if err := s.redisIdx.Close(); err != nil {
			s.log.Errorf("redis close: %v", err)
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
	monitoring.Flush(2 * time.Second)
	return nil
}
