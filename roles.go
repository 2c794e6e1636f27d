package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eddielth/agri-pipeline/alerting"
	"github.com/eddielth/agri-pipeline/broker"
	"github.com/eddielth/agri-pipeline/cache"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/gateway"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/eddielth/agri-pipeline/mqtt"
	"github.com/eddielth/agri-pipeline/notifier"
	"github.com/eddielth/agri-pipeline/simulator"
	"github.com/eddielth/agri-pipeline/storage"
	"github.com/eddielth/agri-pipeline/transformer"
	"github.com/redis/go-redis/v9"
)

// runTopology declares the exchanges, queues and bindings and exits
func runTopology(ctx context.Context, a *app) error {
	return declareTopology(ctx, a.cfg.AMQP)
}

func declareTopology(ctx context.Context, cfg config.AMQPConfig) error {
	ch, err := broker.OpenWithRetry(ctx, broker.Dial(cfg.URL), cfg.ReconnectDelay, cfg.StartupTimeout, "topology")
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := broker.DefaultTopology(cfg).Declare(ch); err != nil {
		return err
	}
	logger.Info("topology declared on %s", cfg.URL)
	return nil
}

func runBridge(ctx context.Context, a *app) error {
	cfg := a.cfg
	if cfg.AMQP.DeclareOnStart {
		if err := declareTopology(ctx, cfg.AMQP); err != nil {
			return err
		}
	}

	transformers, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		return fmt.Errorf("failed to initialize transformers: %w", err)
	}
	a.onReload(func(c *config.Config) {
		transformers.Reload(c.Transformers)
	})

	publisher := broker.NewPublisher(broker.Dial(cfg.AMQP.URL), cfg.AMQP.SensorExchange, cfg.AMQP.PublishTimeout)
	if err := publisher.Connect(ctx, cfg.AMQP.ReconnectDelay, cfg.AMQP.StartupTimeout); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer publisher.Close()

	bridge, err := mqtt.NewBridge(cfg.MQTT, transformers, publisher, cfg.AMQP.PublishTimeout)
	if err != nil {
		return err
	}
	if err := bridge.Start(); err != nil {
		return err
	}
	defer bridge.Stop()

	logger.Info("bridging %s to %s", cfg.MQTT.Topic, cfg.AMQP.SensorExchange)
	<-ctx.Done()
	return nil
}

func runAlerts(ctx context.Context, a *app) error {
	cfg := a.cfg
	db, err := storage.NewDatabaseStorage(ctx, cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	defer db.Close()

	rdb, closeRedis := redisClient(ctx, cfg.Redis)
	defer closeRedis()

	open := broker.Dial(cfg.AMQP.URL)
	publisher := broker.NewPublisher(open, cfg.AMQP.AlertExchange, cfg.AMQP.PublishTimeout)
	if err := publisher.Connect(ctx, cfg.AMQP.ReconnectDelay, cfg.AMQP.StartupTimeout); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer publisher.Close()

	rules := cache.NewRuleCache(rdb, cfg.Rules.CacheTTL)
	producer := alerting.NewProducer(alerting.DefaultPipeline(rules, db), db, publisher)

	consumer := broker.NewConsumer(open, consumerConfig(cfg.AMQP, "alerts", cfg.AMQP.AlertsQueue), producer.Handle)
	return consumer.Run(ctx)
}

func runRecorder(ctx context.Context, a *app) error {
	cfg := a.cfg
	manager := storage.NewManager()
	defer manager.Close()

	if cfg.Storage.Database {
		db, err := storage.NewDatabaseStorage(ctx, cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to open database storage: %w", err)
		}
		manager.AddBackend(db)
	}
	if cfg.Storage.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.Storage.File.Path)
		if err != nil {
			return fmt.Errorf("failed to open file storage: %w", err)
		}
		manager.AddBackend(fs)
	}

	recorder := storage.NewRecorder(manager)
	consumer := broker.NewConsumer(broker.Dial(cfg.AMQP.URL), consumerConfig(cfg.AMQP, "recorder", cfg.AMQP.RecorderQueue), recorder.Handle)
	return consumer.Run(ctx)
}

func runNotifier(ctx context.Context, a *app) error {
	cfg := a.cfg
	svc := notifier.NewService(cfg.Notifier, notifier.NewRegistry())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		notifier.Run(ctx, svc.Consumers(broker.Dial(cfg.AMQP.URL), cfg.AMQP))
	}()

	err := serve(ctx, &http.Server{
		Addr:              cfg.Notifier.Listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	})
	cancel()
	<-done
	return err
}

func runGateway(ctx context.Context, a *app) error {
	cfg := a.cfg
	auth, err := gateway.NewAuthenticator(cfg.Gateway.JWT)
	if err != nil {
		return err
	}

	rdb, closeRedis := redisClient(ctx, cfg.Redis)
	defer closeRedis()

	g, err := gateway.New(cfg.Gateway, auth, rdb)
	if err != nil {
		return err
	}
	go g.Run(ctx)

	return serve(ctx, &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func runSimulator(ctx context.Context, a *app) error {
	return simulator.New(a.cfg.MQTT, a.cfg.Simulator).Run(ctx)
}

func consumerConfig(cfg config.AMQPConfig, name, queue string) broker.ConsumerConfig {
	cc := broker.ConsumerConfig{
		Name:           cfg.ConsumerTagBase + "-" + name,
		Source:         broker.Source{Queue: queue},
		Prefetch:       cfg.Prefetch,
		HandlerTimeout: cfg.HandlerTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
	}
	if cfg.DeclareOnStart {
		topo := broker.DefaultTopology(cfg)
		cc.Topology = &topo
	}
	return cc
}

// redisClient returns nil when no address is configured; an unreachable server only disables caching
func redisClient(ctx context.Context, cfg config.RedisConfig) (redis.Cmdable, func()) {
	if cfg.Addr == "" {
		logger.Warn("redis.addr not set, caches and rate limits are disabled")
		return nil, func() {}
	}

	rdb := cache.NewClient(cfg)
	if err := cache.Ping(ctx, rdb); err != nil {
		logger.Warn("redis at %s unavailable: %v", cfg.Addr, err)
	}
	return rdb, func() { rdb.Close() }
}

func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
