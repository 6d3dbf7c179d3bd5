package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"payhooks/internal/api"
	"payhooks/internal/auth"
	"payhooks/internal/buildinfo"
	"payhooks/internal/config"
	"payhooks/internal/events"
	"payhooks/internal/inbound"
	"payhooks/internal/metrics"
	"payhooks/internal/queue"
	"payhooks/internal/store"
	"payhooks/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("payhooks stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	metrics.RegisterDefault()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	var q queue.Queue = queue.NewMemory()
	if cfg.Queue.Driver == "redis" {
		q = queue.NewRedis(rdb, cfg.Queue.Name)
	}
	var broker events.Broker = events.NewMemory()
	if rdb != nil {
		broker = events.NewRedisBroker(rdb, cfg.Queue.Name, log)
	}

	backoff, err := webhooks.ParseStrategy(cfg.Webhook.Backoff)
	if err != nil {
		return err
	}
	notifier := webhooks.Notifiers{webhooks.LogNotifier{Log: log}, webhooks.BrokerNotifier{Broker: broker}}
	worker := webhooks.NewWorker(st, backoff, notifier, log)
	dispatcher := webhooks.NewDispatcher(st, q, worker, cfg.Defaults(), log)

	var svc inbound.PaymentService = inbound.LoggingPaymentService{Log: log}
	if cfg.Webhook.ForwardURL != "" {
		svc = inbound.ForwardingPaymentService{Next: svc, Dispatcher: dispatcher, URL: cfg.Webhook.ForwardURL}
	}
	kinds := inbound.DefaultRegistry()
	processor := inbound.NewProcessor(st, kinds, svc, q, log)
	processor.Sync = cfg.Inbound.Sync
	processor.Broker = broker
	receiver := inbound.NewReceiver(st, kinds, processor, cfg.Inbound.ProviderSecret, log)
	receiver.Broker = broker

	verifier, err := auth.New(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	if err != nil {
		return err
	}
	if verifier.Mode == "dev" {
		log.Warn("AUTH_MODE=dev: admin endpoints accept unsigned tokens")
	}

	pool := queue.NewPool(q, cfg.Queue.Workers, log)
	pool.Register(queue.KindDeliver, worker)
	pool.Register(queue.KindInbound, processor)
	pool.Start(ctx)

	srv := &api.Server{
		Config:     cfg,
		Store:      st,
		Queue:      q,
		Dispatcher: dispatcher,
		Receiver:   receiver,
		Processor:  processor,
		Auth:       verifier,
		Broker:     broker,
		Log:        log,
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "version": buildinfo.Version, "queue": cfg.Queue.Driver}).Info("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	stop()
	pool.Wait()
	return nil
}

// openStore picks Postgres when DATABASE_URL is set and the memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemory()
		if len(cfg.Inbound.DevOrderKeys) == 0 {
			log.Warn("no DEV_ORDER_KEYS, provider calls will be rejected as unknown order")
		}
		for id, key := range cfg.Inbound.DevOrderKeys {
			if err := mem.SetOrderSecurityKey(ctx, id, key); err != nil {
				return nil, nil, err
			}
		}
		return mem, func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}
