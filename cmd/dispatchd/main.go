package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/scheduled-dispatch/internal/api"
	"github.com/LeventeLantos/scheduled-dispatch/internal/auth"
	"github.com/LeventeLantos/scheduled-dispatch/internal/cache"
	"github.com/LeventeLantos/scheduled-dispatch/internal/client"
	"github.com/LeventeLantos/scheduled-dispatch/internal/config"
	"github.com/LeventeLantos/scheduled-dispatch/internal/events"
	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/outbox"
	"github.com/LeventeLantos/scheduled-dispatch/internal/repo"
	"github.com/LeventeLantos/scheduled-dispatch/internal/scheduler"
	"github.com/LeventeLantos/scheduled-dispatch/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(nil, cfg.Log.Level)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("dispatchd stopped")
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	listCache, closeCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	deliverer, closeDeliverer := openDeliverer(cfg.Delivery)
	defer closeDeliverer()

	hub := events.NewHub(log.Sub("events"))

	svc := service.NewMessageService(store,
		service.WithCache(listCache),
		service.WithPublisher(hub),
		service.WithLeadTimes(cfg.Lead),
		service.WithCountryCode(cfg.Contacts.DefaultCountryCode),
		service.WithLogger(log.Sub("messages")),
	)
	disp := service.NewDispatcher(store, deliverer, cfg.Delivery.ContentMax, cfg.Scheduler.BatchSize,
		service.WithDispatchCache(listCache),
		service.WithDispatchPublisher(hub),
		service.WithDispatchLogger(log.Sub("dispatcher")),
		service.WithStaleAfter(cfg.Scheduler.ClaimTimeout),
	)

	sched, err := scheduler.New(cfg.Scheduler.Interval, disp.Tick, scheduler.WithLogger(log.Sub("scheduler")))
	if err != nil {
		return err
	}
	svc.SetTrigger(sched.Trigger)

	tokens := auth.NewTokenService(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	h := api.NewHandler(sched, svc, tokens, hub, log.Sub("http"))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler.Autostart {
		sched.Start()
	}

	log.Info().
		Str("addr", cfg.Server.Address).
		Str("interval", cfg.Scheduler.Interval.String()).
		Int("batch", cfg.Scheduler.BatchSize).
		Str("delivery", cfg.Delivery.Mode).
		Bool("redis", cfg.Redis.Enabled).
		Msg("dispatchd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (repo.MessageRepository, func(), error) {
	if cfg.PostgresURL != "" {
		pool, err := repo.NewPostgresPool(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		r := repo.NewPostgresMessageRepo(pool)
		if err := r.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return r, pool.Close, nil
	}

	r, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func openCache(ctx context.Context, cfg config.RedisConfig) (cache.MessageCache, func(), error) {
	if !cfg.Enabled {
		return cache.Noop{}, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return cache.NewRedisCache(rdb, cfg.TTL), func() { _ = rdb.Close() }, nil
}

func openDeliverer(cfg config.DeliveryConfig) (service.Deliverer, func()) {
	if cfg.Mode == config.DeliveryKafka {
		p := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.TopicPrefix)
		return p, func() { _ = p.Close() }
	}
	return client.NewWebhookClient(cfg.WebhookURL), func() {}
}
