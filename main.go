package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"oikion-live/api"
	"oikion-live/bridge"
	"oikion-live/bus"
	"oikion-live/cache"
	"oikion-live/dashboard"
	"oikion-live/notifier"
	"oikion-live/relay"
	"oikion-live/storage"
)

type recordStore interface {
	api.Store
	dashboard.Reader
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	cfg := loadConfig()
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store recordStore
	if cfg.StorageConn == "" {
		log.Warn("STORAGE_CONNECTION_STRING not set, using in-memory store")
		store = storage.NewMemoryStore()
	} else {
		ts, err := storage.NewTableStore(cfg.StorageConn, storage.TableNames{
			Organizations: cfg.Organizations,
			Properties:    cfg.Properties,
			Clients:       cfg.Clients,
			Activities:    cfg.Activities,
		})
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = ts
	}

	eventBus := bus.New(bus.Options{QueueSize: cfg.SubscriberQueue, Logger: logger})
	defer eventBus.Close()

	c := cache.New(cache.Options{DefaultTTL: cfg.DashboardTTL, DefaultTimeout: cfg.ComputeTimeout, Logger: logger})
	if cfg.CacheSweep {
		c.Start()
		defer c.Stop()
	}

	var (
		sequencer notifier.Sequencer
		remotes   []notifier.RemotePublisher
		deduper   api.Deduper
	)
	if cfg.RedisConn != "" {
		rc := redis.NewClient(redisOptions(cfg.RedisConn))
		defer rc.Close()
		sequencer = notifier.NewRedisSequencer(rc, "")
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)

		r := relay.New(rc, eventBus, c, relay.Options{Prefix: cfg.RelayPrefix, Logger: logger})
		remotes = append(remotes, r)
		go r.Run(ctx)
		log.WithField("origin", r.Origin()).Info("redis relay started")
	} else {
		log.Info("REDIS_CONNECTION_STRING not set, running single process")
	}
	if cfg.EventsQueue != "" {
		if cfg.StorageConn == "" {
			log.Fatal("DOMAIN_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		q, err := storage.NewEventQueue(cfg.StorageConn, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("queue: %v", err)
		}
		remotes = append(remotes, q)
	}

	n, err := notifier.New(notifier.Options{
		Bus:         eventBus,
		Cache:       c,
		Sequencer:   sequencer,
		Resolver:    store,
		Remotes:     remotes,
		LockStripes: cfg.NotifyStripes,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("notifier: %v", err)
	}
	agg := dashboard.NewAggregator(c, store, dashboard.Options{
		TTL:     cfg.DashboardTTL,
		Timeout: cfg.ComputeTimeout,
		Logger:  logger,
	})

	auth, err := newAuth()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))

	api.Register(e, api.Deps{
		Store:     store,
		Notifier:  n,
		Dashboard: agg,
		Auth:      auth,
		Deduper:   deduper,
		Events:    eventBus,
		Bridge: bridge.Options{
			Debounce: cfg.RefreshDebounce,
			MaxWait:  cfg.RefreshMaxWait,
			Logger:   logger,
		},
		Heartbeat:  cfg.Heartbeat,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
	})

	go func() {
		<-ctx.Done()
		if err := e.Close(); err != nil {
			log.WithError(err).Warn("server close")
		}
	}()
	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := e.Start(cfg.ListenAddr); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

// newAuth verifies RS256 tokens against the Auth0 JWKS unless a shared
// secret mode is enabled.
func newAuth() (*api.Auth, error) {
	if os.Getenv("LOCAL_AUTH_MODE") != "" || os.Getenv("AUTH0_TEST_MODE") == "1" {
		return api.NewAuth(nil, os.Getenv("AUTH0_AUDIENCE"), os.Getenv("AUTH0_ISSUER"))
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/")
}
