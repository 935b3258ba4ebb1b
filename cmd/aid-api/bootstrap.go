package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BearBump/AidBox/config"
	dispatchapi "github.com/BearBump/AidBox/internal/api/dispatch_api"
	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/broker/kafka"
	"github.com/BearBump/AidBox/internal/cache"
	"github.com/BearBump/AidBox/internal/cache/rediscache"
	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/integrations/pricing"
	"github.com/BearBump/AidBox/internal/integrations/pricing/pricinghttp"
	"github.com/BearBump/AidBox/internal/integrations/pricing/static"
	"github.com/BearBump/AidBox/internal/services/dispatch"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/BearBump/AidBox/internal/storage/memstore"
	"github.com/BearBump/AidBox/internal/storage/pgdispatch"
)

type aidAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   aidAPIOpts
	deps   aidAPIDeps

	closers []func()
}

func mustBootstrapAidAPI() *aidAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	setupLogger(cfg.AidBox.LogLevel)

	app, err := buildAidAPI(cfg, swaggerPath)
	if err != nil {
		panic(err)
	}
	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return app
}

func setupLogger(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}

// buildAidAPI wires the dispatch core from config. Redis and Kafka are optional:
// an empty host turns the snapshot cache, the chat limiter, the event sink and the
// location consumer off.
func buildAidAPI(cfg *config.Config, swaggerPath string) (*aidAPIApp, error) {
	ab := cfg.AidBox
	grpcAddr := ab.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := ab.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := ab.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "aid-api"
	}
	eventsTopic := cfg.Kafka.RequestEventsTopicName
	if eventsTopic == "" {
		eventsTopic = "request.events"
	}
	locationsTopic := cfg.Kafka.LocationsTopicName
	if locationsTopic == "" {
		locationsTopic = "provider.locations"
	}

	app := &aidAPIApp{}
	fail := func(err error) (*aidAPIApp, error) {
		app.Close()
		return nil, err
	}

	var repo storage.Repository
	switch ab.StorageDriver {
	case "memory":
		repo = memstore.New()
		slog.Warn("using in-memory storage, state is lost on restart")
	case "", "postgres":
		st, err := openPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, st.Close)
		repo = st
	default:
		return fail(fmt.Errorf("unknown storage_driver %q", ab.StorageDriver))
	}

	var (
		bytesCache  cache.BytesCache
		chatLimiter dispatch.RateLimiter
		rc          *rediscache.RedisCache
	)
	if cfg.Redis.Host != "" {
		rc = rediscache.New(cfg.Redis.Addr())
		app.closers = append(app.closers, func() { _ = rc.Close() })
		bytesCache = rc.WithPrefix("aidbox:")
		perMin := ab.ChatRateLimitPerMinute
		if perMin <= 0 {
			perMin = 30
		}
		chatLimiter = rediscache.NewRateLimiter(rc.Client(), int64(perMin), time.Minute)
	}

	var sink broadcast.Sink
	if cfg.Kafka.Host != "" {
		producer := kafka.NewProducer(cfg.Kafka.Brokers())
		s := broadcast.NewAsyncSink(kafka.NewEventPublisher(producer, eventsTopic), ab.SinkBuffer, seconds(ab.SinkTimeoutSeconds, 5))
		// Close идёт в обратном порядке: сначала дренируем очередь sink, потом producer
		app.closers = append(app.closers, func() { _ = producer.Close() }, s.Close)
		sink = s

		consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), locationsTopic, consumerGroup)
		app.closers = append(app.closers, func() { _ = consumer.Close() })
		app.deps.consumer = consumer
	}

	catalog, err := newCatalog(ab, bytesCache)
	if err != nil {
		return fail(err)
	}

	// старт с текущего времени, чтобы sequence не откатывался после рестарта
	seq := clock.NewSequenceAt(uint64(time.Now().UnixMicro()))
	bus := broadcast.New(broadcast.Config{
		LogSize:          ab.BroadcastLogSize,
		SubscriberBuffer: ab.BroadcastSubscriberBuffer,
		Retention:        seconds(ab.BroadcastRetentionSeconds, 600),
	}, seq, nil, repo, sink)

	engine := dispatch.NewEngine(repo, bus, nil, nil, bytesCache, seconds(ab.SnapshotTTLSeconds, 600))
	quotes := dispatch.NewQuoteEngine(engine, catalog, ab.TaxBasisPoints)
	chat := dispatch.NewChatRelay(engine, chatLimiter, ab.ChatMaxBytes)

	app.deps.api = dispatchapi.New(engine, quotes, chat, bus, dispatchapi.Options{
		LongPollTimeout: seconds(ab.LongPollTimeoutSeconds, 25),
		WSFrameRate:     ab.WSFrameRate,
		WSFrameBurst:    ab.WSFrameBurst,
		WSPingInterval:  seconds(ab.WSPingIntervalSeconds, 30),
	})
	app.deps.locations = engine
	app.deps.janitor = bus
	app.opts = aidAPIOpts{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         locationsTopic,
		consumerGroup: consumerGroup,
	}
	return app, nil
}

func newCatalog(ab config.AidBoxConfig, c cache.BytesCache) (pricing.Client, error) {
	if ab.PricingBaseURL == "" {
		return static.New(ab.PricingOverrides)
	}
	remote := pricinghttp.New(ab.PricingBaseURL, ab.PricingAPIKey, seconds(ab.PricingTimeoutSeconds, 3))
	if c == nil {
		return remote, nil
	}
	return pricing.NewCached(remote, c, seconds(ab.PricingCacheTTLSeconds, 300)), nil
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgdispatch.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdispatch.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

// Close releases resources in reverse order of creation.
func (a *aidAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *aidAPIApp) Run() error {
	return runAidAPI(a.ctx, a.opts, a.deps)
}
