package di

import (
	"context"
	"fmt"
	"time"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	"kitchenpulse/internal/handler/api"
	mid "kitchenpulse/internal/middleware"
	internalrepo "kitchenpulse/internal/repository"
	"kitchenpulse/internal/service/ratelimit"
	"kitchenpulse/internal/usecase"
	pkgch "kitchenpulse/pkg/clickhouse"
	"kitchenpulse/pkg/config"
	xhttp "kitchenpulse/pkg/http"
	pkgkafka "kitchenpulse/pkg/kafka"
	"kitchenpulse/pkg/logger"
	"kitchenpulse/pkg/metrics"
	pkgpg "kitchenpulse/pkg/postgres"
	pkgredis "kitchenpulse/pkg/redis"
	"kitchenpulse/pkg/server"
)

const auditTable = "kp_audit"

// ProvideLogger builds the application logger from config.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideRecorder creates the Prometheus recorder.
func ProvideRecorder() *metrics.Recorder {
	return metrics.New()
}

// ProvideMetrics exposes the recorder as the domain metrics port.
func ProvideMetrics(r *metrics.Recorder) repository.Metrics {
	return r
}

// ProvideSnapshotStore opens the configured snapshot backend.
func ProvideSnapshotStore(cfg *config.Config) (repository.SnapshotStore, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Storage.Backend {
	case "redis":
		client, err := pkgredis.NewClient(
			pkgredis.WithAddr(cfg.Redis.Addr),
			pkgredis.WithAuth(cfg.Redis.Password, cfg.Redis.DB),
			pkgredis.WithPrefix(cfg.Redis.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
		// terminal orders are kept for retention; live ones may idle until abandonment
		ttl := cfg.Estimator.AbandonTimeout + cfg.Estimator.Retention
		return internalrepo.NewRedisSnapshotStore(client, ttl), func() { _ = client.Close() }, nil
	case "postgres":
		client, err := pkgpg.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres client: %w", err)
		}
		store := internalrepo.NewPostgresSnapshotStore(client, cfg.Estimator.Retention)
		if err := store.Init(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	default:
		return internalrepo.NewMemorySnapshotStore(), func() {}, nil
	}
}

// ProvideClickHouseClient connects to ClickHouse and creates the audit table.
// Returns nil when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithAddress(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithCredentials(cfg.ClickHouse.Database, cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithPool(10, 5, time.Hour),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.AuditSchema(cfg.ClickHouse.Database, auditTable)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideAuditSink stores the audit trail in ClickHouse when enabled.
func ProvideAuditSink(cfg *config.Config, ch *pkgch.Client) repository.AuditSink {
	if ch == nil {
		return nil
	}
	return internalrepo.NewClickHouseAuditStore(ch.DB(), cfg.ClickHouse.Database+"."+auditTable)
}

// ProvideKafkaProducer creates a Kafka producer. Returns nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideEventPublisher publishes estimate and rush changes to Kafka.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.EstimatesTopic, cfg.Kafka.RushTopic)
}

// ProvideOutbox builds the pipeline that ships core side effects to the sinks.
func ProvideOutbox(
	cfg *config.Config,
	store repository.SnapshotStore,
	audit repository.AuditSink,
	pub repository.EventPublisher,
	m repository.Metrics,
	l *logger.Logger,
) *mid.OutboxPipeline {
	return mid.NewOutboxPipeline(m,
		mid.WithBufferSize(cfg.Outbox.BufferSize),
		mid.WithBatch(cfg.Outbox.BatchSize, cfg.Outbox.FlushInterval),
		mid.WithSnapshotStore(store),
		mid.WithAuditSink(audit),
		mid.WithEventPublisher(pub),
		mid.WithPipelineLogger(l.With(logger.String("component", "outbox"))),
	)
}

// ProvideServiceConfig maps YAML config onto the core's knobs.
func ProvideServiceConfig(cfg *config.Config) usecase.ServiceConfig {
	overrides := make(map[string]map[models.Source]float64, len(cfg.Rush.RestaurantWeights))
	for id, w := range cfg.Rush.RestaurantWeights {
		overrides[id] = config.SourceWeights(w)
	}
	e := cfg.Estimator
	return usecase.ServiceConfig{
		Estimator: usecase.EstimatorConfig{
			ProximityBiasWindow:      e.ProximityBiasWindow,
			CorrectionFactor:         e.CorrectionFactor,
			ProximityThresholdMeters: e.ProximityThresholdMeters,
		},
		Aggregator: usecase.AggregatorConfig{
			DefaultWeights:    config.SourceWeights(cfg.Rush.DefaultWeights),
			RestaurantWeights: overrides,
			ModerateThreshold: cfg.Rush.ModerateThreshold,
			HighThreshold:     cfg.Rush.HighThreshold,
			SubscriberBuffer:  e.SubscriberBuffer,
		},
		LockTimeout:    e.LockTimeout,
		AbandonTimeout: e.AbandonTimeout,
		SweepInterval:  e.SweepInterval,
		Retention:      e.Retention,
		TombstoneTTL:   e.TombstoneRetention,
	}
}

// ProvideEstimationService creates the estimation core.
func ProvideEstimationService(
	sc usecase.ServiceConfig,
	outbox *mid.OutboxPipeline,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.EstimationService {
	return usecase.NewEstimationService(sc,
		usecase.WithOutbox(outbox),
		usecase.WithMetrics(m),
		usecase.WithLogger(l.With(logger.String("component", "estimation"))),
	)
}

// ProvideKafkaConsumer creates a Kafka consumer configured from YAML.
// Returns nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l.With(logger.String("component", "kafka"))),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.TraceHook(l, 250*time.Millisecond))
	return consumer, nil
}

// ProvideKafkaSignalsHandler feeds the signals topic into the core.
func ProvideKafkaSignalsHandler(
	cfg *config.Config,
	svc *usecase.EstimationService,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.KafkaSignalsHandler {
	return usecase.NewKafkaSignalsHandler(cfg.Kafka.SignalsTopic, svc, m, l, cfg.Server.TrustClientTimestamps)
}

// ProvideLimiter creates the signal ingestion rate limiter.
func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillPerSec)
}

// ProvideHTTPHandler registers the estimation API and the rush stream.
func ProvideHTTPHandler(
	cfg *config.Config,
	svc *usecase.EstimationService,
	limiter *ratelimit.Limiter,
	l *logger.Logger,
) xhttp.Handler {
	hl := l.With(logger.String("component", "api"))
	return xhttp.Handlers{
		api.NewEstimatesEchoHandler(hl, svc,
			api.WithSignalLimit(limiter.Middleware(nil)),
			api.WithTrustedTimestamps(cfg.Server.TrustClientTimestamps)),
		api.NewRushStreamHandler(hl, svc, 30*time.Second),
	}
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	svc *usecase.EstimationService,
	outbox *mid.OutboxPipeline,
	store repository.SnapshotStore,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaSignalsHandler,
	routes xhttp.Handler,
	limiter *ratelimit.Limiter,
	recorder *metrics.Recorder,
	ch *pkgch.Client,
) *server.App {
	checks := map[string]xhttp.HealthCheck{}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}
	d := server.Deps{
		Config:   cfg,
		Logger:   l,
		Service:  svc,
		Outbox:   outbox,
		Store:    store,
		Routes:   routes,
		Limiter:  limiter,
		Recorder: recorder,
		Checks:   checks,
	}
	if consumer != nil {
		d.Consumer = consumer
		d.Handler = kh
	}
	return server.New(d)
}
