// Command prod runs the delivery service against Redis, Firestore and Pub/Sub,
// or against in-memory fakes when run_mode is "local".
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/cmd"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/app"
	"github.com/tinywideclouds/go-delivery-service/internal/auth"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/coordination"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/directory"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/latency"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/push"
	fsqueue "github.com/tinywideclouds/go-delivery-service/internal/platform/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "go-delivery-service"

func main() {
	// --- 1. Setup structured logging ---
	// Platform adapters log through slog, service components through zerolog.
	var logLevel slog.Level
	zerologLevel := zerolog.InfoLevel
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel, zerologLevel = slog.LevelDebug, zerolog.DebugLevel
	case "warn", "WARN":
		logLevel, zerologLevel = slog.LevelWarn, zerolog.WarnLevel
	case "error", "ERROR":
		logLevel, zerologLevel = slog.LevelError, zerolog.ErrorLevel
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", serviceName)
	slog.SetDefault(logger)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlogger := zerolog.New(os.Stdout).Level(zerologLevel).With().Timestamp().Str("service", serviceName).Logger()

	// --- 2. Load configuration (embedded YAML, then env overrides) ---
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	// --- 3. Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		logger.Error("Failed to register metrics", "err", err)
		os.Exit(1)
	}

	// --- 4. Create dependencies ---
	ctx := context.Background()
	var deps *deliveryservice.ServiceDependencies
	var closeDeps func()
	if cfg.IsLocal() {
		deps, closeDeps = cmd.NewFakeDependencies(m, zlogger), func() {}
	} else {
		deps, closeDeps, err = newProdDependencies(ctx, cfg, m, logger)
		if err != nil {
			logger.Error("Failed to initialize dependencies", "err", err)
			os.Exit(1)
		}
	}
	defer closeDeps()
	deps.Gatherer = reg

	// --- 5. Authentication ---
	// Identity is verified by the gateway in front of the service.
	authMiddleware := auth.TrustedHeaders(logger.With("component", "auth"))

	// --- 6. Create the service ---
	service, err := deliveryservice.New(cfg, deps, authMiddleware, zlogger, logger)
	if err != nil {
		logger.Error("Failed to create delivery service", "err", err)
		os.Exit(1)
	}

	// --- 7. Run the application ---
	app.Run(ctx, logger, service, service.ConnectionManager())
}

// newProdDependencies connects to Redis, Firestore and Pub/Sub. The returned
// func releases every client.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, m *metrics.Metrics, logger *slog.Logger) (*deliveryservice.ServiceDependencies, func(), error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Failed to close client", "err", err)
			}
		}
	}
	fail := func(err error) (*deliveryservice.ServiceDependencies, func(), error) {
		closeAll()
		return nil, nil, err
	}

	// Redis
	rdb, err := newRedisClient(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, rdb.Close)

	store, err := coordination.NewRedisStore(rdb, coordination.RedisStoreConfig{DB: cfg.Redis.DB}, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create coordination store: %w", err))
	}
	closers = append(closers, store.Close)

	// GCP
	logger.Debug("Connecting to Firestore", "project_id", cfg.ProjectID)
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to firestore: %w", err))
	}
	closers = append(closers, fsClient.Close)

	logger.Debug("Connecting to PubSub", "project_id", cfg.ProjectID)
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to pubsub: %w", err))
	}
	closers = append(closers, psClient.Close)

	fcmTopic := topicName(cfg.ProjectID, cfg.Push.FCMTopicID)
	apnTopic := topicName(cfg.ProjectID, cfg.Push.APNTopicID)
	if err := ensureTopics(ctx, psClient, logger, fcmTopic, apnTopic); err != nil {
		return fail(err)
	}

	// Storage
	queueStore, err := newQueueStore(cfg, rdb, fsClient, logger)
	if err != nil {
		return fail(err)
	}
	slots, err := fsqueue.NewRedisSlotStore(rdb, cfg.Queue.SlotTTL, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create slot store: %w", err))
	}

	// Directory
	accounts, err := directory.NewFirestoreDirectory(fsClient, cfg.DirectoryCollection, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create account directory: %w", err))
	}

	// Push
	fcmSender, err := push.NewPubSubPushSender(psClient.Publisher(fcmTopic), delivery.ChannelFCM, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create fcm sender: %w", err))
	}
	apnSender, err := push.NewPubSubPushSender(psClient.Publisher(apnTopic), delivery.ChannelAPN, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create apn sender: %w", err))
	}
	fallback, err := push.NewRedisFallbackScheduler(rdb, accounts, push.FallbackConfig{
		Delay:        cfg.Fallback.Delay,
		PollInterval: cfg.Fallback.PollInterval,
		MaxAttempts:  cfg.Fallback.MaxAttempts,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create fallback scheduler: %w", err))
	}

	latencyRecorder, err := latency.NewRedisLatencyRecorder(rdb, m, latency.DefaultMarkerTTL, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create latency recorder: %w", err))
	}

	return &deliveryservice.ServiceDependencies{
		Coordination:       store,
		Queue:              queueStore,
		Slots:              slots,
		Directory:          accounts,
		FCMSender:          fcmSender,
		APNSender:          apnSender,
		Fallback:           fallback,
		Latency:            latencyRecorder,
		UnregisteredTokens: accounts.UnregisteredTokenHandler(),
		Metrics:            m,
	}, closeAll, nil
}

// newRedisClient returns a *redis.ClusterClient in cluster mode so the
// coordination store can follow slot ownership.
func newRedisClient(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (redis.UniversalClient, error) {
	var rdb redis.UniversalClient
	if cfg.Redis.Cluster {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addrs[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		logger.Error("Failed to connect to redis", "addrs", cfg.Redis.Addrs, "err", err)
		return nil, fmt.Errorf("failed to connect to redis at %v: %w", cfg.Redis.Addrs, err)
	}
	logger.Info("Connected to Redis", "addrs", cfg.Redis.Addrs, "cluster", cfg.Redis.Cluster)
	return rdb, nil
}

func newQueueStore(cfg *config.AppConfig, rdb redis.UniversalClient, fsClient *firestore.Client, logger *slog.Logger) (queue.Store, error) {
	logger.Info("Initializing message queue...", "type", cfg.Queue.Type)
	switch cfg.Queue.Type {
	case config.QueueTypeRedis:
		return fsqueue.NewRedisQueueStore(rdb, logger)
	case config.QueueTypeFirestore:
		return fsqueue.NewFirestoreQueueStore(fsClient, cfg.Queue.FirestoreCollection, logger)
	default:
		return nil, fmt.Errorf("invalid queue type: %s (must be 'firestore' or 'redis')", cfg.Queue.Type)
	}
}

func topicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// ensureTopics creates the push request topics if they don't already exist.
func ensureTopics(ctx context.Context, psClient *pubsub.Client, logger *slog.Logger, topics ...string) error {
	var errs []error
	for _, name := range topics {
		logger.Debug("Ensuring topic exists", "topic", name)
		_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
		if err == nil {
			continue
		}
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			continue
		}
		logger.Error("Failed to create topic", "topic", name, "err", err)
		errs = append(errs, fmt.Errorf("could not create topic %s: %w", name, err))
	}
	return errors.Join(errs...)
}
