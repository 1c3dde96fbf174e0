package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/stripe/stripe-go/v78"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/localhands/marketplace/internal/di"
	"github.com/localhands/marketplace/internal/handlers"
	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/platform/config"
	"github.com/localhands/marketplace/internal/platform/events"
	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
	"github.com/localhands/marketplace/internal/platform/idempotency"
	"github.com/localhands/marketplace/internal/platform/observability"
	"github.com/localhands/marketplace/internal/platform/secrets"
	platformstorage "github.com/localhands/marketplace/internal/platform/storage"
	"github.com/localhands/marketplace/internal/repositories"
	firestoreRepo "github.com/localhands/marketplace/internal/repositories/firestore"
	"github.com/localhands/marketplace/internal/repositories/memory"
	"github.com/localhands/marketplace/internal/services"
)

const (
	closeTimeout        = 5 * time.Second
	pubsubProbeTimeout  = 2 * time.Second
	defaultSecretsFile  = ".secrets.local"
	webhookTolerance    = 5 * time.Minute
	stripeProviderName  = "stripe"
	productionEnvLabel  = "prod"
	autoCompleteBatch   = 200
	instrumentationName = "github.com/localhands/marketplace"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"], envValues["API_ENVIRONMENT"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	eventLogger := observability.NewEventLogger(logger)

	metrics, err := observability.NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var closers []func(context.Context)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](closeCtx)
		}
	}()

	publisher, orderTopic := newOrderEventPublisher(ctx, logger, cfg, eventLogger, &closers)
	publisher = events.WithMetrics(publisher, metrics)

	registry, idempotencyStore := newRegistry(ctx, logger, cfg, orderTopic, &closers)

	paymentBreaker, paymentManager := newPayments(logger, cfg, eventLogger)

	infra := di.Infrastructure{
		Payments: paymentManager,
		Breaker:  paymentBreaker,
		Events:   publisher,
		Build:    buildInfo,
		Clock:    time.Now,
		Logger:   eventLogger,
	}

	storageClient := newStorageClient(ctx, logger, cfg, &closers)
	if archiver := newImageArchiver(logger, cfg, storageClient); archiver != nil {
		infra.Images = archiver
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}
	closers = append(closers, func(ctx context.Context) {
		if err := container.Close(ctx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	})
	svc := container.Services

	authenticator := newAuthenticator(ctx, logger, cfg)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, eventLogger, metrics)

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotency.Logger(eventLogger)),
		idempotency.WithOptionalKey(),
	)

	orderOpts := []handlers.OrderHandlerOption{
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderCreateRateLimit(cfg.Orders.CreateBurst, createWindow(cfg.Orders), time.Now),
	}
	if signer := newURLSigner(logger, cfg); signer != nil {
		orderOpts = append(orderOpts, handlers.WithOrderImageSigner(signer, cfg.Storage.ListingBucket))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)
	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Cart)
	internalHandlers := handlers.NewInternalOrderHandlers(svc.Orders)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(metrics),
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithCartRoutes(cartHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}
	if verifier := newWebhookVerifier(logger, cfg); verifier != nil {
		webhookHandlers := handlers.NewPaymentWebhookHandlers(verifier, svc.Orders, eventLogger)
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	backgroundCtx, backgroundCancel := context.WithCancel(observability.WithLogger(context.Background(), logger.Named("background")))
	var backgroundWG sync.WaitGroup
	backgroundWG.Add(2)
	go func() {
		defer backgroundWG.Done()
		services.RunAutoCompleteSweeper(backgroundCtx, svc.Orders, services.SweeperConfig{
			Interval: cfg.Orders.SweepInterval,
			Limit:    autoCompleteBatch,
			Logger:   eventLogger,
		})
	}()
	go func() {
		defer backgroundWG.Done()
		idempotency.RunCleanup(backgroundCtx, idempotencyStore, idempotency.CleanupConfig{
			Interval:  cfg.Idempotency.CleanupInterval,
			BatchSize: cfg.Idempotency.CleanupBatchSize,
			Logger:    idempotency.Logger(eventLogger),
		})
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketplace api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	backgroundWG.Wait()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = defaultSecretsFile
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(instrumentationName)),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// Production refuses to start without payment credentials; other environments may run
// with webhooks disabled.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Stripe.APIKey"}
	if strings.EqualFold(strings.TrimSpace(env["API_ENVIRONMENT"]), productionEnvLabel) {
		required = append(required, "Stripe.WebhookSecret")
	}
	return required
}

func newOrderEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config, eventLogger observability.EventLogger, closers *[]func(context.Context)) (services.OrderEventPublisher, *pubsub.Topic) {
	topicID := strings.TrimSpace(cfg.PubSub.OrderEventTopic)
	if topicID == "" || cfg.PubSub.ProjectID == "" {
		logger.Info("order events: no topic configured, logging events instead")
		return events.LogPublisher{Logger: eventLogger}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, credentialOptions(cfg)...)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	*closers = append(*closers, func(context.Context) {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	})

	publisher, err := events.NewPubSubPublisher(topic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	return publisher, topic
}

func newRegistry(ctx context.Context, logger *zap.Logger, cfg config.Config, topic *pubsub.Topic, closers *[]func(context.Context)) (repositories.Registry, idempotency.Store) {
	if cfg.Firestore.ProjectID == "" {
		logger.Warn("firestore: no project configured, using in-memory stores")
		return memory.NewRegistry(nil), idempotency.NewMemoryStore()
	}

	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(credentialOptions(cfg)...))
	if _, err := provider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	*closers = append(*closers, func(ctx context.Context) {
		if err := provider.Close(ctx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	})

	var probes []repositories.Probe
	if topic != nil {
		probes = append(probes, repositories.Probe{Name: "pubsub", Check: pubsubProbe(topic)})
	}
	registry, err := firestoreRepo.NewRegistry(provider, probes...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}
	return registry, idempotency.NewFirestoreStore(provider)
}

func pubsubProbe(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, pubsubProbeTimeout)
		defer cancel()
		ok, err := topic.Exists(probeCtx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("pubsub topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func newPayments(logger *zap.Logger, cfg config.Config, eventLogger observability.EventLogger) (*payments.BreakerProvider, *payments.Manager) {
	if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		logger.Fatal("stripe api key is required")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.Stripe.APIKey,
		AccountID: cfg.Stripe.AccountID,
		Backends:  stripe.NewBackends(&http.Client{Timeout: cfg.Payments.CallTimeout}),
		Logger:    payments.StripeLogger(eventLogger),
		Clock:     time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	breaker, err := payments.NewBreakerProvider(stripeProvider, payments.BreakerSettings{
		Name:                stripeProviderName,
		ConsecutiveFailures: uint32(cfg.Payments.BreakerFailures),
		OpenTimeout:         cfg.Payments.BreakerOpenTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment breaker", zap.Error(err))
	}

	manager, err := payments.NewManager(
		map[string]payments.Provider{stripeProviderName: breaker},
		payments.WithDefaultProvider(stripeProviderName),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}
	return breaker, manager
}

func newWebhookVerifier(logger *zap.Logger, cfg config.Config) *payments.StripeWebhookVerifier {
	if strings.TrimSpace(cfg.Stripe.WebhookSecret) == "" {
		logger.Warn("payments: webhook secret not configured; payment webhooks disabled")
		return nil
	}
	verifier, err := payments.NewStripeWebhookVerifier(cfg.Stripe.WebhookSecret, webhookTolerance, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise webhook verifier", zap.Error(err))
	}
	return verifier
}

func newStorageClient(ctx context.Context, logger *zap.Logger, cfg config.Config, closers *[]func(context.Context)) *cloudstorage.Client {
	if cfg.Storage.ArchiveBucket == "" {
		return nil
	}
	client, err := cloudstorage.NewClient(ctx, credentialOptions(cfg)...)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	*closers = append(*closers, func(context.Context) {
		if err := client.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	})
	return client
}

func newImageArchiver(logger *zap.Logger, cfg config.Config, client *cloudstorage.Client) *platformstorage.ImageArchiver {
	if client == nil {
		logger.Info("storage: archive bucket not configured; snapshot images keep listing references")
		return nil
	}
	copier, err := platformstorage.NewGCSCopier(client)
	if err != nil {
		logger.Fatal("failed to initialise storage copier", zap.Error(err))
	}
	archiver, err := platformstorage.NewImageArchiver(copier, cfg.Storage.ListingBucket, cfg.Storage.ArchiveBucket)
	if err != nil {
		logger.Fatal("failed to initialise image archiver", zap.Error(err))
	}
	return archiver
}

func newURLSigner(logger *zap.Logger, cfg config.Config) *platformstorage.URLSigner {
	path := strings.TrimSpace(cfg.Auth.CredentialsFile)
	if path == "" {
		logger.Info("storage: no service account key; order image links disabled")
		return nil
	}
	key, err := platformstorage.NewKeySignerFromFile(path)
	if err != nil {
		logger.Fatal("failed to load storage signing key", zap.Error(err))
	}
	signer, err := platformstorage.NewURLSigner(key, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise url signer", zap.Error(err))
	}
	return signer
}

func newAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	if cfg.Auth.FirebaseProjectID == "" {
		logger.Warn("auth: firebase project not configured; authenticated routes will reject requests")
		return auth.NewAuthenticator(nil)
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Auth)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	return auth.NewAuthenticator(verifier)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, eventLogger observability.EventLogger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Auth.OIDC.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(cfg.Auth.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	cache := auth.NewJWKSCache(cfg.Auth.OIDC.JWKSURL, auth.WithJWKSLogger(auth.Logger(eventLogger)))
	validator := auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(auth.Logger(eventLogger)),
		auth.WithOIDCMetrics(metrics),
	)
	return validator.RequireOIDC(auth.PolicyFromConfig(cfg.Auth.OIDC))
}

func credentialOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Auth.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func createWindow(cfg config.OrdersConfig) time.Duration {
	if cfg.CreatePerMinute <= 0 || cfg.CreateBurst <= 0 {
		return 0
	}
	return time.Duration(cfg.CreateBurst) * time.Minute / time.Duration(cfg.CreatePerMinute)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Auth.FirebaseProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
