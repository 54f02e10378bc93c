package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/controllers"
	"atlas-payment-service/database"
	"atlas-payment-service/documents"
	"atlas-payment-service/events"
	"atlas-payment-service/logger"
	"atlas-payment-service/middleware"
	"atlas-payment-service/models"
	"atlas-payment-service/notifier"
	aws_pkg "atlas-payment-service/pkg/aws"
	ddb "atlas-payment-service/pkg/dynamodb"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"
	"atlas-payment-service/routes"
	"atlas-payment-service/scheduler"
	"atlas-payment-service/services"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const serviceName = "payment-service"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("[PaymentService] Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)
	awsReady := awsErr == nil

	// Logger, tee'd to CloudWatch Logs when enabled
	var lg *zap.Logger
	if awsReady {
		if cw, err := aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, serviceName); err != nil {
			log.Printf("[PaymentService] CloudWatch Logs unavailable: %v", err)
		} else if cw.IsEnabled() {
			lg = logger.InitializeWithWriter(cfg.Env, cw)
			defer cw.Close() //nolint:errcheck
		}
	}
	if lg == nil {
		lg = logger.Initialize(cfg.Env)
	}
	defer lg.Sync() //nolint:errcheck
	if !awsReady {
		lg.Warn("AWS config unavailable, SNS/SQS/S3/CloudWatch disabled", zap.Error(awsErr))
	}

	db, err := database.Connect(cfg.Postgres, lg, database.OwnedModels()...)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db) //nolint:errcheck

	var metrics aws_pkg.Recorder
	if awsReady {
		metrics = aws_pkg.NewMetricsClient(awsCfg)
	}

	// Stores
	var payments repository.PaymentRepository = repository.NewGormPaymentRepository(db)
	if cfg.PaymentStore == "memory" {
		lg.Warn("Payment ledger kept in memory; records are lost on restart")
		payments = repository.NewMemoryPaymentRepository()
	}
	plans := repository.NewGormPlanRepository(db)
	registrations := repository.NewGormRegistrationRepository(db)
	configs := repository.NewGormEventConfigRepository(db)
	reports, err := buildReportStore(ctx, cfg, awsCfg, awsReady, db, lg)
	if err != nil {
		lg.Fatal("Failed to set up report store", zap.Error(err))
	}

	// Outbound side effects
	publisher := buildPublisher(cfg, awsCfg, awsReady, lg)
	if publisher != nil {
		defer publisher.Close() //nolint:errcheck
	}
	var notify notifier.Gateway = notifier.NewLogGateway(lg)
	if awsReady && cfg.NotificationSNSTopicARN != "" {
		notify = notifier.NewSNSGateway(aws_pkg.NewSNSClient(awsCfg), cfg.NotificationSNSTopicARN, lg)
	}
	var (
		invoices    documents.Generator
		invoiceLink controllers.InvoiceLinker
	)
	if awsReady && cfg.InvoiceBucket != "" {
		s3Client := aws_pkg.NewS3Client(awsCfg)
		gen := documents.NewS3InvoiceGenerator(manager.NewUploader(s3Client), aws_pkg.NewPresigner(s3Client),
			cfg.InvoiceBucket, cfg.InvoicePrefix, aws_pkg.Endpoint("s3"), lg)
		invoices, invoiceLink = gen, gen
	}

	// Gateways
	var secrets services.SecretSource
	if awsReady {
		secrets = aws_pkg.NewSecretsClient(awsCfg)
	}
	registry := providers.NewDefaultRegistry()
	resolver := services.NewProviderResolver(configs, registry, secrets,
		providers.Deps{
			Recorder:   payments,
			Logger:     lg,
			HTTPClient: &http.Client{Timeout: cfg.GatewayTimeout},
		},
		services.ResolverOptions{
			NotifyBaseURL:  cfg.PublicBaseURL,
			GatewayTimeout: cfg.GatewayTimeout,
			CacheTTL:       cfg.ProviderCacheTTL,
		}, lg)

	// Services
	deps := services.Deps{
		Payments:      payments,
		Plans:         plans,
		Registrations: registrations,
		Resolver:      resolver,
		Invoices:      invoices,
	}
	fx := services.Effects{Publisher: publisher, Notifier: notify, Metrics: metrics}
	paymentSvc := services.NewPaymentService(deps, fx, lg)
	planSvc := services.NewPlanService(deps, services.PlanOptions{
		Policy: models.ReminderPolicy{
			MaxReminders: cfg.MaxReminders,
			MaxRetries:   cfg.MaxChargeRetries,
			Backoff:      models.ExponentialBackoff(cfg.ReminderBackoffBase, cfg.ReminderBackoffMax),
		},
		ReminderLead: cfg.ReminderLead,
	}, fx, lg)
	reconSvc := services.NewReconciliationService(deps, configs, reports, services.ReconciliationOptions{
		EventTimeout:  cfg.ReconcileEventTimeout,
		Concurrency:   cfg.ReconcileConcurrency,
		RetentionDays: cfg.ReportRetentionDays,
	}, fx, lg)
	configSvc := services.NewEventConfigService(configs, registry, resolver, lg)

	// Queued checkout requests
	queueURL := cfg.CheckoutQueueURL
	if awsReady && queueURL == "" && cfg.CheckoutQueueName != "" {
		if queueURL, err = aws_pkg.GetQueueURL(ctx, awsCfg, cfg.CheckoutQueueName); err != nil {
			lg.Warn("Checkout request queue not found, consumer disabled",
				zap.String("queue", cfg.CheckoutQueueName), zap.Error(err))
		}
	}
	if awsReady && queueURL != "" {
		consumer := services.NewCheckoutRequestConsumer(
			aws_pkg.NewSQSConsumer(awsCfg, queueURL, lg),
			paymentSvc, publisher, metrics, lg)
		go consumer.Start(ctx)
	}

	// Scheduled jobs
	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			lg.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close() //nolint:errcheck
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("Redis unreachable, job locks will fail until it recovers", zap.Error(err))
		}
		locker = scheduler.NewRedisLocker(rdb, cfg.LockPrefix)
	}
	jobs := scheduler.NewJobs(reconSvc, planSvc, locker, cfg.Schedules.JobTimeout, lg)
	sched := scheduler.NewScheduler(jobs, cfg.Schedules, lg)
	if err := sched.Start(); err != nil {
		lg.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// HTTP
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		logger.RequestID(),
		middleware.RequestLogger(lg),
		middleware.SecurityHeaders(),
		middleware.MetricsMiddleware(metrics, serviceName),
		middleware.Timeout(30*time.Second),
		apperrors.ErrorMiddleware(),
	)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID", "X-Request-ID"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	limiter := middleware.NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.WebhookRatePerMinute)), cfg.WebhookBurst, 5*time.Minute)
	go limiter.RunCleanup(ctx)

	routes.Register(r, routes.Controllers{
		Payments: controllers.NewPaymentController(paymentSvc, invoiceLink, lg),
		Plans:    controllers.NewPlanController(planSvc, lg),
		Webhooks: controllers.NewWebhookController(paymentSvc, lg),
		Admin:    controllers.NewAdminController(reconSvc, configSvc, lg),
	}, middleware.RateLimitMiddleware(limiter))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Server failed", zap.Error(err))
		}
	}()
	lg.Info("Payment service started",
		zap.String("port", cfg.Port),
		zap.Int("scheduled_jobs", sched.Entries()),
		zap.Strings("providers", providerNames(registry)))

	<-ctx.Done()
	lg.Info("Shutting down payment service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server forced to shutdown", zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		lg.Warn("Scheduled jobs still running at shutdown")
	}
	lg.Info("Server exited cleanly")
}

func buildReportStore(ctx context.Context, cfg *Config, awsCfg sdkaws.Config, awsReady bool, db *gorm.DB, lg *zap.Logger) (repository.ReportRepository, error) {
	if cfg.ReportStore != "dynamodb" {
		return repository.NewGormReportRepository(db), nil
	}
	if !awsReady {
		return nil, errors.New("REPORT_STORE=dynamodb needs AWS config")
	}
	client := ddb.NewClientFromConfig(awsCfg)
	if err := ddb.EnsureTable(ctx, client, cfg.ReportsTable); err != nil {
		return nil, err
	}
	lg.Info("Reconciliation reports stored in DynamoDB", zap.String("table", cfg.ReportsTable))
	return repository.NewDynamoReportRepository(client, cfg.ReportsTable), nil
}

func buildPublisher(cfg *Config, awsCfg sdkaws.Config, awsReady bool, lg *zap.Logger) events.Publisher {
	switch {
	case cfg.EventTransport == "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, lg)
	case awsReady && cfg.PaymentSNSTopicARN != "":
		return events.NewSNSPublisher(aws_pkg.NewSNSClient(awsCfg), cfg.PaymentSNSTopicARN, lg)
	default:
		lg.Warn("No event transport configured, payment events will not be published")
		return nil
	}
}

func providerNames(r *providers.Registry) []string {
	names := r.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
