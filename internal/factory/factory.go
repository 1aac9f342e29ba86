package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"twofa-service/internal/bucketing"
	"twofa-service/internal/client"
	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/events"
	"twofa-service/internal/flow"
	"twofa-service/internal/hashing"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/profile"
	redisrepo "twofa-service/internal/repository/redis"
	"twofa-service/internal/repository/scylla"
	"twofa-service/internal/session"
	"twofa-service/internal/sms"
	"twofa-service/internal/tls"
	"twofa-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"
)

const clientInitTimeout = 30 * time.Second

// Factory owns the lifecycle of every dependency: external clients, the
// crypto managers, the stores, and the flow manager they feed. Outside
// production a missing backend degrades to an in-process fallback so the
// service still runs on a laptop.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	profileStore  profile.Store
	otpStore      phoneotp.Store
	sessionCache  session.Cache
	sessionIssuer *session.Issuer
	smsSender     sms.Sender
	limiter       flow.Limiter
	recorder      *events.FanoutRecorder
	flowManager   *flow.Manager

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes the full dependency graph.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&tls.Config{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeFlows(); err != nil {
		return nil, fmt.Errorf("failed to initialize flows: %w", err)
	}

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_backed", f.redisClient != nil),
		util.Bool("scylla_backed", f.scyllaClient != nil),
	)
	return f, nil
}

// initializeClients connects the external backends concurrently. Production
// refuses to start with a broken backend; elsewhere failures downgrade to
// warnings and in-process fallbacks.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), clientInitTimeout)
	defer cancel()

	var (
		mu         sync.Mutex
		initErrors []error
	)
	note := func(err error) {
		mu.Lock()
		initErrors = append(initErrors, err)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := client.NewRedisClient(f.config)
		if err != nil {
			note(fmt.Errorf("redis: %w", err))
			return nil
		}
		if err := c.HealthCheck(ctx); err != nil {
			note(fmt.Errorf("redis health check: %w", err))
			c.Close()
			return nil
		}
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
		return nil
	})

	g.Go(func() error {
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			note(fmt.Errorf("scylla: %w", err))
			return nil
		}
		if err := c.HealthCheck(ctx); err != nil {
			note(fmt.Errorf("scylla health check: %w", err))
			c.Close()
			return nil
		}
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
		return nil
	})

	g.Go(func() error {
		p, err := client.NewKafkaProducer(f.config)
		if err != nil {
			// Events degrade gracefully without Kafka in any environment.
			util.Warn("Kafka producer initialization failed, proceeding without Kafka",
				util.ErrorField(err))
			return nil
		}
		f.kafkaProducer = p
		util.Info("Kafka producer initialized")
		return nil
	})

	g.Go(func() error {
		c, err := client.NewElasticsearchClient(f.config)
		if err != nil {
			note(fmt.Errorf("elasticsearch: %w", err))
			return nil
		}
		if err := c.HealthCheck(ctx); err != nil {
			note(fmt.Errorf("elasticsearch health check: %w", err))
			return nil
		}
		f.esClient = c
		util.Info("Elasticsearch client initialized and healthy")
		return nil
	})

	g.Go(func() error {
		c, err := client.NewClickHouseClient(f.config)
		if err != nil {
			note(fmt.Errorf("clickhouse: %w", err))
			return nil
		}
		if err := c.HealthCheck(ctx); err != nil {
			note(fmt.Errorf("clickhouse health check: %w", err))
			c.Close()
			return nil
		}
		f.clickhouseClient = c
		util.Info("ClickHouse client initialized and healthy")
		return nil
	})

	g.Wait()

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("backend initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("backend unavailable, using fallback", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
	return nil
}

// initializeFlows builds the stores on whatever backends came up and wires
// the flow manager.
func (f *Factory) initializeFlows() error {
	if f.scyllaClient != nil {
		f.profileStore = scylla.NewProfileRepository(f.scyllaClient, f.bucketingManager)
	} else {
		f.profileStore = profile.NewMemoryStore()
		util.Warn("profile store running in memory, data will not survive restart")
	}

	if f.redisClient != nil {
		f.otpStore = redisrepo.NewOTPStore(f.redisClient, f.hasher, &f.config.PhoneOTP)
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient)
		f.limiter = redisrepo.NewIssueLimiter(
			redisrepo.NewRateLimitCache(f.redisClient), &f.config.PhoneOTP)
	} else {
		f.otpStore = phoneotp.NewMemoryStore(f.config.PhoneOTP.CodeLength, f.config.PhoneOTP.TTL)
		f.sessionCache = session.NewMemoryCache()
		util.Warn("phone codes and sessions held in memory, issuance is not rate limited")
	}

	issuer, err := session.NewIssuer(f.config, f.sessionCache)
	if err != nil {
		return fmt.Errorf("session issuer: %w", err)
	}
	f.sessionIssuer = issuer

	switch f.config.SMS.Provider {
	case "sns":
		sender, err := sms.NewSNSSender(f.config)
		if err != nil {
			return fmt.Errorf("sns sender: %w", err)
		}
		f.smsSender = sender
	default:
		f.smsSender = sms.NewLogSender()
	}

	var recorder events.Recorder
	if f.kafkaProducer != nil || f.esClient != nil || f.clickhouseClient != nil {
		f.recorder = events.NewFanoutRecorder(f.config,
			f.kafkaProducer, f.esClient, f.clickhouseClient, f.bucketingManager)
		recorder = f.recorder
	}

	f.flowManager = flow.NewManager(
		f.config,
		f.profileStore,
		f.otpStore,
		f.sessionIssuer,
		f.smsSender,
		f.encryptionManager,
		f.limiter,
		recorder,
	)
	return nil
}

// HealthCheck pings every live dependency and reports failures by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.profileStore != nil {
		if err := f.profileStore.HealthCheck(ctx); err != nil {
			healthErrors["profile_store"] = err
		}
	}
	return healthErrors
}

// HealthStatus renders HealthCheck for the HTTP health endpoint.
func (f *Factory) HealthStatus() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := map[string]string{
		"redis":         f.backendStatus(f.redisClient != nil),
		"scylla":        f.backendStatus(f.scyllaClient != nil),
		"kafka":         f.backendStatus(f.kafkaProducer != nil),
		"elasticsearch": f.backendStatus(f.esClient != nil),
		"clickhouse":    f.backendStatus(f.clickhouseClient != nil),
	}
	for name, err := range f.HealthCheck(ctx) {
		status[name] = "unhealthy: " + err.Error()
	}
	return status
}

func (f *Factory) backendStatus(connected bool) string {
	if connected {
		return "healthy"
	}
	return "fallback"
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// Close shuts dependencies down in reverse dependency order.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory")

		if f.flowManager != nil {
			f.flowManager.Close()
			util.Info("Flow manager stopped")
		}

		if f.recorder != nil {
			f.recorder.Close()
			util.Info("Event recorder flushed and stopped")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) FlowManager() *flow.Manager {
	return f.flowManager
}

func (f *Factory) SessionIssuer() *session.Issuer {
	return f.sessionIssuer
}

func (f *Factory) ProfileStore() profile.Store {
	return f.profileStore
}
