package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	TOTP          TOTPConfig
	PhoneOTP      PhoneOTPConfig
	Session       SessionConfig
	SMS           SMSConfig
	Flow          FlowConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers             []string
	SecurityEventsTopic string
}

type ElasticsearchConfig struct {
	URL                 string
	Username            string
	Password            string
	SecurityEventsIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// TOTPConfig carries the authenticator-app parameters. They are fixed per
// enrollment: changing period or digits invalidates every stored secret.
type TOTPConfig struct {
	Issuer      string
	Digits      int
	Period      time.Duration
	WindowSteps int
	MaxAttempts int
}

type PhoneOTPConfig struct {
	CodeLength       int
	TTL              time.Duration
	CountdownSeconds int
	ResendCooldown   time.Duration
	MaxAttempts      int
	MaxIssuePerHour  int
	LockDuration     time.Duration
}

type SessionConfig struct {
	TTL        time.Duration
	SigningKey string
	Issuer     string
}

type SMSConfig struct {
	Provider  string // "log" or "sns"
	SNSRegion string
}

type FlowConfig struct {
	SessionTTL time.Duration
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig reads .env (if present) and the environment, returning
// the singleton Config.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "twofa"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:             getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				SecurityEventsTopic: getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "twofa.security-events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:                 getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:            getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:            getEnv("ELASTICSEARCH_PASSWORD", ""),
				SecurityEventsIndex: getEnv("ELASTICSEARCH_SECURITY_EVENTS_INDEX", "twofa-security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "twofa_audit"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 256),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
			},
			TOTP: TOTPConfig{
				Issuer:      getEnv("TOTP_ISSUER", "twofa-service"),
				Digits:      getEnvInt("TOTP_DIGITS", 6),
				Period:      getEnvDuration("TOTP_PERIOD", 30*time.Second),
				WindowSteps: getEnvInt("TOTP_WINDOW_STEPS", 1),
				MaxAttempts: getEnvInt("TOTP_MAX_ATTEMPTS", 5),
			},
			PhoneOTP: PhoneOTPConfig{
				CodeLength:       getEnvInt("PHONE_OTP_CODE_LENGTH", 6),
				TTL:              getEnvDuration("PHONE_OTP_TTL", 10*time.Minute),
				CountdownSeconds: getEnvInt("PHONE_OTP_COUNTDOWN_SECONDS", 300),
				ResendCooldown:   getEnvDuration("PHONE_OTP_RESEND_COOLDOWN", 30*time.Second),
				MaxAttempts:      getEnvInt("PHONE_OTP_MAX_ATTEMPTS", 3),
				MaxIssuePerHour:  getEnvInt("PHONE_OTP_MAX_ISSUE_PER_HOUR", 5),
				LockDuration:     getEnvDuration("PHONE_OTP_LOCK_DURATION", 15*time.Minute),
			},
			Session: SessionConfig{
				TTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
				SigningKey: getEnv("SESSION_SIGNING_KEY", ""),
				Issuer:     getEnv("SESSION_ISSUER", "twofa-service"),
			},
			SMS: SMSConfig{
				Provider:  getEnv("SMS_PROVIDER", "log"),
				SNSRegion: getEnv("SMS_SNS_REGION", "us-east-1"),
			},
			Flow: FlowConfig{
				SessionTTL: getEnvDuration("FLOW_SESSION_TTL", 15*time.Minute),
			},
		}
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks settings that have no safe default in production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.Session.SigningKey == "" {
			return fmt.Errorf("SESSION_SIGNING_KEY must be set in production")
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			return fmt.Errorf("KMS_KEY_ID must be set when KMS is enabled")
		}
		if c.SMS.Provider == "log" {
			return fmt.Errorf("SMS_PROVIDER=log is a development-only dispatch channel")
		}
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return fmt.Errorf("TOTP_DIGITS must be 6 or 8, got %d", c.TOTP.Digits)
	}
	if c.PhoneOTP.CodeLength < 4 || c.PhoneOTP.CodeLength > 10 {
		return fmt.Errorf("PHONE_OTP_CODE_LENGTH must be between 4 and 10, got %d", c.PhoneOTP.CodeLength)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
