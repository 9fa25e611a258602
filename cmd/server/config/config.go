package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds listener addresses and logging settings.
type ServerConfig struct {
	GRPCAddr string
	HTTPAddr string
	Env      string
	LogLevel string
	// ShutdownTimeout bounds graceful shutdown of both servers.
	ShutdownTimeout time.Duration
}

// Production reports whether APP_ENV selects production behavior.
func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

// GRPCConfig holds ingress rate limiting settings. A zero interval or burst
// disables the limiter.
type GRPCConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// SagaConfig holds orchestrator and worker pool settings.
type SagaConfig struct {
	Workers          int
	QueueSize        int
	StepTimeout      time.Duration
	PaymentTimeout   time.Duration
	RecoveryInterval time.Duration
	// WALPath enables the write-ahead log of the in-memory saga store. It is
	// ignored when DATABASE_URL is set.
	WALPath string
}

// RetryConfig holds one retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureRate      float64
	MinRequests      int
	Window           time.Duration
	Cooldown         time.Duration
	HalfOpenProbes   int
	SuccessThreshold int
}

// ReliabilityConfig holds the settings for calls to inventory and the
// payment provider.
type ReliabilityConfig struct {
	Retry             RetryConfig
	Compensation      RetryConfig
	Breaker           BreakerConfig
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// PaymentConfig selects and configures the payment provider. An empty
// ProviderURL selects the in-memory provider.
type PaymentConfig struct {
	ProviderURL      string
	APIKey           string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables Redis.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	// StatusTTL expires the per-order status hash written next to the stream.
	StatusTTL      time.Duration
	StreamMaxLen   int64
	IdempotencyTTL time.Duration
	EnableOTel     bool
	TLSConfig      *tls.Config
}

// KafkaConfig holds event publishing settings. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LoadDotEnv loads variables from the given files, or ".env" when none are
// given. Missing files are ignored and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadServer reads listener and logging settings from env.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		GRPCAddr: stringOr("GRPC_ADDR", ":50051"),
		HTTPAddr: stringOr("HTTP_ADDR", ":8080"),
		Env:      stringOr("APP_ENV", "development"),
		LogLevel: stringOr("LOG_LEVEL", "info"),
	}
	var err error
	if cfg.ShutdownTimeout, err = durationOr("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := durationOr("GRPC_RATE_LIMIT_INTERVAL", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := intOr("GRPC_RATE_LIMIT_BURST", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadSaga reads orchestrator settings from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{WALPath: strings.TrimSpace(os.Getenv("SAGA_WAL_PATH"))}
	var err error
	if cfg.Workers, err = intOr("SAGA_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.Workers == 0 {
		return cfg, errors.New("SAGA_WORKERS must be > 0")
	}
	if cfg.QueueSize, err = intOr("SAGA_QUEUE_SIZE", 128); err != nil {
		return cfg, err
	}
	if cfg.StepTimeout, err = durationOr("SAGA_STEP_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PaymentTimeout, err = durationOr("SAGA_PAYMENT_TIMEOUT", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RecoveryInterval, err = durationOr("SAGA_RECOVERY_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadReliability reads retry, breaker and outbound rate limit settings
// from env.
func LoadReliability() (ReliabilityConfig, error) {
	var cfg ReliabilityConfig
	var err error
	if cfg.Retry, err = loadRetry("ORDER_RETRY", RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
	}); err != nil {
		return cfg, err
	}
	if cfg.Compensation, err = loadRetry("ORDER_COMPENSATION_RETRY", RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
	}); err != nil {
		return cfg, err
	}

	b := &cfg.Breaker
	if b.FailureRate, err = floatOr("ORDER_BREAKER_FAILURE_RATE", 0.5); err != nil {
		return cfg, err
	}
	if b.FailureRate <= 0 || b.FailureRate > 1 {
		return cfg, errors.New("ORDER_BREAKER_FAILURE_RATE must be in (0, 1]")
	}
	if b.MinRequests, err = intOr("ORDER_BREAKER_MIN_REQUESTS", 10); err != nil {
		return cfg, err
	}
	if b.Window, err = durationOr("ORDER_BREAKER_WINDOW", 10*time.Second); err != nil {
		return cfg, err
	}
	if b.Cooldown, err = durationOr("ORDER_BREAKER_COOLDOWN", 30*time.Second); err != nil {
		return cfg, err
	}
	if b.HalfOpenProbes, err = intOr("ORDER_BREAKER_HALF_OPEN_PROBES", 1); err != nil {
		return cfg, err
	}
	if b.SuccessThreshold, err = intOr("ORDER_BREAKER_SUCCESS_THRESHOLD", 2); err != nil {
		return cfg, err
	}

	if cfg.RateLimitInterval, err = durationOr("ORDER_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("ORDER_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRetry(prefix string, def RetryConfig) (RetryConfig, error) {
	cfg := def
	var err error
	if cfg.MaxAttempts, err = intOr(prefix+"_MAX_ATTEMPTS", def.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts == 0 {
		return cfg, fmt.Errorf("%s_MAX_ATTEMPTS must be > 0", prefix)
	}
	if cfg.BaseDelay, err = durationOr(prefix+"_BASE_DELAY", def.BaseDelay); err != nil {
		return cfg, err
	}
	if cfg.MaxDelay, err = durationOr(prefix+"_MAX_DELAY", def.MaxDelay); err != nil {
		return cfg, err
	}
	if cfg.Multiplier, err = floatOr(prefix+"_MULTIPLIER", def.Multiplier); err != nil {
		return cfg, err
	}
	if cfg.Multiplier < 1 {
		return cfg, fmt.Errorf("%s_MULTIPLIER must be >= 1", prefix)
	}
	return cfg, nil
}

// LoadPayment reads payment provider settings from env. The webhook secret
// is required once a real provider is configured.
func LoadPayment() (PaymentConfig, error) {
	cfg := PaymentConfig{
		ProviderURL:   strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER_URL")),
		APIKey:        strings.TrimSpace(os.Getenv("PAYMENT_API_KEY")),
		WebhookSecret: strings.TrimSpace(os.Getenv("PAYMENT_WEBHOOK_SECRET")),
	}
	if cfg.ProviderURL != "" && cfg.WebhookSecret == "" {
		return cfg, errors.New("PAYMENT_WEBHOOK_SECRET is required with PAYMENT_PROVIDER_URL")
	}
	var err error
	if cfg.WebhookTolerance, err = durationOr("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream: stringOr("REDIS_STREAM", "orders:status"),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StatusTTL, err = durationOr("REDIS_STATUS_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyTTL, err = durationOr("REDIS_IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadKafka reads Kafka settings from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{Topic: stringOr("KAFKA_TOPIC", "order.status_changed")}
	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}
	return cfg, nil
}

// LoadInventorySeed parses INVENTORY_SEED ("sku-1=10,sku-2=5") into stock
// levels applied at boot. Empty means no seeding.
func LoadInventorySeed() (map[string]int64, error) {
	seed := make(map[string]int64)
	for _, pair := range strings.Split(os.Getenv("INVENTORY_SEED"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		product, qty, ok := strings.Cut(pair, "=")
		product = strings.TrimSpace(product)
		if !ok || product == "" {
			return nil, fmt.Errorf("INVENTORY_SEED: bad entry %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(qty), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("INVENTORY_SEED: bad quantity for %s", product)
		}
		seed[product] = n
	}
	return seed, nil
}

// DatabaseURL returns DATABASE_URL. Empty selects the in-memory stores.
func DatabaseURL() string {
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func int64Or(name string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func floatOr(name string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
