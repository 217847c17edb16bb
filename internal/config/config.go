package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuongbtq/automation-scheduler/internal/domain"
	"github.com/cuongbtq/automation-scheduler/internal/policy"
	"github.com/cuongbtq/automation-scheduler/internal/queue"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EncryptionKeySize is the required length of security.encryption_key in bytes
	EncryptionKeySize = 32
)

// Queue drivers
const (
	DriverRedis  = "redis"
	DriverBroker = "broker"
)

// Environment variables that override secrets from the config file
const (
	EnvEncryptionKey    = "ENCRYPTION_KEY"
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
	EnvRedisPassword    = "REDIS_PASSWORD"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Security SecurityConfig `yaml:"security"`
	Policy   PolicyConfig   `yaml:"policy"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      BindingConfig    `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// BindingConfig names the durable RabbitMQ queue bound to the exchange
type BindingConfig struct {
	Name string `yaml:"name"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// QueueConfig selects and tunes the durable job queue
type QueueConfig struct {
	// Driver is "redis" (default) or "broker" (Postgres + RabbitMQ)
	Driver           string        `yaml:"driver"`
	KeyPrefix        string        `yaml:"key_prefix"`
	FailedHistory    int           `yaml:"failed_history"`
	KeepCompleted    bool          `yaml:"keep_completed"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	// RepublishAfter is how long the broker driver lets a queued job wait
	// before publishing it again
	RepublishAfter time.Duration `yaml:"republish_after"`
}

// SecurityConfig holds the credential cipher key
type SecurityConfig struct {
	// EncryptionKey is used as raw bytes and must be exactly 32 bytes long
	EncryptionKey string `yaml:"encryption_key"`
}

// PolicyConfig overrides the usage policy. Nil profiles keep the defaults.
type PolicyConfig struct {
	TrialLimit              *int                     `yaml:"trial_limit"`
	Free                    *domain.RateLimitProfile `yaml:"free"`
	Premium                 *domain.RateLimitProfile `yaml:"premium"`
	AllowFreeDirectMessages bool                     `yaml:"allow_free_direct_messages"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	EngineCommand     string        `yaml:"engine_command"`
	EngineArgs        []string      `yaml:"engine_args"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvEncryptionKey:    &c.Security.EncryptionKey,
		EnvDatabasePassword: &c.Database.Password,
		EnvRabbitMQPassword: &c.RabbitMQ.Password,
		EnvRedisPassword:    &c.Redis.Password,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRedis
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
}

// EffectiveLeaseDuration is the claim lease the queue driver will use
func (c *Config) EffectiveLeaseDuration() time.Duration {
	if c.Queue.LeaseDuration > 0 {
		return c.Queue.LeaseDuration
	}
	return queue.DefaultLeaseDuration
}

// BrokerPrefetch is the consumer prefetch for the broker driver. It is never
// below the worker concurrency so every worker goroutine can hold a delivery.
func (c *Config) BrokerPrefetch() int {
	return max(c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)
}

// EncryptionKeyBytes returns the cipher key
func (c *Config) EncryptionKeyBytes() []byte {
	return []byte(c.Security.EncryptionKey)
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	// the API always reads user profiles from Postgres
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.PolicyConfig().Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.EngineCommand == "" {
		return fmt.Errorf("worker engine_command is required")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	// both drivers hold claims under a lease, so a running job needs heartbeats
	// to keep it
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	lease := c.EffectiveLeaseDuration()
	if c.Worker.HeartbeatInterval >= lease {
		return fmt.Errorf("worker heartbeat_interval (%s) must be shorter than queue lease_duration (%s)",
			c.Worker.HeartbeatInterval, lease)
	}

	if c.Queue.RepublishAfter < 0 {
		return fmt.Errorf("queue republish_after must not be negative")
	}

	if c.RabbitMQ.Consumer.PrefetchCount < 0 {
		return fmt.Errorf("rabbitmq consumer prefetch_count must not be negative")
	}

	if c.Worker.MetricsPort != 0 {
		if err := validatePort("worker metrics", c.Worker.MetricsPort); err != nil {
			return err
		}
	}

	if c.Queue.Driver == DriverBroker {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}

	return c.validateShared()
}

func (c *Config) validateShared() error {
	if len(c.Security.EncryptionKey) != EncryptionKeySize {
		return fmt.Errorf("security encryption_key must be exactly %d bytes, got %d (set %s)",
			EncryptionKeySize, len(c.Security.EncryptionKey), EnvEncryptionKey)
	}

	if c.Queue.FailedHistory < 0 {
		return fmt.Errorf("queue failed_history must not be negative")
	}

	switch c.Queue.Driver {
	case DriverRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	case DriverBroker:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown queue driver %q (want %q or %q)", c.Queue.Driver, DriverRedis, DriverBroker)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

// MetricsAddr is the listen address of the worker's health and metrics endpoint
func (w WorkerConfig) MetricsAddr() string {
	return ":" + strconv.Itoa(w.MetricsPort)
}

// PolicyConfig merges the policy overrides onto the stock policy
func (c *Config) PolicyConfig() policy.Config {
	cfg := policy.DefaultConfig()
	if c.Policy.TrialLimit != nil {
		cfg.TrialLimit = *c.Policy.TrialLimit
	}
	if c.Policy.Free != nil {
		cfg.Free = *c.Policy.Free
	}
	if c.Policy.Premium != nil {
		cfg.Premium = *c.Policy.Premium
	}
	cfg.AllowFreeDirectMessages = c.Policy.AllowFreeDirectMessages
	return cfg
}

// EnqueueOptions returns the retention applied to new jobs
func (c *Config) EnqueueOptions() queue.EnqueueOptions {
	opts := queue.DefaultEnqueueOptions()
	if c.Queue.FailedHistory > 0 {
		opts.FailedHistory = c.Queue.FailedHistory
	}
	opts.RemoveOnSuccess = !c.Queue.KeepCompleted
	return opts
}
