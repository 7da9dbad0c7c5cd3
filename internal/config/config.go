package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/spot-pipeline/internal/queue"
	"github.com/cuongbtq/spot-pipeline/internal/retry"
	"github.com/cuongbtq/spot-pipeline/internal/worker"
	"github.com/cuongbtq/spot-pipeline/shared/logger"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/azureblob"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/backend"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/gcs"
	"github.com/cuongbtq/spot-pipeline/shared/objectstore/s3"
	"github.com/cuongbtq/spot-pipeline/shared/postgresql"
	"github.com/cuongbtq/spot-pipeline/shared/rabbitmq"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App     AppConfig     `yaml:"app"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Sync    SyncConfig    `yaml:"sync"`
	Events  EventsConfig  `yaml:"events"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize   int64         `yaml:"max_upload_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// StorageConfig selects an object store backend and its connection settings.
type StorageConfig struct {
	Backend string             `yaml:"backend"`
	Local   LocalStorageConfig `yaml:"local"`
	GCS     GCSConfig          `yaml:"gcs"`
	Azure   AzureConfig        `yaml:"azure"`
	S3      S3Config           `yaml:"s3"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	Root string `yaml:"root"`
}

// GCSConfig configures Google Cloud Storage.
type GCSConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
	Endpoint        string `yaml:"endpoint"`
}

// AzureConfig configures Azure Blob Storage.
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// S3Config configures an S3-compatible store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// QueueConfig holds the claim protocol settings
type QueueConfig struct {
	Containers  ContainersConfig `yaml:"containers"`
	StaleAfter  time.Duration    `yaml:"stale_after"`
	MaxAttempts int              `yaml:"max_attempts"`
	Lease       LeaseConfig      `yaml:"lease"`
	Retry       RetryConfig      `yaml:"retry"`
}

// ContainersConfig names the containers holding records and payloads.
type ContainersConfig struct {
	Jobs string `yaml:"jobs"`
	Data string `yaml:"data"`
}

// LeaseConfig selects how concurrent claims are arbitrated.
type LeaseConfig struct {
	Mode     string         `yaml:"mode"`
	Database DatabaseConfig `yaml:"database"`
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

// RetryConfig bounds retries of remote storage calls
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxDimension    int           `yaml:"max_dimension"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SyncConfig holds the copy tool settings. Stores are named so a single
// file can describe both sides of a migration.
type SyncConfig struct {
	Stores      map[string]StorageConfig `yaml:"stores"`
	Source      string                   `yaml:"source"`
	Destination string                   `yaml:"destination"`
	Containers  []ContainerPair          `yaml:"containers"`
	Concurrency int                      `yaml:"concurrency"`
	Verify      bool                     `yaml:"verify"`
}

// ContainerPair maps a source container to its destination. In YAML it is
// either a bare name, copied under the same name, or {source, destination}.
type ContainerPair struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (p *ContainerPair) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Source, p.Destination = value.Value, value.Value
		return nil
	}

	type plain ContainerPair
	var v plain
	if err := value.Decode(&v); err != nil {
		return err
	}
	*p = ContainerPair(v)
	if p.Destination == "" {
		p.Destination = p.Source
	}
	return nil
}

// ParseContainerPair parses "name" or "source:destination".
func ParseContainerPair(s string) (ContainerPair, error) {
	src, dst, found := strings.Cut(strings.TrimSpace(s), ":")
	if src == "" || (found && dst == "") {
		return ContainerPair{}, fmt.Errorf("invalid container mapping %q (want name or source:destination)", s)
	}
	if !found {
		dst = src
	}
	return ContainerPair{Source: src, Destination: dst}, nil
}

func (p ContainerPair) String() string {
	if p.Source == p.Destination {
		return p.Source
	}
	return p.Source + ":" + p.Destination
}

// EventsConfig holds the lifecycle event publisher settings
type EventsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// CacheConfig holds the Redis status cache settings
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MetricsConfig holds the Prometheus listener settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxUploadSize == 0 {
		c.Server.MaxUploadSize = 32 << 20
	}
	if c.Queue.Containers.Jobs == "" {
		c.Queue.Containers.Jobs = "jobs"
	}
	if c.Queue.Containers.Data == "" {
		c.Queue.Containers.Data = "images"
	}
	if c.Queue.StaleAfter == 0 {
		c.Queue.StaleAfter = queue.DefaultStaleAfter
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = worker.JobTimeoutFor(c.Queue.StaleAfter)
	}
	if c.Queue.Lease.Mode == "" {
		c.Queue.Lease.Mode = queue.LeaseModeNone
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 8
	}
	if len(c.Sync.Containers) == 0 {
		c.Sync.Containers = []ContainerPair{
			{Source: c.Queue.Containers.Jobs, Destination: c.Queue.Containers.Jobs},
			{Source: c.Queue.Containers.Data, Destination: c.Queue.Containers.Data},
		}
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if err := c.Queue.validateContainers(); err != nil {
		return err
	}

	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue max_attempts must not be negative")
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache addr is required when the cache is enabled")
	}

	if c.Events.Enabled {
		if err := c.Events.RabbitMQ.validate(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if err := c.Queue.validateContainers(); err != nil {
		return err
	}

	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("queue stale_after must be greater than 0")
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be greater than 0")
	}

	switch c.Queue.Lease.Mode {
	case queue.LeaseModeNone:
	case queue.LeaseModeConditional:
		if c.Storage.Backend == backend.S3 {
			return fmt.Errorf("lease mode %q is not supported by the %s backend", queue.LeaseModeConditional, backend.S3)
		}
	case queue.LeaseModePostgres:
		db := c.Queue.Lease.Database
		if db.Host == "" {
			return fmt.Errorf("lease database host is required")
		}
		if err := validatePort("lease database", db.Port); err != nil {
			return err
		}
		if db.Database == "" {
			return fmt.Errorf("lease database name is required")
		}
	default:
		return fmt.Errorf("unsupported lease mode %q (one of %s, %s, %s)",
			c.Queue.Lease.Mode, queue.LeaseModeNone, queue.LeaseModeConditional, queue.LeaseModePostgres)
	}

	if c.Worker.PollInterval < 0 {
		return fmt.Errorf("worker poll_interval must not be negative")
	}

	if c.Worker.MaxBackoff > 0 && c.Worker.MaxBackoff < c.Worker.PollInterval {
		return fmt.Errorf("worker max_backoff must not be less than poll_interval")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.JobTimeout >= c.Queue.StaleAfter {
		return fmt.Errorf("worker job_timeout (%s) must be less than queue stale_after (%s)", c.Worker.JobTimeout, c.Queue.StaleAfter)
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}

	if c.Events.Enabled {
		if err := c.Events.RabbitMQ.validate(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateSyncConfig checks the settings the copy tool needs
func (c *Config) ValidateSyncConfig() error {
	if c.Sync.Source == "" || c.Sync.Destination == "" {
		return fmt.Errorf("sync source and destination are required")
	}

	if c.Sync.Source == c.Sync.Destination {
		return fmt.Errorf("sync source and destination must differ")
	}

	for _, name := range []string{c.Sync.Source, c.Sync.Destination} {
		store, ok := c.Sync.Stores[name]
		if !ok {
			return fmt.Errorf("sync store %q is not defined (have %s)", name, strings.Join(c.Sync.StoreNames(), ", "))
		}
		if err := store.Validate(); err != nil {
			return fmt.Errorf("sync store %q: %w", name, err)
		}
	}

	if len(c.Sync.Containers) == 0 {
		return fmt.Errorf("sync containers must not be empty")
	}
	for _, pair := range c.Sync.Containers {
		if pair.Source == "" || pair.Destination == "" {
			return fmt.Errorf("sync container %q needs both a source and a destination", pair.String())
		}
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync concurrency must be greater than 0")
	}

	return nil
}

// StoreNames returns the configured store names, sorted.
func (s SyncConfig) StoreNames() []string {
	names := make([]string, 0, len(s.Stores))
	for name := range s.Stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks the backend selector and its required parameters.
func (s StorageConfig) Validate() error {
	if s.Backend == "" {
		return fmt.Errorf("storage backend is required (one of %s)", strings.Join(backend.Supported(), ", "))
	}
	if !backend.IsSupported(s.Backend) {
		return fmt.Errorf("unsupported storage backend %q (one of %s)", s.Backend, strings.Join(backend.Supported(), ", "))
	}

	switch s.Backend {
	case backend.Local:
		if s.Local.Root == "" {
			return fmt.Errorf("storage local root is required")
		}
	case backend.Azure:
		if s.Azure.ConnectionString == "" {
			return fmt.Errorf("storage azure connection_string is required")
		}
	case backend.S3:
		if s.S3.Endpoint == "" {
			return fmt.Errorf("storage s3 endpoint is required")
		}
		if s.S3.AccessKey == "" || s.S3.SecretKey == "" {
			return fmt.Errorf("storage s3 access_key and secret_key are required")
		}
	}

	return nil
}

// BackendConfig converts the section into the backend factory's config.
func (s StorageConfig) BackendConfig() backend.Config {
	return backend.Config{
		Backend: s.Backend,
		Local:   backend.LocalConfig{Root: s.Local.Root},
		GCS: gcs.Config{
			ProjectID:       s.GCS.ProjectID,
			CredentialsFile: s.GCS.CredentialsFile,
			CredentialsJSON: s.GCS.CredentialsJSON,
			Endpoint:        s.GCS.Endpoint,
		},
		Azure: azureblob.Config{ConnectionString: s.Azure.ConnectionString},
		S3: s3.Config{
			Endpoint:  s.S3.Endpoint,
			AccessKey: s.S3.AccessKey,
			SecretKey: s.S3.SecretKey,
			Region:    s.S3.Region,
			UseSSL:    s.S3.UseSSL,
		},
	}
}

func (q QueueConfig) validateContainers() error {
	if q.Containers.Jobs == "" || q.Containers.Data == "" {
		return fmt.Errorf("queue containers jobs and data are required")
	}
	return nil
}

// Policy converts the section into a retry policy. Zero fields fall back
// to retry.DefaultPolicy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.BackoffMultiplier >= 1 {
		p.BackoffMultiplier = r.BackoffMultiplier
	}
	return p
}

// Postgres converts the section into the client's config.
func (d DatabaseConfig) Postgres() *postgresql.Config {
	return &postgresql.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

func (r RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", r.Port); err != nil {
		return err
	}
	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}

// Client converts the section into the RabbitMQ client's config.
func (r RabbitMQConfig) Client() *rabbitmq.Config {
	exchangeType := r.Exchange.Type
	if exchangeType == "" {
		exchangeType = "topic"
	}
	return &rabbitmq.Config{
		Host:               r.Host,
		Port:               r.Port,
		User:               r.User,
		Password:           r.Password,
		VHost:              r.VHost,
		ExchangeName:       r.Exchange.Name,
		ExchangeType:       exchangeType,
		ExchangeDurable:    r.Exchange.Durable,
		RetryAttempts:      r.Connection.RetryAttempts,
		RetryInterval:      r.Connection.RetryInterval,
		Heartbeat:          r.Connection.Heartbeat,
		PublishRetries:     r.Publish.RetryAttempts,
		PublishRetryDelay:  r.Publish.RetryInterval,
		PublishBackoffMult: r.Publish.BackoffMultiplier,
	}
}

// Logger converts the section into the logger's config.
func (l LoggingConfig) Logger(service string) *logger.Config {
	return &logger.Config{
		Level:        l.Level,
		Format:       l.Format,
		Output:       l.Output,
		EnableSource: l.EnableSource,
		TimeFormat:   l.TimeFormat,
		Service:      service,
	}
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
