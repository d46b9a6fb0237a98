package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/msgroute/internal/routing"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage and aggregation backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
)

// Rule definition sources
const (
	RulesSourceFile     = "file"
	RulesSourcePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Router      RouterConfig      `yaml:"router"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
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

	// Migrate creates the router tables at start-up
	Migrate bool `yaml:"migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Exitpoint  ExitpointConfig  `yaml:"exitpoint"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// ExitpointConfig holds where routed messages leave the router. An empty
// exchange publishes to the exitpoint queue directly.
type ExitpointConfig struct {
	Exchange      string `yaml:"exchange"`
	AppID         string `yaml:"app_id"`
	DeclareQueues bool   `yaml:"declare_queues"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// RouterConfig holds the routing daemon settings
type RouterConfig struct {
	WorkerID       string        `yaml:"worker_id"`
	UserID         string        `yaml:"user_id"`
	Concurrency    int           `yaml:"concurrency"`
	MaxBackout     int           `yaml:"max_backout"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	ReloadInterval time.Duration `yaml:"reload_interval"`

	RulesSource  string   `yaml:"rules_source"`
	RulesFile    string   `yaml:"rules_file"`
	RuleSet      string   `yaml:"rule_set"`
	UsePlans     []string `yaml:"use_plans"`
	TemplatesDir string   `yaml:"templates_dir"`

	InvestigationQueue   string            `yaml:"investigation_queue"`
	DelayedReplyQueue    string            `yaml:"delayed_reply_queue"`
	ReplyQueue           string            `yaml:"reply_queue"`
	CompleteCode         string            `yaml:"complete_code"`
	DuplicateQueues      map[string]string `yaml:"duplicate_queues"`
	DuplicateReplyQueues map[string]string `yaml:"duplicate_reply_queues"`
	KeywordMappings      map[string]string `yaml:"keyword_mappings"`
}

// EngineOptions returns the routing engine settings of the router section
func (r RouterConfig) EngineOptions() routing.EngineOptions {
	return routing.EngineOptions{
		InvestigationQueue:   r.InvestigationQueue,
		DelayedReplyQueue:    r.DelayedReplyQueue,
		ReplyQueue:           r.ReplyQueue,
		CompleteCode:         r.CompleteCode,
		DuplicateQueues:      r.DuplicateQueues,
		DuplicateReplyQueues: r.DuplicateReplyQueues,
		Keywords:             r.KeywordMappings,
	}
}

// AggregationConfig selects where correlation rows live
type AggregationConfig struct {
	Backend      string `yaml:"backend"`
	BoltPath     string `yaml:"bolt_path"`
	DefaultTable string `yaml:"default_table"`
}

// StorageConfig selects the message and job store
type StorageConfig struct {
	Backend string `yaml:"backend"`
}

// MetricsConfig holds the Prometheus endpoint of the router
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendPostgres
	}
	if c.Aggregation.Backend == "" {
		c.Aggregation.Backend = c.Storage.Backend
	}
	if c.Router.RulesSource == "" {
		c.Router.RulesSource = RulesSourceFile
		if c.Router.RulesFile == "" && c.Storage.Backend == BackendPostgres {
			c.Router.RulesSource = RulesSourcePostgres
		}
	}
	if c.Router.RuleSet == "" {
		c.Router.RuleSet = "default"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.RabbitMQ.Consumer.Tag == "" {
		c.RabbitMQ.Consumer.Tag = c.App.Name
	}
}

func validPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := validPort("database", c.Database.Port); err != nil {
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
	if err := validPort("rabbitmq", c.RabbitMQ.Port); err != nil {
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

// ValidateAPIConfig checks the settings the admin API needs
func (c *Config) ValidateAPIConfig() error {
	if err := validPort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.validateRabbitMQ()
}

// ValidateRouterConfig checks the settings the routing daemon needs
func (c *Config) ValidateRouterConfig() error {
	r := c.Router
	if r.Concurrency <= 0 {
		return fmt.Errorf("router concurrency must be greater than 0")
	}
	if r.MaxBackout < 0 {
		return fmt.Errorf("router max_backout must not be negative")
	}
	if r.JobTimeout <= 0 {
		return fmt.Errorf("router job_timeout must be greater than 0")
	}
	if r.ReloadInterval <= 0 {
		return fmt.Errorf("router reload_interval must be greater than 0")
	}

	switch c.Storage.Backend {
	case BackendPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case BackendMemory:
		if r.RulesSource == RulesSourcePostgres {
			return fmt.Errorf("rules_source postgres requires storage backend postgres")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	switch c.Aggregation.Backend {
	case BackendPostgres, BackendMemory:
		if c.Aggregation.Backend != c.Storage.Backend {
			return fmt.Errorf("aggregation backend %s does not match storage backend %s", c.Aggregation.Backend, c.Storage.Backend)
		}
	case BackendBolt:
		if c.Aggregation.BoltPath == "" {
			return fmt.Errorf("aggregation bolt_path is required for backend bolt")
		}
	default:
		return fmt.Errorf("unknown aggregation backend: %q", c.Aggregation.Backend)
	}

	switch r.RulesSource {
	case RulesSourceFile:
		if r.RulesFile == "" {
			return fmt.Errorf("router rules_file is required for rules_source file")
		}
	case RulesSourcePostgres:
	default:
		return fmt.Errorf("unknown rules source: %q", r.RulesSource)
	}

	for _, plan := range r.UsePlans {
		if !strings.Contains(plan, ":") {
			return fmt.Errorf("invalid plan %q (expected QUEUE:PATH)", plan)
		}
	}

	if c.Metrics.Enabled {
		if err := validPort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}
	return nil
}
