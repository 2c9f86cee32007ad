package config

import "time"

// Store type constants
const (
	// StoreTypeMemory keeps documents in process memory (single instance only)
	StoreTypeMemory = "memory"
	// StoreTypeMongoDB represents MongoDB
	StoreTypeMongoDB = "mongodb"
	// StoreTypeDynamoDB represents AWS DynamoDB
	StoreTypeDynamoDB = "dynamodb"
	// StoreTypeRedis represents Redis
	StoreTypeRedis = "redis"
	// StoreTypePostgres represents PostgreSQL
	StoreTypePostgres = "postgres"
	// StoreTypeMySQL represents MySQL
	StoreTypeMySQL = "mysql"
	// StoreTypeS3 stores documents as objects in an S3 bucket
	StoreTypeS3 = "s3"
	// StoreTypeOpenSearch stores documents as OpenSearch index entries
	StoreTypeOpenSearch = "opensearch"
	// StoreTypeElasticsearch stores documents as Elasticsearch index entries
	StoreTypeElasticsearch = "elasticsearch"
)

// Config is the root configuration of a racesync deployment.
type Config struct {
	Service         ServiceConfig         `mapstructure:"service"`
	Observability   ObservabilityConfig   `mapstructure:"observability"`
	Store           StoreConfig           `mapstructure:"store"`
	Lock            LockConfig            `mapstructure:"lock"`
	Retry           RetryConfig           `mapstructure:"retry"`
	CircuitBreakers CircuitBreakersConfig `mapstructure:"circuit_breakers"`
	Batch           BatchConfig           `mapstructure:"batch"`
	Schedule        ScheduleConfig        `mapstructure:"schedule"`
	Import          ImportConfig          `mapstructure:"import"`
	Events          EventsConfig          `mapstructure:"events"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"` // json, text
	MetricsAddr    string `mapstructure:"metrics_addr"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	// TracingEndpoint is the OTLP gRPC collector address.
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Type             string         `mapstructure:"type"` // memory, mongodb, dynamodb, redis, postgres, mysql, s3, opensearch, elasticsearch
	OperationTimeout time.Duration  `mapstructure:"operation_timeout"`
	MongoDB          MongoDBConfig  `mapstructure:"mongodb"`
	DynamoDB         DynamoDBConfig `mapstructure:"dynamodb"`
	Redis            RedisConfig    `mapstructure:"redis"`
	Postgres         SQLConfig      `mapstructure:"postgres"`
	MySQL            SQLConfig      `mapstructure:"mysql"`
	S3               S3Config       `mapstructure:"s3"`
	Search           SearchConfig   `mapstructure:"search"`
}

// MongoDBConfig configures the MongoDB backend.
type MongoDBConfig struct {
	URL            string        `mapstructure:"url"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	TablePrefix     string `mapstructure:"table_prefix"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Prefix   string `mapstructure:"prefix"`
	MaxConns int    `mapstructure:"max_conns"`
}

// SQLConfig configures a SQL backend (postgres, mysql).
type SQLConfig struct {
	URL             string        `mapstructure:"url"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// SearchConfig configures the OpenSearch and Elasticsearch backends.
type SearchConfig struct {
	URLs        []string `mapstructure:"urls"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	APIKey      string   `mapstructure:"api_key"`
	IndexPrefix string   `mapstructure:"index_prefix"`
	MaxConns    int      `mapstructure:"max_conns"`
	// AWS SigV4 signing, opensearch only.
	AWSAuthEnabled     bool   `mapstructure:"aws_auth_enabled"`
	AWSRegion          string `mapstructure:"aws_region"`
	AWSService         string `mapstructure:"aws_service"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	AWSSessionToken    string `mapstructure:"aws_session_token"`
}

// LockConfig configures the execution lock.
type LockConfig struct {
	Collection        string        `mapstructure:"collection"`
	JobKey            string        `mapstructure:"job_key"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ProgressLimit     int           `mapstructure:"progress_limit"`
}

// RetryConfig configures the retry executor used for feed and store calls.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         float64       `mapstructure:"jitter"`
}

// CircuitBreakersConfig holds one breaker per operation class.
type CircuitBreakersConfig struct {
	Feed   CircuitBreakerConfig `mapstructure:"feed"`
	Writes CircuitBreakerConfig `mapstructure:"writes"`
}

// CircuitBreakerConfig configures a single circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
}

// BatchConfig configures the batch processor used for store writes.
type BatchConfig struct {
	Size             int     `mapstructure:"size"`
	Parallel         bool    `mapstructure:"parallel"`
	MaxConcurrency   int     `mapstructure:"max_concurrency"`
	StopOnFirstError bool    `mapstructure:"stop_on_first_error"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
}

// ScheduleConfig configures when the import runs.
type ScheduleConfig struct {
	Cron              string       `mapstructure:"cron"` // @every <duration> or 5-field cron
	Timezone          string       `mapstructure:"timezone"`
	TerminationWindow WindowConfig `mapstructure:"termination_window"`
}

// WindowConfig is a daily wall-clock window, "HH:MM" in the schedule timezone.
// Both empty disables the window.
type WindowConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// ImportConfig configures the racing schedule import job.
type ImportConfig struct {
	SourceFile string `mapstructure:"source_file"`
	Collection string `mapstructure:"collection"`
	KeyField   string `mapstructure:"key_field"`
}

// Event publisher type constants
const (
	EventsTypeKafka    = "kafka"
	EventsTypeRabbitMQ = "rabbitmq"
	EventsTypeSQS      = "sqs"
)

// EventsConfig configures run-finished notifications. An empty type disables them.
type EventsConfig struct {
	Type             string         `mapstructure:"type"` // kafka, rabbitmq, sqs
	Topic            string         `mapstructure:"topic"`
	Serializer       string         `mapstructure:"serializer"` // json, protobuf
	IncludeSkipped   bool           `mapstructure:"include_skipped"`
	OperationTimeout time.Duration  `mapstructure:"operation_timeout"`
	Kafka            KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ         RabbitMQConfig `mapstructure:"rabbitmq"`
	SQS              SQSConfig      `mapstructure:"sqs"`
}

// Enabled reports whether a publisher is configured.
func (e EventsConfig) Enabled() bool { return e.Type != "" }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// RabbitMQConfig configures the RabbitMQ publisher.
type RabbitMQConfig struct {
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`
}

// SQSConfig configures the SQS publisher. The topic, when set, overrides QueueURL.
type SQSConfig struct {
	Region          string `mapstructure:"region"`
	QueueURL        string `mapstructure:"queue_url"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "racesync",
			Environment: "production",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 1,
		},
		Store: StoreConfig{
			Type:             StoreTypeMemory,
			OperationTimeout: 3 * time.Second,
			MongoDB: MongoDBConfig{
				ConnectTimeout: 10 * time.Second,
			},
			Redis: RedisConfig{
				Prefix:   "racesync:docstore",
				MaxConns: 10,
			},
			Postgres: SQLConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 2 * time.Minute,
			},
			MySQL: SQLConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 2 * time.Minute,
			},
			Search: SearchConfig{
				IndexPrefix: "racesync",
				MaxConns:    10,
				AWSService:  "es",
			},
		},
		Lock: LockConfig{
			Collection:        "execution_locks",
			JobKey:            "race-schedule-import",
			StaleThreshold:    5 * time.Minute,
			HeartbeatInterval: 2 * time.Minute,
			OperationTimeout:  10 * time.Second,
			ProgressLimit:     4096,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			AttemptTimeout: 30 * time.Second,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			Jitter:         0.1,
		},
		CircuitBreakers: CircuitBreakersConfig{
			Feed: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Minute,
				MonitoringWindow: 5 * time.Minute,
			},
			Writes: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Minute,
				MonitoringWindow: 5 * time.Minute,
			},
		},
		Batch: BatchConfig{
			Size:     25,
			Parallel: true,
		},
		Schedule: ScheduleConfig{
			Cron:     "@every 1h",
			Timezone: "UTC",
		},
		Import: ImportConfig{
			Collection: "race_schedules",
			KeyField:   "id",
		},
		Events: EventsConfig{
			Topic:            "racesync.runs",
			Serializer:       "json",
			OperationTimeout: 10 * time.Second,
			RabbitMQ: RabbitMQConfig{
				Exchange:     "racesync",
				ExchangeType: "topic",
			},
		},
	}
}
