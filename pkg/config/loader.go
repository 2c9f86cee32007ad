package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"log-level":  "observability.log_level",
	"log-format": "observability.log_format",
	"store-type": "store.type",
}

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "RACESYNC")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags makes flags the highest-precedence source. Only flags set on the
// command line override; their defaults never do.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	// Start with defaults
	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindLegacyEnvVars()
	l.bindEnvVars(v)
	l.applyFlags(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate normalizes the configuration and returns every rule violation.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))
	cfg.Schedule.Cron = strings.TrimSpace(cfg.Schedule.Cron)
	cfg.Events.Type = strings.ToLower(strings.TrimSpace(cfg.Events.Type))
	cfg.Events.Serializer = strings.ToLower(strings.TrimSpace(cfg.Events.Serializer))
	return cfg.Validate()
}

func (l *ViperLoader) applyFlags(v *viper.Viper) {
	if l.flags == nil {
		return
	}
	for name, key := range flagKeys {
		if flag := l.flags.Lookup(name); flag != nil && flag.Changed {
			v.Set(key, flag.Value.String())
		}
	}
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("METRICS_ADDR"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"), "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Store
	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))
	v.BindEnv("store.mongodb.url", l.prefixedEnv("STORE_MONGODB_URL"))
	v.BindEnv("store.mongodb.database", l.prefixedEnv("STORE_MONGODB_DATABASE"))
	v.BindEnv("store.mongodb.connect_timeout", l.prefixedEnv("STORE_MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("store.dynamodb.region", l.prefixedEnv("STORE_DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("store.dynamodb.endpoint", l.prefixedEnv("STORE_DYNAMODB_ENDPOINT"))
	v.BindEnv("store.dynamodb.access_key_id", l.prefixedEnv("STORE_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("store.dynamodb.secret_access_key", l.prefixedEnv("STORE_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("store.dynamodb.session_token", l.prefixedEnv("STORE_DYNAMODB_SESSION_TOKEN"))
	v.BindEnv("store.dynamodb.table_prefix", l.prefixedEnv("STORE_DYNAMODB_TABLE_PREFIX"))
	v.BindEnv("store.redis.url", l.prefixedEnv("STORE_REDIS_URL"))
	v.BindEnv("store.redis.prefix", l.prefixedEnv("STORE_REDIS_PREFIX"))
	v.BindEnv("store.redis.max_conns", l.prefixedEnv("STORE_REDIS_MAX_CONNS"))
	v.BindEnv("store.s3.bucket", l.prefixedEnv("STORE_S3_BUCKET"))
	v.BindEnv("store.s3.prefix", l.prefixedEnv("STORE_S3_PREFIX"))
	v.BindEnv("store.s3.region", l.prefixedEnv("STORE_S3_REGION"), "AWS_REGION")
	v.BindEnv("store.s3.endpoint", l.prefixedEnv("STORE_S3_ENDPOINT"))
	v.BindEnv("store.s3.access_key_id", l.prefixedEnv("STORE_S3_ACCESS_KEY_ID"))
	v.BindEnv("store.s3.secret_access_key", l.prefixedEnv("STORE_S3_SECRET_ACCESS_KEY"))
	v.BindEnv("store.s3.session_token", l.prefixedEnv("STORE_S3_SESSION_TOKEN"))
	v.BindEnv("store.s3.use_path_style", l.prefixedEnv("STORE_S3_USE_PATH_STYLE"))
	v.BindEnv("store.search.urls", l.prefixedEnv("STORE_SEARCH_URLS"))
	v.BindEnv("store.search.username", l.prefixedEnv("STORE_SEARCH_USERNAME"))
	v.BindEnv("store.search.password", l.prefixedEnv("STORE_SEARCH_PASSWORD"))
	v.BindEnv("store.search.api_key", l.prefixedEnv("STORE_SEARCH_API_KEY"))
	v.BindEnv("store.search.index_prefix", l.prefixedEnv("STORE_SEARCH_INDEX_PREFIX"))
	v.BindEnv("store.search.max_conns", l.prefixedEnv("STORE_SEARCH_MAX_CONNS"))
	v.BindEnv("store.search.aws_auth_enabled", l.prefixedEnv("STORE_SEARCH_AWS_AUTH_ENABLED"))
	v.BindEnv("store.search.aws_region", l.prefixedEnv("STORE_SEARCH_AWS_REGION"), "AWS_REGION")
	v.BindEnv("store.search.aws_service", l.prefixedEnv("STORE_SEARCH_AWS_SERVICE"))
	v.BindEnv("store.search.aws_access_key_id", l.prefixedEnv("STORE_SEARCH_AWS_ACCESS_KEY_ID"))
	v.BindEnv("store.search.aws_secret_access_key", l.prefixedEnv("STORE_SEARCH_AWS_SECRET_ACCESS_KEY"))
	v.BindEnv("store.search.aws_session_token", l.prefixedEnv("STORE_SEARCH_AWS_SESSION_TOKEN"))
	for _, engine := range []string{"postgres", "mysql"} {
		upper := strings.ToUpper(engine)
		v.BindEnv("store."+engine+".url", l.prefixedEnv("STORE_"+upper+"_URL"))
		v.BindEnv("store."+engine+".table_prefix", l.prefixedEnv("STORE_"+upper+"_TABLE_PREFIX"))
		v.BindEnv("store."+engine+".max_open_conns", l.prefixedEnv("STORE_"+upper+"_MAX_OPEN_CONNS"))
		v.BindEnv("store."+engine+".max_idle_conns", l.prefixedEnv("STORE_"+upper+"_MAX_IDLE_CONNS"))
		v.BindEnv("store."+engine+".conn_max_lifetime", l.prefixedEnv("STORE_"+upper+"_CONN_MAX_LIFETIME"))
		v.BindEnv("store."+engine+".conn_max_idle_time", l.prefixedEnv("STORE_"+upper+"_CONN_MAX_IDLE_TIME"))
	}

	// Lock
	v.BindEnv("lock.collection", l.prefixedEnv("LOCK_COLLECTION"))
	v.BindEnv("lock.job_key", l.prefixedEnv("LOCK_JOB_KEY"))
	v.BindEnv("lock.stale_threshold", l.prefixedEnv("LOCK_STALE_THRESHOLD"))
	v.BindEnv("lock.heartbeat_interval", l.prefixedEnv("LOCK_HEARTBEAT_INTERVAL"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.progress_limit", l.prefixedEnv("LOCK_PROGRESS_LIMIT"))

	// Retry
	v.BindEnv("retry.max_retries", l.prefixedEnv("RETRY_MAX_RETRIES"))
	v.BindEnv("retry.attempt_timeout", l.prefixedEnv("RETRY_ATTEMPT_TIMEOUT"))
	v.BindEnv("retry.base_delay", l.prefixedEnv("RETRY_BASE_DELAY"))
	v.BindEnv("retry.max_delay", l.prefixedEnv("RETRY_MAX_DELAY"))
	v.BindEnv("retry.jitter", l.prefixedEnv("RETRY_JITTER"))

	// Circuit breakers
	for _, name := range []string{"feed", "writes"} {
		upper := strings.ToUpper(name)
		v.BindEnv("circuit_breakers."+name+".failure_threshold", l.prefixedEnv("CB_"+upper+"_FAILURE_THRESHOLD"))
		v.BindEnv("circuit_breakers."+name+".reset_timeout", l.prefixedEnv("CB_"+upper+"_RESET_TIMEOUT"))
		v.BindEnv("circuit_breakers."+name+".monitoring_window", l.prefixedEnv("CB_"+upper+"_MONITORING_WINDOW"))
	}

	// Batch
	v.BindEnv("batch.size", l.prefixedEnv("BATCH_SIZE"))
	v.BindEnv("batch.parallel", l.prefixedEnv("BATCH_PARALLEL"))
	v.BindEnv("batch.max_concurrency", l.prefixedEnv("BATCH_MAX_CONCURRENCY"))
	v.BindEnv("batch.stop_on_first_error", l.prefixedEnv("BATCH_STOP_ON_FIRST_ERROR"))
	v.BindEnv("batch.rate_per_second", l.prefixedEnv("BATCH_RATE_PER_SECOND"))

	// Schedule
	v.BindEnv("schedule.cron", l.prefixedEnv("SCHEDULE_CRON"))
	v.BindEnv("schedule.timezone", l.prefixedEnv("SCHEDULE_TIMEZONE"))
	v.BindEnv("schedule.termination_window.start", l.prefixedEnv("SCHEDULE_TERMINATION_WINDOW_START"))
	v.BindEnv("schedule.termination_window.end", l.prefixedEnv("SCHEDULE_TERMINATION_WINDOW_END"))

	// Import
	v.BindEnv("import.source_file", l.prefixedEnv("IMPORT_SOURCE_FILE"))
	v.BindEnv("import.collection", l.prefixedEnv("IMPORT_COLLECTION"))
	v.BindEnv("import.key_field", l.prefixedEnv("IMPORT_KEY_FIELD"))

	// Events
	v.BindEnv("events.type", l.prefixedEnv("EVENTS_TYPE"))
	v.BindEnv("events.topic", l.prefixedEnv("EVENTS_TOPIC"))
	v.BindEnv("events.serializer", l.prefixedEnv("EVENTS_SERIALIZER"))
	v.BindEnv("events.include_skipped", l.prefixedEnv("EVENTS_INCLUDE_SKIPPED"))
	v.BindEnv("events.operation_timeout", l.prefixedEnv("EVENTS_OPERATION_TIMEOUT"))
	v.BindEnv("events.kafka.brokers", l.prefixedEnv("EVENTS_KAFKA_BROKERS"))
	v.BindEnv("events.rabbitmq.url", l.prefixedEnv("EVENTS_RABBITMQ_URL"))
	v.BindEnv("events.rabbitmq.exchange", l.prefixedEnv("EVENTS_RABBITMQ_EXCHANGE"))
	v.BindEnv("events.rabbitmq.exchange_type", l.prefixedEnv("EVENTS_RABBITMQ_EXCHANGE_TYPE"))
	v.BindEnv("events.sqs.region", l.prefixedEnv("EVENTS_SQS_REGION"), "AWS_REGION")
	v.BindEnv("events.sqs.queue_url", l.prefixedEnv("EVENTS_SQS_QUEUE_URL"))
	v.BindEnv("events.sqs.endpoint", l.prefixedEnv("EVENTS_SQS_ENDPOINT"))
	v.BindEnv("events.sqs.access_key_id", l.prefixedEnv("EVENTS_SQS_ACCESS_KEY_ID"))
	v.BindEnv("events.sqs.secret_access_key", l.prefixedEnv("EVENTS_SQS_SECRET_ACCESS_KEY"))
	v.BindEnv("events.sqs.session_token", l.prefixedEnv("EVENTS_SQS_SESSION_TOKEN"))
}

// bindLegacyEnvVars maps the generic database env names still used by older
// deployments onto the backend-specific ones when those are absent.
func (l *ViperLoader) bindLegacyEnvVars() {
	legacyType, ok := os.LookupEnv(l.prefixedEnv("DB_TYPE"))
	if !ok {
		return
	}
	if _, hasType := os.LookupEnv(l.prefixedEnv("STORE_TYPE")); !hasType {
		_ = os.Setenv(l.prefixedEnv("STORE_TYPE"), legacyType)
	}
	legacyURL, ok := os.LookupEnv(l.prefixedEnv("DB_URL"))
	if !ok {
		return
	}
	target := l.prefixedEnv("STORE_" + strings.ToUpper(strings.TrimSpace(legacyType)) + "_URL")
	if _, hasURL := os.LookupEnv(target); !hasURL {
		_ = os.Setenv(target, legacyURL)
	}
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "RACESYNC"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)
	v.SetDefault("store.mongodb.url", cfg.Store.MongoDB.URL)
	v.SetDefault("store.mongodb.database", cfg.Store.MongoDB.Database)
	v.SetDefault("store.mongodb.connect_timeout", cfg.Store.MongoDB.ConnectTimeout)
	v.SetDefault("store.dynamodb.region", cfg.Store.DynamoDB.Region)
	v.SetDefault("store.dynamodb.endpoint", cfg.Store.DynamoDB.Endpoint)
	v.SetDefault("store.dynamodb.access_key_id", cfg.Store.DynamoDB.AccessKeyID)
	v.SetDefault("store.dynamodb.secret_access_key", cfg.Store.DynamoDB.SecretAccessKey)
	v.SetDefault("store.dynamodb.session_token", cfg.Store.DynamoDB.SessionToken)
	v.SetDefault("store.dynamodb.table_prefix", cfg.Store.DynamoDB.TablePrefix)
	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)
	v.SetDefault("store.redis.max_conns", cfg.Store.Redis.MaxConns)
	v.SetDefault("store.s3.bucket", cfg.Store.S3.Bucket)
	v.SetDefault("store.s3.prefix", cfg.Store.S3.Prefix)
	v.SetDefault("store.s3.region", cfg.Store.S3.Region)
	v.SetDefault("store.s3.endpoint", cfg.Store.S3.Endpoint)
	v.SetDefault("store.s3.access_key_id", cfg.Store.S3.AccessKeyID)
	v.SetDefault("store.s3.secret_access_key", cfg.Store.S3.SecretAccessKey)
	v.SetDefault("store.s3.session_token", cfg.Store.S3.SessionToken)
	v.SetDefault("store.s3.use_path_style", cfg.Store.S3.UsePathStyle)
	v.SetDefault("store.search.urls", cfg.Store.Search.URLs)
	v.SetDefault("store.search.username", cfg.Store.Search.Username)
	v.SetDefault("store.search.password", cfg.Store.Search.Password)
	v.SetDefault("store.search.api_key", cfg.Store.Search.APIKey)
	v.SetDefault("store.search.index_prefix", cfg.Store.Search.IndexPrefix)
	v.SetDefault("store.search.max_conns", cfg.Store.Search.MaxConns)
	v.SetDefault("store.search.aws_auth_enabled", cfg.Store.Search.AWSAuthEnabled)
	v.SetDefault("store.search.aws_region", cfg.Store.Search.AWSRegion)
	v.SetDefault("store.search.aws_service", cfg.Store.Search.AWSService)
	v.SetDefault("store.search.aws_access_key_id", cfg.Store.Search.AWSAccessKeyID)
	v.SetDefault("store.search.aws_secret_access_key", cfg.Store.Search.AWSSecretAccessKey)
	v.SetDefault("store.search.aws_session_token", cfg.Store.Search.AWSSessionToken)
	for engine, sqlCfg := range map[string]SQLConfig{"postgres": cfg.Store.Postgres, "mysql": cfg.Store.MySQL} {
		v.SetDefault("store."+engine+".url", sqlCfg.URL)
		v.SetDefault("store."+engine+".table_prefix", sqlCfg.TablePrefix)
		v.SetDefault("store."+engine+".max_open_conns", sqlCfg.MaxOpenConns)
		v.SetDefault("store."+engine+".max_idle_conns", sqlCfg.MaxIdleConns)
		v.SetDefault("store."+engine+".conn_max_lifetime", sqlCfg.ConnMaxLifetime)
		v.SetDefault("store."+engine+".conn_max_idle_time", sqlCfg.ConnMaxIdleTime)
	}

	v.SetDefault("lock.collection", cfg.Lock.Collection)
	v.SetDefault("lock.job_key", cfg.Lock.JobKey)
	v.SetDefault("lock.stale_threshold", cfg.Lock.StaleThreshold)
	v.SetDefault("lock.heartbeat_interval", cfg.Lock.HeartbeatInterval)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.progress_limit", cfg.Lock.ProgressLimit)

	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.attempt_timeout", cfg.Retry.AttemptTimeout)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)

	for name, cb := range map[string]CircuitBreakerConfig{"feed": cfg.CircuitBreakers.Feed, "writes": cfg.CircuitBreakers.Writes} {
		v.SetDefault("circuit_breakers."+name+".failure_threshold", cb.FailureThreshold)
		v.SetDefault("circuit_breakers."+name+".reset_timeout", cb.ResetTimeout)
		v.SetDefault("circuit_breakers."+name+".monitoring_window", cb.MonitoringWindow)
	}

	v.SetDefault("batch.size", cfg.Batch.Size)
	v.SetDefault("batch.parallel", cfg.Batch.Parallel)
	v.SetDefault("batch.max_concurrency", cfg.Batch.MaxConcurrency)
	v.SetDefault("batch.stop_on_first_error", cfg.Batch.StopOnFirstError)
	v.SetDefault("batch.rate_per_second", cfg.Batch.RatePerSecond)

	v.SetDefault("schedule.cron", cfg.Schedule.Cron)
	v.SetDefault("schedule.timezone", cfg.Schedule.Timezone)
	v.SetDefault("schedule.termination_window.start", cfg.Schedule.TerminationWindow.Start)
	v.SetDefault("schedule.termination_window.end", cfg.Schedule.TerminationWindow.End)

	v.SetDefault("import.source_file", cfg.Import.SourceFile)
	v.SetDefault("import.collection", cfg.Import.Collection)
	v.SetDefault("import.key_field", cfg.Import.KeyField)

	v.SetDefault("events.type", cfg.Events.Type)
	v.SetDefault("events.topic", cfg.Events.Topic)
	v.SetDefault("events.serializer", cfg.Events.Serializer)
	v.SetDefault("events.include_skipped", cfg.Events.IncludeSkipped)
	v.SetDefault("events.operation_timeout", cfg.Events.OperationTimeout)
	v.SetDefault("events.kafka.brokers", cfg.Events.Kafka.Brokers)
	v.SetDefault("events.rabbitmq.url", cfg.Events.RabbitMQ.URL)
	v.SetDefault("events.rabbitmq.exchange", cfg.Events.RabbitMQ.Exchange)
	v.SetDefault("events.rabbitmq.exchange_type", cfg.Events.RabbitMQ.ExchangeType)
	v.SetDefault("events.sqs.region", cfg.Events.SQS.Region)
	v.SetDefault("events.sqs.queue_url", cfg.Events.SQS.QueueURL)
	v.SetDefault("events.sqs.endpoint", cfg.Events.SQS.Endpoint)
	v.SetDefault("events.sqs.access_key_id", cfg.Events.SQS.AccessKeyID)
	v.SetDefault("events.sqs.secret_access_key", cfg.Events.SQS.SecretAccessKey)
	v.SetDefault("events.sqs.session_token", cfg.Events.SQS.SessionToken)
}
