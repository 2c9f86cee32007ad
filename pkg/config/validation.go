package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	validStoreTypes = []string{StoreTypeMemory, StoreTypeMongoDB, StoreTypeDynamoDB, StoreTypeRedis, StoreTypePostgres, StoreTypeMySQL, StoreTypeS3, StoreTypeOpenSearch, StoreTypeElasticsearch}
	validLogLevels  = []string{"debug", "info", "warn", "warning", "error"}
	validLogFormats = []string{"json", "text", "console"}
	validEventTypes = []string{EventsTypeKafka, EventsTypeRabbitMQ, EventsTypeSQS}
	validSerializer = []string{"json", "protobuf"}
)

// Validate checks if the configuration is valid and reports every violation.
func (c *Config) Validate() error {
	var errs []error

	if !contains(validLogLevels, c.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	if !contains(validLogFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}

	if c.Observability.TracingEnabled && strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be in [0, 1]"))
	}

	errs = append(errs, c.Store.validate()...)

	if strings.TrimSpace(c.Lock.Collection) == "" {
		errs = append(errs, errors.New("lock.collection is required"))
	}
	if strings.TrimSpace(c.Lock.JobKey) == "" {
		errs = append(errs, errors.New("lock.job_key is required"))
	}
	if c.Lock.StaleThreshold <= 0 {
		errs = append(errs, errors.New("lock.stale_threshold must be positive"))
	}
	if c.Lock.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("lock.heartbeat_interval must be positive"))
	} else if c.Lock.HeartbeatInterval >= c.Lock.StaleThreshold {
		errs = append(errs, fmt.Errorf("lock.heartbeat_interval (%s) must be shorter than lock.stale_threshold (%s)", c.Lock.HeartbeatInterval, c.Lock.StaleThreshold))
	}
	if c.Lock.ProgressLimit < 0 {
		errs = append(errs, errors.New("lock.progress_limit must not be negative"))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.base_delay must not exceed retry.max_delay"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0, 1)"))
	}

	for name, cb := range map[string]CircuitBreakerConfig{"feed": c.CircuitBreakers.Feed, "writes": c.CircuitBreakers.Writes} {
		if cb.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("circuit_breakers.%s.failure_threshold must not be negative", name))
		}
		if cb.ResetTimeout < 0 || cb.MonitoringWindow < 0 {
			errs = append(errs, fmt.Errorf("circuit_breakers.%s durations must not be negative", name))
		}
	}

	if c.Batch.Size < 0 {
		errs = append(errs, errors.New("batch.size must not be negative"))
	}
	if c.Batch.RatePerSecond < 0 {
		errs = append(errs, errors.New("batch.rate_per_second must not be negative"))
	}

	if c.Schedule.Cron == "" {
		errs = append(errs, errors.New("schedule.cron is required"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid schedule.timezone %q: %w", c.Schedule.Timezone, err))
	}
	errs = append(errs, c.Schedule.TerminationWindow.validate()...)

	if strings.TrimSpace(c.Import.Collection) == "" {
		errs = append(errs, errors.New("import.collection is required"))
	}
	if strings.TrimSpace(c.Import.KeyField) == "" {
		errs = append(errs, errors.New("import.key_field is required"))
	}

	errs = append(errs, c.Events.validate()...)

	return errors.Join(errs...)
}

func (e EventsConfig) validate() []error {
	if !e.Enabled() {
		return nil
	}
	var errs []error
	if !contains(validSerializer, e.Serializer) {
		errs = append(errs, fmt.Errorf("invalid events.serializer: %s (must be one of: %v)", e.Serializer, validSerializer))
	}
	if e.OperationTimeout < 0 {
		errs = append(errs, errors.New("events.operation_timeout must not be negative"))
	}
	switch e.Type {
	case EventsTypeKafka:
		if len(e.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("events.kafka.brokers is required for Kafka"))
		}
		if strings.TrimSpace(e.Topic) == "" {
			errs = append(errs, errors.New("events.topic is required for Kafka"))
		}
	case EventsTypeRabbitMQ:
		if e.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url is required for RabbitMQ"))
		}
	case EventsTypeSQS:
		if e.SQS.Region == "" {
			errs = append(errs, errors.New("events.sqs.region is required for SQS"))
		}
		if e.SQS.QueueURL == "" {
			errs = append(errs, errors.New("events.sqs.queue_url is required for SQS"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid events.type: %s (must be empty or one of: %v)", e.Type, validEventTypes))
	}
	return errs
}

func (s StoreConfig) validate() []error {
	var errs []error
	switch s.Type {
	case StoreTypeMemory:
	case StoreTypeMongoDB:
		if s.MongoDB.URL == "" {
			errs = append(errs, errors.New("store.mongodb.url is required for MongoDB"))
		}
		if s.MongoDB.Database == "" {
			errs = append(errs, errors.New("store.mongodb.database is required for MongoDB"))
		}
	case StoreTypeDynamoDB:
		if s.DynamoDB.Region == "" {
			errs = append(errs, errors.New("store.dynamodb.region is required for DynamoDB"))
		}
	case StoreTypeRedis:
		if s.Redis.URL == "" {
			errs = append(errs, errors.New("store.redis.url is required for Redis"))
		}
	case StoreTypePostgres:
		if s.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required for PostgreSQL"))
		}
	case StoreTypeMySQL:
		if s.MySQL.URL == "" {
			errs = append(errs, errors.New("store.mysql.url is required for MySQL"))
		}
	case StoreTypeS3:
		if s.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is required for S3"))
		}
		if s.S3.Region == "" {
			errs = append(errs, errors.New("store.s3.region is required for S3"))
		}
	case StoreTypeOpenSearch, StoreTypeElasticsearch:
		if len(s.Search.URLs) == 0 {
			errs = append(errs, fmt.Errorf("store.search.urls is required for %s", s.Type))
		}
		if s.Search.AWSAuthEnabled {
			if s.Type != StoreTypeOpenSearch {
				errs = append(errs, errors.New("store.search.aws_auth_enabled is only supported for opensearch"))
			}
			if s.Search.AWSRegion == "" {
				errs = append(errs, errors.New("store.search.aws_region is required when aws_auth_enabled is true"))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.type: %s (must be one of: %v)", s.Type, validStoreTypes))
	}
	if s.OperationTimeout < 0 {
		errs = append(errs, errors.New("store.operation_timeout must not be negative"))
	}
	return errs
}

func (w WindowConfig) validate() []error {
	start, end := strings.TrimSpace(w.Start), strings.TrimSpace(w.End)
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return []error{errors.New("schedule.termination_window requires both start and end")}
	}
	var errs []error
	for name, value := range map[string]string{"start": start, "end": end} {
		if _, err := time.Parse("15:04", value); err != nil {
			errs = append(errs, fmt.Errorf("schedule.termination_window.%s must be HH:MM, got %q", name, value))
		}
	}
	if len(errs) == 0 && start == end {
		errs = append(errs, errors.New("schedule.termination_window start and end must differ"))
	}
	return errs
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.Value{}, "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

// formatStruct renders v as indented key: value lines. Leaf fields that are
// set in mask are printed as ***; an invalid mask masks nothing.
func formatStruct(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}
		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, maskValue, prefix+"  "))
		default:
			var displayValue any = value.Interface()
			if d, ok := displayValue.(time.Duration); ok {
				displayValue = d.String()
			}
			if shouldRedact(maskValue) {
				displayValue = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue))
		}
	}

	return sb.String()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	default:
		return false
	}
}
