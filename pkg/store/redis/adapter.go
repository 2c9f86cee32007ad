package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

const defaultPrefix = "racesync:docstore"

const (
	fieldBody      = "body"
	fieldUpdatedAt = "updated_at"
)

// Scripts return -1 when the collection is not registered, 0 when the
// existence precondition fails and 1 on success.
var (
	createScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[2], "body", ARGV[2], "updated_at", ARGV[3])
return 1
`)

	updateScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call("EXISTS", KEYS[2]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], "body", ARGV[2], "updated_at", ARGV[3])
return 1
`)
)

// Adapter stores every document as a hash {body, updated_at} under
// <prefix>:<collection>:<key>. Collections are registered in the set
// <prefix>:collections.
type Adapter struct {
	client *redis.Client
	logger logger.Logger
	config Config
	now    func() time.Time
}

// Config holds Redis connection configuration
type Config struct {
	URL              string
	Prefix           string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 3 * time.Second
	}
}

// Cosa fa: apre il client Redis e verifica la connessione con un ping.
// Cosa NON fa: non registra collezioni (vedi Provision).
// Esempio minimo: adapter, err := redis.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established",
		"prefix", cfg.Prefix,
		"max_conns", cfg.MaxConns,
		"operation_timeout", cfg.OperationTimeout,
	)
	return NewAdapterWithClient(client, cfg, log), nil
}

// NewAdapterWithClient wraps an existing client.
func NewAdapterWithClient(client *redis.Client, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	return &Adapter{client: client, logger: log, config: cfg, now: time.Now}
}

func (a *Adapter) registryKey() string {
	return a.config.Prefix + ":collections"
}

func (a *Adapter) documentKey(collection, key string) string {
	return a.config.Prefix + ":" + collection + ":" + key
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.write(ctx, createScript, "create", collection, key, body, docstore.KindAlreadyExists)
}

func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.write(ctx, updateScript, "update", collection, key, body, docstore.KindNotFound)
}

func (a *Adapter) write(ctx context.Context, script *redis.Script, op, collection, key string, body []byte, conflict docstore.Kind) (*docstore.Document, error) {
	if err := validate(op, collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	updatedAt := a.now().UTC()
	res, err := script.Run(opCtx, a.client,
		[]string{a.registryKey(), a.documentKey(collection, key)},
		collection, string(body), updatedAt.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, classify(op, collection, key, err)
	}
	switch res {
	case -1:
		return nil, docstore.NewError(op, collection, key, docstore.KindCollectionMissing, nil)
	case 0:
		return nil, docstore.NewError(op, collection, key, conflict, nil)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := validate("get", collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	fields, err := a.client.HGetAll(opCtx, a.documentKey(collection, key)).Result()
	if err != nil {
		return nil, classify("get", collection, key, err)
	}
	body, ok := fields[fieldBody]
	if !ok {
		return nil, docstore.NewError("get", collection, key, docstore.KindNotFound, nil)
	}
	doc := &docstore.Document{Collection: collection, Key: key, Body: []byte(body)}
	if ts, ok := fields[fieldUpdatedAt]; ok {
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return doc, nil
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	if err := validate("delete", collection, key); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	removed, err := a.client.Del(opCtx, a.documentKey(collection, key)).Result()
	if err != nil {
		return classify("delete", collection, key, err)
	}
	if removed == 0 {
		return docstore.NewError("delete", collection, key, docstore.KindNotFound, nil)
	}
	return nil
}

// Provision registers collection so that creates are accepted.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if strings.TrimSpace(collection) == "" {
		return docstore.NewError("provision", collection, "", docstore.KindInvalid, errors.New("collection is required"))
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if err := a.client.SAdd(opCtx, a.registryKey(), collection).Err(); err != nil {
		return classify("provision", collection, "", err)
	}
	a.logger.Info("Redis collection provisioned", "collection", collection)
	return nil
}

// Ping verifies the Redis connection is alive
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// HealthCheck verifies the Redis connection is healthy with a timeout
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx).Err(); err != nil {
		a.logger.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the Redis connection
func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil {
		a.logger.Error("failed to close Redis connection", "error", err)
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	a.logger.Info("Redis connection closed")
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func validate(op, collection, key string) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("collection and key are required"))
	}
	if strings.Contains(collection, ":") {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("collection must not contain ':'"))
	}
	return nil
}

func classify(op, collection, key string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return docstore.NewError(op, collection, key, docstore.KindNotFound, err)
	case errors.Is(err, redis.ErrClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		resilience.IsRetryable(err):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, err)
	}
}
