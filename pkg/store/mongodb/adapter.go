package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// namespaceExists is the server code returned when creating an existing collection.
const namespaceExists = 48

// Adapter stores documents as {_id: key, body: <document>, updated_at}.
type Adapter struct {
	client   *mongo.Client
	database string
	logger   logger.Logger
	timeout  time.Duration
	mu       sync.RWMutex
	closed   bool

	// collections already seen on the server
	known sync.Map
}

// Config holds MongoDB adapter configuration.
type Config struct {
	URL              string
	Database         string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

type record struct {
	ID        string    `bson:"_id"`
	Body      bson.Raw  `bson:"body"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Cosa fa: inizializza un adapter MongoDB e verifica connettività via ping.
// Cosa NON fa: non crea collezioni automaticamente (vedi Provision).
// Esempio minimo: adapter, err := mongodb.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database)
	return &Adapter{
		client:   client,
		database: cfg.Database,
		logger:   log,
		timeout:  cfg.OperationTimeout,
	}, nil
}

func (a *Adapter) collection(name string) *mongo.Collection {
	return a.client.Database(a.database).Collection(name)
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	if err := a.checkOpen("create", collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	// MongoDB creates collections implicitly on insert; refuse instead so a
	// missing lock collection is reported rather than silently created.
	if err := a.ensureKnown(opCtx, "create", collection, key); err != nil {
		return nil, err
	}
	rec, err := toRecord(key, body)
	if err != nil {
		return nil, docstore.NewError("create", collection, key, docstore.KindInvalid, err)
	}
	if _, err := a.collection(collection).InsertOne(opCtx, rec); err != nil {
		return nil, classify("create", collection, key, err)
	}
	return toDocument(collection, rec)
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := a.checkOpen("get", collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var rec record
	if err := a.collection(collection).FindOne(opCtx, bson.D{{Key: "_id", Value: key}}).Decode(&rec); err != nil {
		return nil, classify("get", collection, key, err)
	}
	return toDocument(collection, rec)
}

func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	if err := a.checkOpen("update", collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	rec, err := toRecord(key, body)
	if err != nil {
		return nil, docstore.NewError("update", collection, key, docstore.KindInvalid, err)
	}
	res, err := a.collection(collection).ReplaceOne(opCtx, bson.D{{Key: "_id", Value: key}}, rec)
	if err != nil {
		return nil, classify("update", collection, key, err)
	}
	if res.MatchedCount == 0 {
		return nil, docstore.NewError("update", collection, key, docstore.KindNotFound, nil)
	}
	return toDocument(collection, rec)
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	if err := a.checkOpen("delete", collection, key); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	res, err := a.collection(collection).DeleteOne(opCtx, bson.D{{Key: "_id", Value: key}})
	if err != nil {
		return classify("delete", collection, key, err)
	}
	if res.DeletedCount == 0 {
		return docstore.NewError("delete", collection, key, docstore.KindNotFound, nil)
	}
	return nil
}

// Provision creates the collection when it does not exist.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if err := a.checkOpen("provision", collection, ""); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	err := a.client.Database(a.database).CreateCollection(opCtx, collection)
	var cmdErr mongo.CommandError
	if err != nil && !(errors.As(err, &cmdErr) && cmdErr.Code == namespaceExists) {
		return classify("provision", collection, "", err)
	}
	a.known.Store(collection, struct{}{})
	a.logger.Info("MongoDB collection provisioned", "collection", collection)
	return nil
}

func (a *Adapter) ensureKnown(ctx context.Context, op, collection, key string) error {
	if _, ok := a.known.Load(collection); ok {
		return nil
	}
	names, err := a.client.Database(a.database).ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return classify(op, collection, key, err)
	}
	if len(names) == 0 {
		return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, nil)
	}
	a.known.Store(collection, struct{}{})
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return fmt.Errorf("mongodb adapter is closed")
	}
	return a.client.Ping(ctx, readpref.Primary())
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (a *Adapter) checkOpen(op, collection, key string) error {
	if strings.TrimSpace(collection) == "" || (op != "provision" && strings.TrimSpace(key) == "") {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("collection and key are required"))
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, errors.New("mongodb adapter is closed"))
	}
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func toRecord(key string, body []byte) (record, error) {
	var raw bson.Raw
	if err := bson.UnmarshalExtJSON(body, false, &raw); err != nil {
		return record{}, fmt.Errorf("body must be a JSON object: %w", err)
	}
	return record{ID: key, Body: raw, UpdatedAt: time.Now().UTC().Truncate(time.Millisecond)}, nil
}

func toDocument(collection string, rec record) (*docstore.Document, error) {
	body, err := bson.MarshalExtJSON(rec.Body, false, false)
	if err != nil {
		return nil, docstore.NewError("decode", collection, rec.ID, docstore.KindInvalid, err)
	}
	return &docstore.Document{Collection: collection, Key: rec.ID, Body: body, UpdatedAt: rec.UpdatedAt}, nil
}

func classify(op, collection, key string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return docstore.NewError(op, collection, key, docstore.KindNotFound, err)
	case mongo.IsDuplicateKeyError(err):
		return docstore.NewError(op, collection, key, docstore.KindAlreadyExists, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	case resilience.IsRetryable(err):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, err)
	}
}
