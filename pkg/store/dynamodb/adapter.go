package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/resilience"
)

const (
	attrKey       = "pk"
	attrBody      = "body"
	attrUpdatedAt = "updated_at"

	provisionWait = 2 * time.Minute
)

// API is the subset of the DynamoDB client used by the adapter.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Adapter maps every collection to a table keyed by the string attribute "pk".
type Adapter struct {
	client      API
	tablePrefix string
	logger      logger.Logger
	timeout     time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	closed      bool
}

// Config holds DynamoDB adapter configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	TablePrefix      string
	OperationTimeout time.Duration
}

// Cosa fa: costruisce client DynamoDB (AWS SDK v2) con supporto endpoint custom.
// Cosa NON fa: non crea tabelle (vedi Provision).
// Esempio minimo: adapter, err := dynamodb.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := NewAdapterWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		return nil, err
	}

	log.Info("DynamoDB adapter initialized", "region", cfg.Region, "endpoint", cfg.Endpoint)
	return adapter, nil
}

// NewAdapterWithClient wraps an existing client without probing it.
func NewAdapterWithClient(client API, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{
		client:      client,
		tablePrefix: cfg.TablePrefix,
		logger:      log,
		timeout:     cfg.OperationTimeout,
		now:         time.Now,
	}
}

func (a *Adapter) table(collection string) string {
	return a.tablePrefix + collection
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.put(ctx, "create", collection, key, body, "attribute_not_exists(#pk)")
}

// Update replaces the body only when the item exists.
func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.put(ctx, "update", collection, key, body, "attribute_exists(#pk)")
}

func (a *Adapter) put(ctx context.Context, op, collection, key string, body []byte, condition string) (*docstore.Document, error) {
	if err := a.checkOpen(op, collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	updatedAt := a.now().UTC()
	_, err := a.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table(collection)),
		Item: map[string]types.AttributeValue{
			attrKey:       &types.AttributeValueMemberS{Value: key},
			attrBody:      &types.AttributeValueMemberS{Value: string(body)},
			attrUpdatedAt: &types.AttributeValueMemberS{Value: updatedAt.Format(time.RFC3339Nano)},
		},
		ConditionExpression:      aws.String(condition),
		ExpressionAttributeNames: map[string]string{"#pk": attrKey},
	})
	if err != nil {
		return nil, classify(op, collection, key, err)
	}
	return &docstore.Document{Collection: collection, Key: key, Body: append([]byte(nil), body...), UpdatedAt: updatedAt}, nil
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := a.checkOpen("get", collection, key); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	out, err := a.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table(collection)),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get", collection, key, err)
	}
	if len(out.Item) == 0 {
		return nil, docstore.NewError("get", collection, key, docstore.KindNotFound, nil)
	}

	doc := &docstore.Document{Collection: collection, Key: key}
	if body, ok := out.Item[attrBody].(*types.AttributeValueMemberS); ok {
		doc.Body = []byte(body.Value)
	} else {
		return nil, docstore.NewError("get", collection, key, docstore.KindInvalid, errors.New("item has no body attribute"))
	}
	if ts, ok := out.Item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts.Value)
	}
	return doc, nil
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	if err := a.checkOpen("delete", collection, key); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(a.table(collection)),
		Key:                      map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrKey},
	})
	if err != nil {
		return classify("delete", collection, key, err)
	}
	return nil
}

// Provision creates an on-demand table for collection and waits until it is active.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if err := a.checkOpen("provision", collection, ""); err != nil {
		return err
	}
	table := a.table(collection)
	_, err := a.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return classify("provision", collection, "", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(a.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, provisionWait); err != nil {
		return docstore.NewError("provision", collection, "", docstore.KindUnavailable, err)
	}
	a.logger.Info("DynamoDB table provisioned", "table", table)
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return fmt.Errorf("dynamodb adapter is closed")
	}

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.ListTables(opCtx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Adapter) checkOpen(op, collection, key string) error {
	if strings.TrimSpace(collection) == "" || (op != "provision" && strings.TrimSpace(key) == "") {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("collection and key are required"))
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, errors.New("dynamodb adapter is closed"))
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

// IsThrottlingError reports whether DynamoDB rejected the request for capacity reasons.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	var rle *types.RequestLimitExceeded
	return errors.As(err, &pte) || errors.As(err, &rle)
}

func classify(op, collection, key string, err error) error {
	var conditional *types.ConditionalCheckFailedException
	var missing *types.ResourceNotFoundException
	switch {
	case errors.As(err, &conditional):
		// the only conditions we write are existence checks
		if op == "create" {
			return docstore.NewError(op, collection, key, docstore.KindAlreadyExists, err)
		}
		return docstore.NewError(op, collection, key, docstore.KindNotFound, err)
	case errors.As(err, &missing):
		return docstore.NewError(op, collection, key, docstore.KindCollectionMissing, err)
	case IsThrottlingError(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	case resilience.IsRetryable(err):
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	default:
		return docstore.NewError(op, collection, key, docstore.KindUnknown, err)
	}
}
